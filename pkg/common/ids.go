package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Deterministic identifiers make every write idempotent: a retried
// ingestion recomputes the same ids and the store's upserts collapse the
// duplicates. Ids are hex sha256 digests over a canonical field encoding
// with an unambiguous separator.

const idSeparator = "\x1f"

func hashID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, idSeparator)))
	return hex.EncodeToString(sum[:])
}

// Canonical returns the stable textual form of the source reference used
// in episode id hashing.
func (s SourceRef) Canonical() string {
	switch {
	case s.DocumentID != "":
		return fmt.Sprintf("document:%s:%d", s.DocumentID, s.ChunkIndex)
	case s.QAItemID != "":
		return "qa:" + s.QAItemID
	case s.MessageID != "":
		return "chat:" + s.MessageID
	default:
		return ""
	}
}

// EpisodeID derives the deterministic id of an episode from its
// namespace, channel, source reference and content.
func EpisodeID(namespace string, channel Channel, source SourceRef, content string) string {
	return hashID("episode", namespace, string(channel), source.Canonical(), content)
}

// EntityID derives the deterministic id an entity receives at creation
// time from its namespace, type and normalized name key. Later merges do
// not rewrite ids; the losing entity is tombstoned instead.
func EntityID(namespace, entityType, normalizedKey string) string {
	return hashID("entity", namespace, entityType, normalizedKey)
}

// FactID derives the deterministic id of a fact from the episode that
// produced it and the fact's own (subject, predicate, object) triple.
// Re-ingesting the same episode therefore reproduces identical fact ids.
func FactID(episodeID, subjectID, predicate, object string) string {
	return hashID("fact", episodeID, subjectID, predicate, object)
}

// LinkID derives the deterministic id of a fact link so that replayed
// supersession decisions do not duplicate edges.
func LinkID(kind LinkKind, fromFactID, toFactID string) string {
	return hashID("link", string(kind), fromFactID, toFactID)
}
