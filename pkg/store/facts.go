package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
)

const factColumns = `id, namespace, subject_id, predicate, COALESCE(object_id, ''), COALESCE(object_text, ''), content, confidence, channel, valid_at, invalid_at, embedding, created_at`

const insertFactSQL = `
INSERT INTO facts (id, namespace, subject_id, predicate, object_id, object_text, content, confidence, channel, valid_at, invalid_at, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING
`

const insertFactEpisodeSQL = `
INSERT INTO fact_episodes (fact_id, episode_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`

const getFactSQL = `
SELECT ` + factColumns + `
FROM facts
WHERE namespace = $1 AND id = $2
`

const activeSlotFactsSQL = `
SELECT ` + factColumns + `
FROM facts
WHERE namespace = $1 AND subject_id = $2 AND predicate = $3 AND invalid_at IS NULL
ORDER BY valid_at, created_at
`

const invalidateFactSQL = `
UPDATE facts SET invalid_at = $3
WHERE namespace = $1 AND id = $2 AND invalid_at IS NULL
`

const boostConfidenceSQL = `
UPDATE facts SET confidence = LEAST($4, confidence + $3)
WHERE namespace = $1 AND id = $2
`

const insertFactLinkSQL = `
INSERT INTO fact_links (id, namespace, kind, from_fact, to_fact)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`

const linksForFactsSQL = `
SELECT id, namespace, kind, from_fact, to_fact, created_at
FROM fact_links
WHERE namespace = $1 AND (from_fact = ANY($2) OR to_fact = ANY($2))
ORDER BY created_at, id
`

const episodesForFactsSQL = `
SELECT fe.fact_id, fe.episode_id
FROM fact_episodes fe
JOIN facts f ON f.id = fe.fact_id
WHERE f.namespace = $1 AND fe.fact_id = ANY($2)
ORDER BY fe.episode_id
`

const sourcesForFactsSQL = `
SELECT fe.fact_id, e.id, e.channel, e.source, e.reference_time
FROM fact_episodes fe
JOIN episodes e ON e.id = fe.episode_id
WHERE e.namespace = $1 AND fe.fact_id = ANY($2)
ORDER BY e.created_at, e.id
`

const entityFactsSQL = `
SELECT ` + factColumns + `
FROM facts
WHERE namespace = $1 AND (subject_id = $2 OR object_id = $2)
  AND ($3 OR invalid_at IS NULL)
ORDER BY valid_at DESC, created_at DESC
LIMIT $4
`

// InsertFact appends a fact and records which episode asserted it.
// When the fact already exists the row is untouched but the episode
// link is still added, so corroborating episodes accumulate provenance.
// Returns whether a new fact row was created.
func (s *Store) InsertFact(ctx context.Context, f common.Fact, episodeID string) (bool, error) {
	if err := requireNamespace(f.Namespace); err != nil {
		return false, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin insert fact: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, insertFactSQL,
		f.ID, f.Namespace, f.SubjectID, f.Predicate,
		textParam(f.ObjectID), textParam(f.ObjectText),
		f.Content, f.Confidence, string(f.Channel), f.ValidAt, f.InvalidAt, embeddingParam(f.Embedding))
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	if episodeID != "" {
		if _, err := tx.Exec(ctx, insertFactEpisodeSQL, f.ID, episodeID); err != nil {
			return false, fmt.Errorf("insert fact provenance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit insert fact: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LinkFactEpisode adds episode provenance to an existing fact, used
// when a new episode corroborates a fact instead of producing one.
func (s *Store) LinkFactEpisode(ctx context.Context, namespace, factID, episodeID string) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, insertFactEpisodeSQL, factID, episodeID); err != nil {
		return fmt.Errorf("link fact episode: %w", err)
	}
	return nil
}

// GetFact fetches one fact with its episode provenance.
func (s *Store) GetFact(ctx context.Context, namespace, id string) (common.Fact, error) {
	var f common.Fact
	if err := requireNamespace(namespace); err != nil {
		return f, err
	}

	row := s.db.QueryRow(ctx, getFactSQL, namespace, id)
	f, err := scanFact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return f, errs.ErrFactNotFound
	}
	if err != nil {
		return f, fmt.Errorf("get fact: %w", err)
	}

	provenance, err := s.EpisodesForFacts(ctx, namespace, []string{id})
	if err != nil {
		return f, err
	}
	f.EpisodeIDs = provenance[id]
	return f, nil
}

// ActiveSlotFacts returns the currently active facts on one
// (subject, predicate) slot, oldest valid_at first. Multiple rows mean
// unresolved contradictions are live on the slot.
func (s *Store) ActiveSlotFacts(ctx context.Context, namespace, subjectID, predicate string) ([]common.Fact, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, activeSlotFactsSQL, namespace, subjectID, predicate)
	if err != nil {
		return nil, fmt.Errorf("active slot facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

// InvalidateFact closes an active fact at the given instant. Facts that
// are already closed stay untouched, which keeps replays idempotent.
func (s *Store) InvalidateFact(ctx context.Context, namespace, id string, at time.Time) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, invalidateFactSQL, namespace, id, at); err != nil {
		return fmt.Errorf("invalidate fact: %w", err)
	}
	return nil
}

// BoostFactConfidence raises a fact's confidence by boost, clamped to ceil.
func (s *Store) BoostFactConfidence(ctx context.Context, namespace, id string, boost, ceil float64) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, boostConfidenceSQL, namespace, id, boost, ceil); err != nil {
		return fmt.Errorf("boost fact confidence: %w", err)
	}
	return nil
}

// InsertFactLink records a supersedes, contradicts, or supports edge.
// Link ids are deterministic, so replays collapse.
func (s *Store) InsertFactLink(ctx context.Context, link common.FactLink) error {
	if err := requireNamespace(link.Namespace); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, insertFactLinkSQL,
		link.ID, link.Namespace, string(link.Kind), link.FromFactID, link.ToFactID)
	if err != nil {
		return fmt.Errorf("insert fact link: %w", err)
	}
	return nil
}

// LinksForFacts returns every link touching any of the given facts.
func (s *Store) LinksForFacts(ctx context.Context, namespace string, factIDs []string) ([]common.FactLink, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	factIDs = DedupeStrings(factIDs)
	if len(factIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, linksForFactsSQL, namespace, factIDs)
	if err != nil {
		return nil, fmt.Errorf("links for facts: %w", err)
	}
	defer rows.Close()

	var out []common.FactLink
	for rows.Next() {
		var l common.FactLink
		if err := rows.Scan(&l.ID, &l.Namespace, &l.Kind, &l.FromFactID, &l.ToFactID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// EpisodesForFacts returns the episode ids backing each fact.
func (s *Store) EpisodesForFacts(ctx context.Context, namespace string, factIDs []string) (map[string][]string, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	factIDs = DedupeStrings(factIDs)
	if len(factIDs) == 0 {
		return map[string][]string{}, nil
	}

	rows, err := s.db.Query(ctx, episodesForFactsSQL, namespace, factIDs)
	if err != nil {
		return nil, fmt.Errorf("episodes for facts: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string, len(factIDs))
	for rows.Next() {
		var factID, episodeID string
		if err := rows.Scan(&factID, &episodeID); err != nil {
			return nil, fmt.Errorf("scan fact provenance: %w", err)
		}
		out[factID] = append(out[factID], episodeID)
	}
	return out, rows.Err()
}

// EpisodeRef points at one piece of evidence behind a fact.
type EpisodeRef struct {
	EpisodeID     string
	Channel       common.Channel
	Source        common.SourceRef
	ReferenceTime time.Time
}

// SourcesForFacts returns the evidence behind each fact, oldest episode
// first, so index zero is the episode that originally asserted it.
func (s *Store) SourcesForFacts(ctx context.Context, namespace string, factIDs []string) (map[string][]EpisodeRef, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	factIDs = DedupeStrings(factIDs)
	if len(factIDs) == 0 {
		return map[string][]EpisodeRef{}, nil
	}

	rows, err := s.db.Query(ctx, sourcesForFactsSQL, namespace, factIDs)
	if err != nil {
		return nil, fmt.Errorf("sources for facts: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]EpisodeRef, len(factIDs))
	for rows.Next() {
		var (
			factID string
			ref    EpisodeRef
		)
		if err := rows.Scan(&factID, &ref.EpisodeID, &ref.Channel, &ref.Source, &ref.ReferenceTime); err != nil {
			return nil, fmt.Errorf("scan fact source: %w", err)
		}
		out[factID] = append(out[factID], ref)
	}
	return out, rows.Err()
}

// EntityFacts returns facts where the entity appears as subject or
// object, newest first. includeInvalidated widens past current truth.
func (s *Store) EntityFacts(ctx context.Context, namespace, entityID string, includeInvalidated bool, limit int) ([]common.Fact, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, entityFactsSQL, namespace, entityID, includeInvalidated, limit)
	if err != nil {
		return nil, fmt.Errorf("entity facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

func collectFacts(rows pgx.Rows) ([]common.Fact, error) {
	var out []common.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFact(row rowScanner) (common.Fact, error) {
	var (
		f   common.Fact
		emb *pgvector.Vector
	)
	err := row.Scan(&f.ID, &f.Namespace, &f.SubjectID, &f.Predicate, &f.ObjectID, &f.ObjectText,
		&f.Content, &f.Confidence, &f.Channel, &f.ValidAt, &f.InvalidAt, &emb, &f.CreatedAt)
	if err != nil {
		return f, err
	}
	if emb != nil {
		f.Embedding = emb.Slice()
	}
	return f, nil
}

func textParam(value string) any {
	if value == "" {
		return nil
	}
	return value
}
