package common

import (
	"time"
)

// Channel identifies the kind of evidence an episode carries. The channel
// determines the base confidence of everything extracted from the episode:
// a human-confirmed Q&A answer outranks an analyst's chat assertion, which
// outranks an LLM's reading of a document chunk.
type Channel string

const (
	ChannelDocument    Channel = "document"
	ChannelAnalystChat Channel = "analyst_chat"
	ChannelQAResponse  Channel = "qa_response"
)

// Tier returns the authority tier of the channel. Higher tiers supersede
// lower ones when facts collide on the same (subject, predicate) slot.
func (c Channel) Tier() int {
	switch c {
	case ChannelQAResponse:
		return 3
	case ChannelAnalystChat:
		return 2
	case ChannelDocument:
		return 1
	default:
		return 0
	}
}

// BaseConfidence returns the default confidence assigned to facts
// extracted from this channel, before any corroboration boosts.
func (c Channel) BaseConfidence() float64 {
	switch c {
	case ChannelQAResponse:
		return 0.9
	case ChannelAnalystChat:
		return 0.75
	case ChannelDocument:
		return 0.6
	default:
		return 0.5
	}
}

// Valid reports whether the channel is one of the three known kinds.
func (c Channel) Valid() bool {
	return c == ChannelDocument || c == ChannelAnalystChat || c == ChannelQAResponse
}

// EpisodeStatus tracks ingestion bookkeeping for an episode. The evidence
// itself is immutable; only the processing status advances.
type EpisodeStatus string

const (
	EpisodePending    EpisodeStatus = "pending"
	EpisodeProcessing EpisodeStatus = "processing"
	EpisodeCompleted  EpisodeStatus = "completed"
	EpisodePartial    EpisodeStatus = "partial"
	EpisodeFailed     EpisodeStatus = "failed"
)

// SourceRef points back at the upstream artifact an episode was produced
// from. Exactly one of the id fields is set, matching the channel.
type SourceRef struct {
	DocumentID string `json:"document_id,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	PageNumber int    `json:"page_number,omitempty"`
	QAItemID   string `json:"qa_item_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Episode is an immutable record of one unit of raw evidence. Episodes are
// created once by ingestion and never mutated or deleted; the audit trail
// of what the system was told is the append-only episode log.
type Episode struct {
	ID             string        `json:"id"`
	Namespace      string        `json:"namespace"`
	Channel        Channel       `json:"channel"`
	Content        string        `json:"content"`
	Source         SourceRef     `json:"source"`
	ReferenceTime  time.Time     `json:"reference_time"`
	CreatedAt      time.Time     `json:"created_at"`
	BaseConfidence float64       `json:"base_confidence"`
	Status         EpisodeStatus `json:"status"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// Entity is a canonical real-world object (company, person, financial
// metric instance, risk). Entities are mutable only through resolver
// merges and are never deleted: the losing side of a merge keeps its row
// with MergedInto pointing at the survivor so historical edges stay
// resolvable.
type Entity struct {
	ID            string    `json:"id"`
	Namespace     string    `json:"namespace"`
	Type          string    `json:"type"`
	Name          string    `json:"name"`
	NormalizedKey string    `json:"normalized_key"`
	Aliases       []string  `json:"aliases"`
	Embedding     []float32 `json:"-"`
	MergedInto    string    `json:"merged_into,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Tombstoned reports whether this entity lost a merge and now redirects.
func (e *Entity) Tombstoned() bool {
	return e.MergedInto != ""
}

// Well-known entity types. The set is extendable per deployment; these
// four cover the diligence domain.
const (
	EntityTypeCompany         = "company"
	EntityTypePerson          = "person"
	EntityTypeFinancialMetric = "financial_metric"
	EntityTypeRisk            = "risk"
)

// DefaultEntityTypes is the extraction type whitelist used when a
// namespace does not configure its own.
var DefaultEntityTypes = []string{
	EntityTypeCompany,
	EntityTypePerson,
	EntityTypeFinancialMetric,
	EntityTypeRisk,
}

// Fact is a temporal, append-only assertion edge. Subject is always an
// entity; the object is either another entity (ObjectID set) or a literal
// value (ObjectText). A fact is active while InvalidAt is nil; superseding
// evidence sets InvalidAt but never deletes the row, so "current truth" is
// a pure projection over invalid_at IS NULL.
type Fact struct {
	ID         string     `json:"id"`
	Namespace  string     `json:"namespace"`
	SubjectID  string     `json:"subject_id"`
	Predicate  string     `json:"predicate"`
	ObjectID   string     `json:"object_id,omitempty"`
	ObjectText string     `json:"object_text,omitempty"`
	Content    string     `json:"content"`
	Confidence float64    `json:"confidence"`
	Channel    Channel    `json:"channel"`
	ValidAt    time.Time  `json:"valid_at"`
	InvalidAt  *time.Time `json:"invalid_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Embedding  []float32  `json:"-"`
	EpisodeIDs []string   `json:"episode_ids,omitempty"`
}

// Active reports whether the fact is part of current truth.
func (f *Fact) Active() bool {
	return f.InvalidAt == nil
}

// LinkKind is the type of an edge between two facts.
type LinkKind string

const (
	// LinkSupersedes points from the newer fact to the older fact it
	// invalidated.
	LinkSupersedes LinkKind = "supersedes"
	// LinkContradicts joins two facts whose truth could not be reconciled
	// automatically. Both stay active and are surfaced for review.
	LinkContradicts LinkKind = "contradicts"
	// LinkSupports records corroboration without duplicating the fact.
	LinkSupports LinkKind = "supports"
)

// FactLink is an edge between two facts.
type FactLink struct {
	ID         string    `json:"id"`
	Namespace  string    `json:"namespace"`
	Kind       LinkKind  `json:"kind"`
	FromFactID string    `json:"from_fact_id"`
	ToFactID   string    `json:"to_fact_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionKind classifies resolver outcomes. Near misses are data, not
// failures: they exist to tune the similarity thresholds.
type DecisionKind string

const (
	DecisionNewEntity  DecisionKind = "new_entity"
	DecisionAliasMatch DecisionKind = "alias_match"
	DecisionAutoMerge  DecisionKind = "auto_merge"
	DecisionNearMiss   DecisionKind = "near_miss"
	DecisionManual     DecisionKind = "manual_merge"
)

// ResolutionDecision is the persisted audit record of one resolver
// outcome for one mention.
type ResolutionDecision struct {
	ID          string       `json:"id"`
	Namespace   string       `json:"namespace"`
	Kind        DecisionKind `json:"kind"`
	Mention     string       `json:"mention"`
	MentionKey  string       `json:"mention_key"`
	EntityType  string       `json:"entity_type"`
	EntityID    string       `json:"entity_id"`
	CandidateID string       `json:"candidate_id,omitempty"`
	NameScore   float64      `json:"name_score,omitempty"`
	VectorScore float64      `json:"vector_score,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// IngestOutcome summarizes what one episode produced. Published as the
// ingestion completion event and returned by the pipeline.
type IngestOutcome struct {
	EpisodeID          string        `json:"episode_id"`
	Namespace          string        `json:"namespace"`
	Status             EpisodeStatus `json:"status"`
	EntityCount        int           `json:"entity_count"`
	FactCount          int           `json:"fact_count"`
	SupersededCount    int           `json:"superseded_count"`
	ContradictionCount int           `json:"contradiction_count,omitempty"`
	SupportCount       int           `json:"support_count,omitempty"`
	FailedFacts        int           `json:"failed_facts,omitempty"`
}
