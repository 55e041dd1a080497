// Package supersede reconciles each newly extracted fact against the
// active facts already occupying its (subject, predicate) slot.
//
// The engine never rewrites history. Losing facts are closed by setting
// invalid_at and linking a SUPERSEDES edge from the winner; irreconcilable
// facts stay active joined by a CONTRADICTS edge; corroborating evidence
// is absorbed into the existing fact with a SUPPORTS edge and a
// confidence boost instead of becoming a duplicate active fact.
package supersede

import (
	"context"
	"strings"
	"time"

	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/internal/util"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/embed"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

const (
	defaultSupportSimilarity = 0.97
	defaultSupportBoost      = 0.2

	// confidenceCeil keeps corroborated facts below certainty no matter
	// how many episodes agree.
	confidenceCeil = 0.99
)

// Store is the slice of the graph store the engine writes through.
type Store interface {
	ActiveSlotFacts(ctx context.Context, namespace, subjectID, predicate string) ([]common.Fact, error)
	InsertFact(ctx context.Context, f common.Fact, episodeID string) (bool, error)
	InvalidateFact(ctx context.Context, namespace, id string, at time.Time) error
	BoostFactConfidence(ctx context.Context, namespace, id string, boost, ceil float64) error
	InsertFactLink(ctx context.Context, link common.FactLink) error
	LinkFactEpisode(ctx context.Context, namespace, factID, episodeID string) error
}

// Outcome reports what one reconciliation did. Fact is the active fact
// carrying the asserted truth afterwards: the new fact itself, or the
// existing fact it corroborated.
type Outcome struct {
	Fact         common.Fact
	Inserted     bool
	SupportedID  string
	Superseded   []string
	Contradicted []string
	// Replayed marks a duplicate delivery: the fact id already existed,
	// so every side effect had already been applied.
	Replayed bool
}

// Params tune the corroboration behavior.
type Params struct {
	// SupportSimilarity is the content cosine at or above which two
	// facts count as the same assertion (default 0.97).
	SupportSimilarity float64
	// SupportBoost is added to a corroborated fact's confidence
	// (default 0.2, clamped below certainty).
	SupportBoost float64
}

// Engine applies the supersession rules.
type Engine struct {
	store             Store
	supportSimilarity float64
	supportBoost      float64
}

// NewEngine wires the engine to a store.
func NewEngine(store Store, params Params) *Engine {
	if params.SupportSimilarity <= 0 {
		params.SupportSimilarity = defaultSupportSimilarity
	}
	if params.SupportBoost <= 0 {
		params.SupportBoost = defaultSupportBoost
	}
	return &Engine{
		store:             store,
		supportSimilarity: params.SupportSimilarity,
		supportBoost:      params.SupportBoost,
	}
}

// Reconcile runs one fact candidate through the slot rules and persists
// the result. The fact must arrive with its deterministic id, resolved
// subject/object ids, and content embedding already set.
func (e *Engine) Reconcile(ctx context.Context, f common.Fact, episodeID string) (Outcome, error) {
	active, err := e.store.ActiveSlotFacts(ctx, f.Namespace, f.SubjectID, f.Predicate)
	if err != nil {
		return Outcome{}, err
	}

	now := time.Now().UTC()

	// Corroboration wins over ordering: identical truth from a second
	// source strengthens the slot instead of churning it.
	for _, existing := range active {
		if existing.ID == f.ID {
			continue
		}
		if e.materiallySame(f, existing) {
			return e.corroborate(ctx, f, existing, episodeID, now)
		}
	}

	inserted, err := e.store.InsertFact(ctx, f, episodeID)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		metrics.FactOutcomes.WithLabelValues("duplicate").Inc()
		return Outcome{Fact: f, Replayed: true}, nil
	}

	out := Outcome{Fact: f, Inserted: true}
	for _, existing := range active {
		if outranks(f, existing) {
			if err := e.store.InvalidateFact(ctx, f.Namespace, existing.ID, now); err != nil {
				return out, err
			}
			link := common.FactLink{
				ID:         common.LinkID(common.LinkSupersedes, f.ID, existing.ID),
				Namespace:  f.Namespace,
				Kind:       common.LinkSupersedes,
				FromFactID: f.ID,
				ToFactID:   existing.ID,
			}
			if err := e.store.InsertFactLink(ctx, link); err != nil {
				return out, err
			}
			out.Superseded = append(out.Superseded, existing.ID)
			metrics.FactOutcomes.WithLabelValues("superseded").Inc()
			continue
		}

		link := common.FactLink{
			ID:         common.LinkID(common.LinkContradicts, f.ID, existing.ID),
			Namespace:  f.Namespace,
			Kind:       common.LinkContradicts,
			FromFactID: f.ID,
			ToFactID:   existing.ID,
		}
		if err := e.store.InsertFactLink(ctx, link); err != nil {
			return out, err
		}
		out.Contradicted = append(out.Contradicted, existing.ID)
		metrics.FactOutcomes.WithLabelValues("contradicted").Inc()
		logger.Warn("Contradiction left active for review",
			"namespace", f.Namespace, "subject", f.SubjectID, "predicate", f.Predicate,
			"new", f.ID, "existing", existing.ID)
	}

	metrics.FactOutcomes.WithLabelValues("active").Inc()
	return out, nil
}

// corroborate absorbs f into existing: f is persisted as a born-closed
// evidence record so the extraction is never lost, the existing fact
// absorbs it via a SUPERSEDES edge, a SUPPORTS edge records the
// corroboration, and the existing fact gains provenance and confidence.
func (e *Engine) corroborate(ctx context.Context, f, existing common.Fact, episodeID string, now time.Time) (Outcome, error) {
	closed := f
	closed.InvalidAt = &now

	inserted, err := e.store.InsertFact(ctx, closed, episodeID)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		metrics.FactOutcomes.WithLabelValues("duplicate").Inc()
		return Outcome{Fact: existing, SupportedID: existing.ID, Replayed: true}, nil
	}

	absorb := common.FactLink{
		ID:         common.LinkID(common.LinkSupersedes, existing.ID, closed.ID),
		Namespace:  f.Namespace,
		Kind:       common.LinkSupersedes,
		FromFactID: existing.ID,
		ToFactID:   closed.ID,
	}
	if err := e.store.InsertFactLink(ctx, absorb); err != nil {
		return Outcome{}, err
	}
	support := common.FactLink{
		ID:         common.LinkID(common.LinkSupports, closed.ID, existing.ID),
		Namespace:  f.Namespace,
		Kind:       common.LinkSupports,
		FromFactID: closed.ID,
		ToFactID:   existing.ID,
	}
	if err := e.store.InsertFactLink(ctx, support); err != nil {
		return Outcome{}, err
	}
	if err := e.store.LinkFactEpisode(ctx, f.Namespace, existing.ID, episodeID); err != nil {
		return Outcome{}, err
	}
	if err := e.store.BoostFactConfidence(ctx, f.Namespace, existing.ID, e.supportBoost, confidenceCeil); err != nil {
		return Outcome{}, err
	}

	boosted := existing
	if boosted.Confidence += e.supportBoost; boosted.Confidence > confidenceCeil {
		boosted.Confidence = confidenceCeil
	}

	metrics.FactOutcomes.WithLabelValues("supported").Inc()
	logger.Debug("[Supersede][Reconcile] Corroboration absorbed",
		"namespace", f.Namespace, "fact", existing.ID, "evidence", closed.ID)
	return Outcome{Fact: boosted, SupportedID: existing.ID}, nil
}

// materiallySame reports whether two facts assert the same thing: equal
// resolved objects, equal normalized literal values, or near-identical
// content embeddings.
func (e *Engine) materiallySame(a, b common.Fact) bool {
	if a.ObjectID != "" && b.ObjectID != "" && a.ObjectID == b.ObjectID {
		return true
	}
	if a.ObjectText != "" && b.ObjectText != "" &&
		normalizeValue(a.ObjectText) == normalizeValue(b.ObjectText) {
		return true
	}
	if len(a.Embedding) > 0 && len(b.Embedding) > 0 {
		return embed.Cosine(a.Embedding, b.Embedding) >= e.supportSimilarity
	}
	return false
}

// outranks reports whether the new fact displaces the old one: a
// strictly higher channel tier or a strictly later valid time wins.
func outranks(newFact, oldFact common.Fact) bool {
	if newFact.Channel.Tier() > oldFact.Channel.Tier() {
		return true
	}
	return newFact.ValidAt.After(oldFact.ValidAt)
}

func normalizeValue(value string) string {
	return util.NormalizeSpace(strings.ToLower(value))
}
