// Package resolver maps extracted entity mentions to canonical graph
// entities.
//
// Resolution cascades from cheap to expensive: exact normalized alias
// lookup, Jaro-Winkler string similarity over trigram-narrowed
// candidates, then embedding cosine over vector-near candidates. A
// single candidate clearing the auto-merge threshold absorbs the
// mention as an alias; ambiguity always creates a new entity and logs
// the near misses so thresholds can be tuned from real traffic.
// Resolution never throws away a mention and never merges on a guess.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xrash/smetrics"

	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/internal/util"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/leaselock"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
	"github.com/hoferino/manda-platform-sub010/pkg/store"
)

const (
	defaultFuzzyThreshold  = 0.92
	defaultVectorThreshold = 0.85
	defaultAutoMerge       = 0.90
	defaultAmbiguityMargin = 0.03
	defaultCandidateLimit  = 16

	// Jaro-Winkler prefix weighting, the library's conventional values.
	jwBoostThreshold = 0.7
	jwPrefixSize     = 4
)

// Store is the slice of the graph store the resolver needs.
type Store interface {
	FindEntityByAlias(ctx context.Context, namespace, entityType, normalizedAlias string) (common.Entity, error)
	CandidatesByName(ctx context.Context, namespace, entityType, normalizedKey string, limit int) ([]store.EntityCandidate, error)
	CandidatesByEmbedding(ctx context.Context, namespace, entityType string, embedding []float32, limit int) ([]store.EntityCandidate, error)
	InsertEntity(ctx context.Context, e common.Entity) error
	AddAlias(ctx context.Context, namespace, entityID, alias, normalizedAlias string) error
	GetEntity(ctx context.Context, namespace, id string) (common.Entity, error)
	GetEntityRaw(ctx context.Context, namespace, id string) (common.Entity, error)
	MergeEntities(ctx context.Context, namespace, fromID, toID string) error
	InsertResolutionDecision(ctx context.Context, d common.ResolutionDecision) error
}

// Locker serializes resolution of one normalized mention.
type Locker interface {
	WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

// Mention is one extracted entity reference awaiting resolution.
type Mention struct {
	Name string
	Type string
	// Embedding is the mention's context embedding, used for vector
	// candidacy. Resolution degrades to string matching without it.
	Embedding []float32
}

// Resolution is the outcome for one mention.
type Resolution struct {
	EntityID string
	Created  bool
	Decision common.ResolutionDecision
}

// Params tune the similarity cascade. Thresholds are starting defaults
// meant to be adjusted from near-miss decision data, not contracts.
type Params struct {
	FuzzyThreshold  float64
	VectorThreshold float64
	AutoMerge       float64
	AmbiguityMargin float64
	CandidateLimit  int
	LockTTL         time.Duration
}

func (p Params) withDefaults() Params {
	if p.FuzzyThreshold <= 0 {
		p.FuzzyThreshold = defaultFuzzyThreshold
	}
	if p.VectorThreshold <= 0 {
		p.VectorThreshold = defaultVectorThreshold
	}
	if p.AutoMerge <= 0 {
		p.AutoMerge = defaultAutoMerge
	}
	if p.AmbiguityMargin <= 0 {
		p.AmbiguityMargin = defaultAmbiguityMargin
	}
	if p.CandidateLimit <= 0 {
		p.CandidateLimit = defaultCandidateLimit
	}
	return p
}

// Resolver runs the cascade.
type Resolver struct {
	store  Store
	locks  Locker
	params Params
}

// New wires a resolver to its store and lock client.
func New(st Store, locks Locker, params Params) *Resolver {
	return &Resolver{store: st, locks: locks, params: params.withDefaults()}
}

// Resolve maps one mention to an entity id, creating the entity when no
// existing one can be matched safely. Concurrent resolutions of the
// same normalized mention in one namespace serialize on a lease lock;
// the deterministic entity id plus insert-on-conflict backstop any
// lease expiry.
func (r *Resolver) Resolve(ctx context.Context, namespace string, m Mention) (Resolution, error) {
	if err := requireNamespace(namespace); err != nil {
		return Resolution{}, err
	}
	key := common.NormalizeKey(m.Type, m.Name)
	if key == "" {
		return Resolution{}, fmt.Errorf("mention %q normalizes to nothing", m.Name)
	}

	var (
		res     Resolution
		lockKey = leaselock.ResolutionKey(namespace, m.Type, key)
	)
	err := r.locks.WithLease(ctx, lockKey, leaselock.Options{TTL: r.params.LockTTL, Wait: true}, func(ctx context.Context) error {
		var err error
		res, err = r.resolveLocked(ctx, namespace, m, key)
		return err
	})
	return res, err
}

func (r *Resolver) resolveLocked(ctx context.Context, namespace string, m Mention, key string) (Resolution, error) {
	// Exact alias hit ends the cascade.
	ent, err := r.store.FindEntityByAlias(ctx, namespace, m.Type, key)
	if err == nil {
		if err := r.store.AddAlias(ctx, namespace, ent.ID, util.NormalizeSpace(m.Name), key); err != nil {
			return Resolution{}, err
		}
		return r.decide(ctx, common.ResolutionDecision{
			Namespace:  namespace,
			Kind:       common.DecisionAliasMatch,
			Mention:    m.Name,
			MentionKey: key,
			EntityType: m.Type,
			EntityID:   ent.ID,
		}, false)
	}
	if !errors.Is(err, errs.ErrEntityNotFound) {
		return Resolution{}, err
	}

	// Metric names that are not exactly equal are distinct metrics by
	// definition; similarity would merge "Revenue" into "Net Revenue".
	if m.Type == common.EntityTypeFinancialMetric {
		return r.createEntity(ctx, namespace, m, key, nil)
	}

	scored, err := r.scoreCandidates(ctx, namespace, m, key)
	if err != nil {
		return Resolution{}, err
	}

	if winner, ok := r.pickWinner(scored); ok {
		if err := r.store.AddAlias(ctx, namespace, winner.entity.ID, util.NormalizeSpace(m.Name), key); err != nil {
			return Resolution{}, err
		}
		return r.decide(ctx, common.ResolutionDecision{
			Namespace:   namespace,
			Kind:        common.DecisionAutoMerge,
			Mention:     m.Name,
			MentionKey:  key,
			EntityType:  m.Type,
			EntityID:    winner.entity.ID,
			CandidateID: winner.entity.ID,
			NameScore:   winner.nameScore,
			VectorScore: winner.vectorScore,
		}, false)
	}

	return r.createEntity(ctx, namespace, m, key, scored)
}

type scoredCandidate struct {
	entity      common.Entity
	nameScore   float64
	vectorScore float64
}

func (c scoredCandidate) best() float64 {
	if c.nameScore > c.vectorScore {
		return c.nameScore
	}
	return c.vectorScore
}

// scoreCandidates gathers same-type candidates from both similarity
// signals and keeps those clearing their signal's threshold.
func (r *Resolver) scoreCandidates(ctx context.Context, namespace string, m Mention, key string) ([]scoredCandidate, error) {
	byID := map[string]*scoredCandidate{}

	nameCands, err := r.store.CandidatesByName(ctx, namespace, m.Type, key, r.params.CandidateLimit)
	if err != nil {
		return nil, err
	}
	for _, c := range nameCands {
		jw := smetrics.JaroWinkler(key, c.Entity.NormalizedKey, jwBoostThreshold, jwPrefixSize)
		if jw < r.params.FuzzyThreshold {
			continue
		}
		byID[c.Entity.ID] = &scoredCandidate{entity: c.Entity, nameScore: jw}
	}

	if len(m.Embedding) > 0 {
		vecCands, err := r.store.CandidatesByEmbedding(ctx, namespace, m.Type, m.Embedding, r.params.CandidateLimit)
		if err != nil {
			return nil, err
		}
		for _, c := range vecCands {
			if c.VectorScore < r.params.VectorThreshold {
				continue
			}
			if sc, ok := byID[c.Entity.ID]; ok {
				sc.vectorScore = c.VectorScore
				continue
			}
			byID[c.Entity.ID] = &scoredCandidate{entity: c.Entity, vectorScore: c.VectorScore}
		}
	}

	out := make([]scoredCandidate, 0, len(byID))
	for _, sc := range byID {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].best() != out[j].best() {
			return out[i].best() > out[j].best()
		}
		return out[i].entity.ID < out[j].entity.ID
	})
	return out, nil
}

// pickWinner returns the single candidate above the auto-merge
// threshold, unless a runner-up sits inside the ambiguity margin.
func (r *Resolver) pickWinner(scored []scoredCandidate) (scoredCandidate, bool) {
	if len(scored) == 0 || scored[0].best() < r.params.AutoMerge {
		return scoredCandidate{}, false
	}
	if len(scored) > 1 && scored[0].best()-scored[1].best() <= r.params.AmbiguityMargin {
		return scoredCandidate{}, false
	}
	return scored[0], true
}

// createEntity registers a brand-new entity for the mention and records
// the near misses that kept existing candidates from winning.
func (r *Resolver) createEntity(ctx context.Context, namespace string, m Mention, key string, nearMisses []scoredCandidate) (Resolution, error) {
	ent := common.Entity{
		ID:            common.EntityID(namespace, m.Type, key),
		Namespace:     namespace,
		Type:          m.Type,
		Name:          util.NormalizeSpace(m.Name),
		NormalizedKey: key,
		Embedding:     m.Embedding,
	}
	if err := r.store.InsertEntity(ctx, ent); err != nil {
		return Resolution{}, err
	}

	for _, near := range nearMisses {
		miss := common.ResolutionDecision{
			Namespace:   namespace,
			Kind:        common.DecisionNearMiss,
			Mention:     m.Name,
			MentionKey:  key,
			EntityType:  m.Type,
			EntityID:    ent.ID,
			CandidateID: near.entity.ID,
			NameScore:   near.nameScore,
			VectorScore: near.vectorScore,
		}
		if err := r.store.InsertResolutionDecision(ctx, miss); err != nil {
			return Resolution{}, err
		}
		metrics.ResolutionDecisions.WithLabelValues(string(common.DecisionNearMiss)).Inc()
		logger.Debug("[Resolver][Resolve] Near miss recorded",
			"namespace", namespace, "mention", m.Name, "candidate", near.entity.ID,
			"name_score", near.nameScore, "vector_score", near.vectorScore)
	}

	return r.decide(ctx, common.ResolutionDecision{
		Namespace:  namespace,
		Kind:       common.DecisionNewEntity,
		Mention:    m.Name,
		MentionKey: key,
		EntityType: m.Type,
		EntityID:   ent.ID,
	}, true)
}

// MergeEntities is the manual override: folds source into target
// unconditionally and records a manual_merge decision.
func (r *Resolver) MergeEntities(ctx context.Context, namespace, sourceID, targetID string) (common.Entity, error) {
	if err := requireNamespace(namespace); err != nil {
		return common.Entity{}, err
	}

	source, err := r.store.GetEntityRaw(ctx, namespace, sourceID)
	if err != nil {
		return common.Entity{}, err
	}
	if err := r.store.MergeEntities(ctx, namespace, sourceID, targetID); err != nil {
		return common.Entity{}, err
	}

	decision := common.ResolutionDecision{
		Namespace:   namespace,
		Kind:        common.DecisionManual,
		Mention:     source.Name,
		MentionKey:  source.NormalizedKey,
		EntityType:  source.Type,
		EntityID:    targetID,
		CandidateID: sourceID,
	}
	if err := r.store.InsertResolutionDecision(ctx, decision); err != nil {
		return common.Entity{}, err
	}
	metrics.ResolutionDecisions.WithLabelValues(string(common.DecisionManual)).Inc()
	logger.Info("Entities merged manually", "namespace", namespace, "source", sourceID, "target", targetID)

	return r.store.GetEntity(ctx, namespace, targetID)
}

func (r *Resolver) decide(ctx context.Context, d common.ResolutionDecision, created bool) (Resolution, error) {
	if err := r.store.InsertResolutionDecision(ctx, d); err != nil {
		return Resolution{}, err
	}
	metrics.ResolutionDecisions.WithLabelValues(string(d.Kind)).Inc()
	return Resolution{EntityID: d.EntityID, Created: created, Decision: d}, nil
}

func requireNamespace(namespace string) error {
	if namespace == "" {
		return errs.ErrNamespaceRequired
	}
	return nil
}
