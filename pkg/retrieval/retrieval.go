// Package retrieval answers questions from the graph.
//
// One query flows through: query-kind embedding, a hybrid candidate
// search running the vector, lexical, and graph channels in parallel,
// reciprocal rank fusion of the channel rankings, reranking against
// the query vector, and provenance annotation. Superseded facts stay
// hidden unless the caller asks for history; contradicted results are
// annotated on both sides rather than silently dropped.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/internal/timing"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
	"github.com/hoferino/manda-platform-sub010/pkg/store"
)

const (
	// rrfK dampens the weight of top ranks in reciprocal rank fusion.
	rrfK = 60

	defaultCandidateCount   = 50
	defaultResultCount      = 10
	defaultTraversalDepth   = 2
	defaultCandidateTimeout = 500 * time.Millisecond
	defaultTotalTimeout     = 3 * time.Second
)

// Store is the read-only slice of the graph store the service queries.
type Store interface {
	SeedEntities(ctx context.Context, namespace, queryText string, limit int) ([]string, error)
	QueryCandidates(ctx context.Context, params store.QueryParams) ([]store.Candidate, error)
	SourcesForFacts(ctx context.Context, namespace string, factIDs []string) (map[string][]store.EpisodeRef, error)
	LinksForFacts(ctx context.Context, namespace string, factIDs []string) ([]common.FactLink, error)
}

// Gateway is the query-side slice of the embedding gateway.
type Gateway interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Rerank(query []float32, candidates [][]float32) []float64
}

// Options tune one retrieval call. Zero values fall back to the
// service defaults.
type Options struct {
	CandidateCount int
	ResultCount    int
	// IncludeSuperseded widens visibility to invalidated facts, for
	// audit and history queries.
	IncludeSuperseded bool
	// AsOf pins visibility to the truth as of a past instant.
	AsOf *time.Time
}

// Hit is one reranked fact with its provenance.
type Hit struct {
	FactID     string           `json:"fact_id"`
	Content    string           `json:"content"`
	Score      float64          `json:"score"`
	SubjectID  string           `json:"subject_id"`
	Predicate  string           `json:"predicate"`
	ObjectID   string           `json:"object_id,omitempty"`
	SourceType common.Channel   `json:"source_type"`
	SourceRef  common.SourceRef `json:"source_ref"`
	EpisodeID  string           `json:"episode_id,omitempty"`
	Confidence float64          `json:"confidence"`
	ValidAt    time.Time        `json:"valid_at"`
	InvalidAt  *time.Time       `json:"invalid_at,omitempty"`
	// SupersededBy names the replacing fact, only populated when the
	// caller requested history.
	SupersededBy string `json:"superseded_by,omitempty"`
	// Contradicts lists other hits in this result set joined to this one
	// by a contradiction edge.
	Contradicts []string `json:"contradicts,omitempty"`
}

// Result is the full answer for one query.
type Result struct {
	Hits      []Hit            `json:"results"`
	EntityIDs []string         `json:"entities"`
	LatencyMS int64            `json:"latency_ms"`
	StageMS   map[string]int64 `json:"stage_ms"`
}

// Params tune the service.
type Params struct {
	// CandidateCount caps each search channel and the fused set.
	CandidateCount int
	// ResultCount caps the reranked answer.
	ResultCount int
	// TraversalDepth is the maximum hop count of the graph channel.
	TraversalDepth int
	// CandidateTimeout bounds the hybrid candidate stage. The rerank
	// stage is an in-process scoring pass and needs no budget of its
	// own; its latency is still recorded per stage.
	CandidateTimeout time.Duration
	// TotalTimeout bounds one query end to end.
	TotalTimeout time.Duration
}

// Service runs hybrid retrieval. Read-only and safe for arbitrary
// concurrent use.
type Service struct {
	store   Store
	gateway Gateway

	candidateCount   int
	resultCount      int
	traversalDepth   int
	candidateTimeout time.Duration
	totalTimeout     time.Duration
}

// NewServiceParams defines the collaborators and tuning of a Service.
type NewServiceParams struct {
	Store   Store
	Gateway Gateway
	Params  Params
}

func NewService(params NewServiceParams) *Service {
	s := &Service{
		store:            params.Store,
		gateway:          params.Gateway,
		candidateCount:   params.Params.CandidateCount,
		resultCount:      params.Params.ResultCount,
		traversalDepth:   params.Params.TraversalDepth,
		candidateTimeout: params.Params.CandidateTimeout,
		totalTimeout:     params.Params.TotalTimeout,
	}
	if s.candidateCount <= 0 {
		s.candidateCount = defaultCandidateCount
	}
	if s.resultCount <= 0 {
		s.resultCount = defaultResultCount
	}
	if s.traversalDepth <= 0 {
		s.traversalDepth = defaultTraversalDepth
	}
	if s.candidateTimeout <= 0 {
		s.candidateTimeout = defaultCandidateTimeout
	}
	if s.totalTimeout <= 0 {
		s.totalTimeout = defaultTotalTimeout
	}
	return s
}

// Retrieve answers one query against a namespace. Store trouble is
// surfaced as errs.ErrStoreUnavailable so callers can report a degraded
// service instead of a hard failure.
func (s *Service) Retrieve(ctx context.Context, namespace, query string, opts Options) (Result, error) {
	var out Result
	if namespace == "" {
		return out, errs.ErrNamespaceRequired
	}
	if strings.TrimSpace(query) == "" {
		return out, errors.New("query text must not be blank")
	}

	candidateCount := opts.CandidateCount
	if candidateCount <= 0 {
		candidateCount = s.candidateCount
	}
	resultCount := opts.ResultCount
	if resultCount <= 0 {
		resultCount = s.resultCount
	}

	ctx, cancel := context.WithTimeout(ctx, s.totalTimeout)
	defer cancel()

	sw := timing.New()

	var embedding []float32
	err := sw.Observe("embed", metrics.RetrievalStageLatency.WithLabelValues("embed"), func() error {
		var err error
		embedding, err = s.gateway.EmbedQuery(ctx, query)
		return err
	})
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return out, fmt.Errorf("embedding query: %w", err)
	}

	var (
		seeds []string
		cands []store.Candidate
	)
	err = sw.Observe("candidates", metrics.RetrievalStageLatency.WithLabelValues("candidates"), func() error {
		cctx, cancel := context.WithTimeout(ctx, s.candidateTimeout)
		defer cancel()

		var err error
		seeds, err = s.store.SeedEntities(cctx, namespace, query, 0)
		if err != nil {
			return fmt.Errorf("seed entities: %w", err)
		}
		cands, err = s.store.QueryCandidates(cctx, store.QueryParams{
			Namespace:         namespace,
			Text:              query,
			Embedding:         embedding,
			SeedEntityIDs:     seeds,
			Limit:             candidateCount,
			TraversalDepth:    s.traversalDepth,
			IncludeSuperseded: opts.IncludeSuperseded,
			AsOf:              opts.AsOf,
		})
		if err != nil {
			return fmt.Errorf("hybrid candidates: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return out, degraded(err)
	}

	if len(cands) == 0 {
		out.EntityIDs = matchedEntities(seeds, nil)
		out.StageMS = sw.StageMillis()
		out.LatencyMS = sw.TotalMillis()
		metrics.RetrievalRequests.WithLabelValues("ok").Inc()
		logger.Debug("[Retrieval][Retrieve] No candidates found",
			"namespace", namespace, "latency_ms", out.LatencyMS)
		return out, nil
	}

	top := fuse(cands, candidateCount)

	var hits []Hit
	_ = sw.Observe("rerank", metrics.RetrievalStageLatency.WithLabelValues("rerank"), func() error {
		hits = s.rerank(embedding, top, resultCount)
		return nil
	})

	err = sw.Observe("annotate", metrics.RetrievalStageLatency.WithLabelValues("annotate"), func() error {
		return s.annotate(ctx, namespace, hits, opts.IncludeSuperseded)
	})
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return out, degraded(err)
	}

	out.Hits = hits
	out.EntityIDs = matchedEntities(seeds, hits)
	out.StageMS = sw.StageMillis()
	out.LatencyMS = sw.TotalMillis()
	metrics.RetrievalRequests.WithLabelValues("ok").Inc()
	logger.Debug("[Retrieval][Retrieve] Query answered",
		"namespace", namespace,
		"candidates", len(cands), "results", len(hits),
		"latency_ms", out.LatencyMS)
	return out, nil
}

type fused struct {
	cand  store.Candidate
	score float64
}

// fuse merges the per-channel rankings with reciprocal rank fusion and
// keeps the strongest limit candidates. A zero rank means the channel
// missed the fact and contributes nothing.
func fuse(cands []store.Candidate, limit int) []fused {
	out := make([]fused, 0, len(cands))
	for _, c := range cands {
		var score float64
		for _, rank := range [...]int{c.VectorRank, c.LexicalRank, c.GraphRank} {
			if rank > 0 {
				score += 1 / float64(rrfK+rank)
			}
		}
		out = append(out, fused{cand: c, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].cand.Fact.ID < out[j].cand.Fact.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// rerank scores the fused candidates against the query vector and keeps
// the best resultCount as hits. Ties fall back to the fused score, then
// to the fact id, so the ordering is deterministic.
func (s *Service) rerank(query []float32, top []fused, resultCount int) []Hit {
	vecs := make([][]float32, len(top))
	for i, f := range top {
		vecs[i] = f.cand.Fact.Embedding
	}
	scores := s.gateway.Rerank(query, vecs)

	order := make([]int, len(top))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if scores[i] != scores[j] {
			return scores[i] > scores[j]
		}
		if top[i].score != top[j].score {
			return top[i].score > top[j].score
		}
		return top[i].cand.Fact.ID < top[j].cand.Fact.ID
	})

	n := min(resultCount, len(order))
	hits := make([]Hit, 0, n)
	for _, idx := range order[:n] {
		f := top[idx].cand.Fact
		hits = append(hits, Hit{
			FactID:     f.ID,
			Content:    f.Content,
			Score:      scores[idx],
			SubjectID:  f.SubjectID,
			Predicate:  f.Predicate,
			ObjectID:   f.ObjectID,
			SourceType: f.Channel,
			Confidence: f.Confidence,
			ValidAt:    f.ValidAt,
			InvalidAt:  f.InvalidAt,
		})
	}
	return hits
}

// annotate attaches episode provenance, supersession pointers, and
// contradiction cross-references to the reranked hits.
func (s *Service) annotate(ctx context.Context, namespace string, hits []Hit, includeSuperseded bool) error {
	if len(hits) == 0 {
		return nil
	}

	ids := make([]string, len(hits))
	index := make(map[string]int, len(hits))
	for i, h := range hits {
		ids[i] = h.FactID
		index[h.FactID] = i
	}

	sources, err := s.store.SourcesForFacts(ctx, namespace, ids)
	if err != nil {
		return fmt.Errorf("fact provenance: %w", err)
	}
	for i := range hits {
		refs := sources[hits[i].FactID]
		if len(refs) == 0 {
			continue
		}
		// The oldest episode is the one that asserted the fact; later
		// ones only corroborate.
		hits[i].EpisodeID = refs[0].EpisodeID
		hits[i].SourceRef = refs[0].Source
	}

	links, err := s.store.LinksForFacts(ctx, namespace, ids)
	if err != nil {
		return fmt.Errorf("fact links: %w", err)
	}
	for _, l := range links {
		switch l.Kind {
		case common.LinkContradicts:
			from, fromOK := index[l.FromFactID]
			to, toOK := index[l.ToFactID]
			if fromOK && toOK {
				hits[from].Contradicts = append(hits[from].Contradicts, l.ToFactID)
				hits[to].Contradicts = append(hits[to].Contradicts, l.FromFactID)
			}
		case common.LinkSupersedes:
			if !includeSuperseded {
				continue
			}
			if to, ok := index[l.ToFactID]; ok {
				hits[to].SupersededBy = l.FromFactID
			}
		}
	}
	return nil
}

// matchedEntities unions the traversal seeds with the entities of the
// returned hits, seeds first, deduplicated in order.
func matchedEntities(seeds []string, hits []Hit) []string {
	seen := make(map[string]struct{}, len(seeds)+2*len(hits))
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range seeds {
		add(id)
	}
	for _, h := range hits {
		add(h.SubjectID)
		add(h.ObjectID)
	}
	return out
}

// degraded marks store trouble with the typed degraded-service
// sentinel. Caller cancellation passes through untouched.
func degraded(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
}
