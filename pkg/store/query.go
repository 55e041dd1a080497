package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

const factColumnsF = `f.id, f.namespace, f.subject_id, f.predicate, COALESCE(f.object_id, ''), COALESCE(f.object_text, ''), f.content, f.confidence, f.channel, f.valid_at, f.invalid_at, f.embedding, f.created_at`

// Visibility params are shared across the candidate queries:
// $3 toggles superseded facts back in, $4 pins truth to a past instant.
const vectorCandidatesSQL = `
SELECT ` + factColumns + `, 1 - (embedding <=> $2) AS score
FROM facts
WHERE namespace = $1 AND embedding IS NOT NULL
  AND ($4::timestamptz IS NULL OR valid_at <= $4)
  AND ($3 OR invalid_at IS NULL OR ($4::timestamptz IS NOT NULL AND invalid_at > $4))
ORDER BY embedding <=> $2
LIMIT $5
`

const lexicalCandidatesSQL = `
SELECT ` + factColumns + `, ts_rank_cd(search, query) AS score
FROM facts, websearch_to_tsquery('english', $2) query
WHERE namespace = $1 AND search @@ query
  AND ($4::timestamptz IS NULL OR valid_at <= $4)
  AND ($3 OR invalid_at IS NULL OR ($4::timestamptz IS NOT NULL AND invalid_at > $4))
ORDER BY score DESC, created_at DESC, id
LIMIT $5
`

const graphCandidatesSQL = `
WITH RECURSIVE hop (entity_id, depth) AS (
	SELECT unnest($2::text[]), 0
	UNION
	SELECT CASE WHEN f.subject_id = h.entity_id THEN f.object_id ELSE f.subject_id END, h.depth + 1
	FROM facts f
	JOIN hop h ON f.subject_id = h.entity_id OR f.object_id = h.entity_id
	WHERE h.depth < $3 AND f.namespace = $1 AND f.object_id IS NOT NULL
	  AND ($5::timestamptz IS NULL OR f.valid_at <= $5)
	  AND ($4 OR f.invalid_at IS NULL OR ($5::timestamptz IS NOT NULL AND f.invalid_at > $5))
)
SELECT ` + factColumnsF + `, MIN(h.depth) AS depth
FROM facts f
JOIN hop h ON f.subject_id = h.entity_id OR f.object_id = h.entity_id
WHERE f.namespace = $1
  AND ($5::timestamptz IS NULL OR f.valid_at <= $5)
  AND ($4 OR f.invalid_at IS NULL OR ($5::timestamptz IS NOT NULL AND f.invalid_at > $5))
GROUP BY f.id
ORDER BY depth, f.valid_at DESC, f.created_at DESC, f.id
LIMIT $6
`

const seedEntitiesSQL = `
SELECT id, sim FROM (
	SELECT DISTINCT ON (e.id) e.id, word_similarity(a.normalized_alias, $2) AS sim
	FROM entity_aliases a
	JOIN entities e ON e.id = a.entity_id
	WHERE a.namespace = $1 AND e.merged_into IS NULL
	  AND a.normalized_alias <% $2
	ORDER BY e.id, sim DESC
) s
ORDER BY s.sim DESC, s.id
LIMIT $3
`

// QueryParams shape one hybrid candidate search.
type QueryParams struct {
	Namespace string
	// Text is the raw query, fed to full text search.
	Text string
	// Embedding is the query vector, fed to similarity search.
	Embedding []float32
	// SeedEntityIDs anchor graph traversal. Empty skips the channel.
	SeedEntityIDs []string
	// Limit caps each channel's candidate list.
	Limit int
	// TraversalDepth is the maximum hop count from a seed entity.
	TraversalDepth int
	// IncludeSuperseded widens visibility to invalidated facts.
	IncludeSuperseded bool
	// AsOf pins visibility to the truth as of a past instant.
	AsOf *time.Time
}

// Candidate is one fact discovered by at least one search channel,
// with its 1-based rank per channel (0 means the channel missed it).
type Candidate struct {
	Fact         common.Fact
	VectorRank   int
	LexicalRank  int
	GraphRank    int
	VectorScore  float64
	LexicalScore float64
	GraphDepth   int
}

type scoredFact struct {
	fact  common.Fact
	score float64
	depth int
}

// SeedEntities finds live entities whose aliases appear approximately
// in the query text, for anchoring graph traversal.
func (s *Store) SeedEntities(ctx context.Context, namespace, queryText string, limit int) ([]string, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 8
	}

	rows, err := s.db.Query(ctx, seedEntitiesSQL, namespace, queryText, limit)
	if err != nil {
		return nil, fmt.Errorf("seed entities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var (
			id  string
			sim float64
		)
		if err := rows.Scan(&id, &sim); err != nil {
			return nil, fmt.Errorf("scan seed entity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// QueryCandidates runs the vector, lexical, and graph searches in
// parallel and merges their hits by fact id, keeping each channel's
// rank for downstream fusion. Results are ordered by fact id; ranking
// is the caller's job.
func (s *Store) QueryCandidates(ctx context.Context, params QueryParams) ([]Candidate, error) {
	if err := requireNamespace(params.Namespace); err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}

	var (
		vector  []scoredFact
		lexical []scoredFact
		graph   []scoredFact
	)

	g, gctx := errgroup.WithContext(ctx)
	if len(params.Embedding) > 0 {
		g.Go(func() error {
			var err error
			vector, err = s.vectorCandidates(gctx, params)
			return err
		})
	}
	if params.Text != "" {
		g.Go(func() error {
			var err error
			lexical, err = s.lexicalCandidates(gctx, params)
			return err
		})
	}
	if len(params.SeedEntityIDs) > 0 && params.TraversalDepth > 0 {
		g.Go(func() error {
			var err error
			graph, err = s.graphCandidates(gctx, params)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeCandidates(vector, lexical, graph)
	logger.Debug("[Store][QueryCandidates] Hybrid search finished",
		"namespace", params.Namespace,
		"vector", len(vector), "lexical", len(lexical), "graph", len(graph),
		"merged", len(merged))
	return merged, nil
}

func (s *Store) vectorCandidates(ctx context.Context, params QueryParams) ([]scoredFact, error) {
	rows, err := s.db.Query(ctx, vectorCandidatesSQL,
		params.Namespace, pgvector.NewVector(params.Embedding),
		params.IncludeSuperseded, params.AsOf, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("vector candidates: %w", err)
	}
	defer rows.Close()
	return collectScoredFacts(rows, false)
}

func (s *Store) lexicalCandidates(ctx context.Context, params QueryParams) ([]scoredFact, error) {
	rows, err := s.db.Query(ctx, lexicalCandidatesSQL,
		params.Namespace, params.Text,
		params.IncludeSuperseded, params.AsOf, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("lexical candidates: %w", err)
	}
	defer rows.Close()
	return collectScoredFacts(rows, false)
}

func (s *Store) graphCandidates(ctx context.Context, params QueryParams) ([]scoredFact, error) {
	rows, err := s.db.Query(ctx, graphCandidatesSQL,
		params.Namespace, params.SeedEntityIDs, params.TraversalDepth,
		params.IncludeSuperseded, params.AsOf, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("graph candidates: %w", err)
	}
	defer rows.Close()
	return collectScoredFacts(rows, true)
}

func collectScoredFacts(rows pgx.Rows, depthColumn bool) ([]scoredFact, error) {
	var out []scoredFact
	for rows.Next() {
		var (
			sf  scoredFact
			emb *pgvector.Vector
		)
		f := &sf.fact
		dest := []any{&f.ID, &f.Namespace, &f.SubjectID, &f.Predicate, &f.ObjectID, &f.ObjectText,
			&f.Content, &f.Confidence, &f.Channel, &f.ValidAt, &f.InvalidAt, &emb, &f.CreatedAt}
		if depthColumn {
			dest = append(dest, &sf.depth)
		} else {
			dest = append(dest, &sf.score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan candidate fact: %w", err)
		}
		if emb != nil {
			f.Embedding = emb.Slice()
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

// mergeCandidates folds the per-channel hit lists into one candidate
// set keyed by fact id. Input order defines each channel's ranking.
func mergeCandidates(vector, lexical, graph []scoredFact) []Candidate {
	byID := make(map[string]*Candidate)
	keep := func(sf scoredFact) *Candidate {
		c, ok := byID[sf.fact.ID]
		if !ok {
			c = &Candidate{Fact: sf.fact}
			byID[sf.fact.ID] = c
		}
		return c
	}

	for i, sf := range vector {
		c := keep(sf)
		c.VectorRank = i + 1
		c.VectorScore = sf.score
	}
	for i, sf := range lexical {
		c := keep(sf)
		c.LexicalRank = i + 1
		c.LexicalScore = sf.score
	}
	for i, sf := range graph {
		c := keep(sf)
		c.GraphRank = i + 1
		c.GraphDepth = sf.depth
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fact.ID < out[j].Fact.ID })
	return out
}
