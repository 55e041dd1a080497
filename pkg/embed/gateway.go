package embed

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/internal/util"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

const (
	defaultBatchMax    = 128
	defaultMaxRetries  = 3
	defaultBackoffBase = 250 * time.Millisecond
	defaultTimeout     = 10 * time.Second
)

// Gateway fans embedding work out to providers in priority order. Each
// batch is retried with backoff against the current provider before
// falling back to the next one; a provider whose circuit breaker is
// open is skipped without an attempt.
type Gateway struct {
	providers []Provider
	breakers  map[string]*breaker
	limiter   *rate.Limiter

	dims        int
	batchMax    int
	timeout     time.Duration
	maxRetries  int
	backoffBase time.Duration
}

// NewGatewayParams configures a Gateway. Providers are tried in slice
// order, so the primary goes first. Dimensions is the width vectors are
// fitted to before they reach the store and must match the column width
// of the vector indexes.
type NewGatewayParams struct {
	Providers  []Provider
	Dimensions int

	BatchMax    int
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration

	RateLimit float64
	RateBurst int

	BreakerThreshold  int
	BreakerResetAfter time.Duration
}

func NewGateway(params NewGatewayParams) (*Gateway, error) {
	if len(params.Providers) == 0 {
		return nil, errs.ErrNoProviders
	}
	if params.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", params.Dimensions)
	}
	if params.BatchMax <= 0 {
		params.BatchMax = defaultBatchMax
	}
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}
	if params.MaxRetries <= 0 {
		params.MaxRetries = defaultMaxRetries
	}
	if params.BackoffBase <= 0 {
		params.BackoffBase = defaultBackoffBase
	}

	var limiter *rate.Limiter
	if params.RateLimit > 0 {
		burst := params.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(params.RateLimit), burst)
	}

	breakers := make(map[string]*breaker, len(params.Providers))
	for _, p := range params.Providers {
		breakers[p.Name()] = newBreaker(p.Name(), params.BreakerThreshold, params.BreakerResetAfter)
	}

	return &Gateway{
		providers: params.Providers,
		breakers:  breakers,
		limiter:   limiter,

		dims:        params.Dimensions,
		batchMax:    params.BatchMax,
		timeout:     params.Timeout,
		maxRetries:  params.MaxRetries,
		backoffBase: params.BackoffBase,
	}, nil
}

// Dimensions returns the store vector width the gateway fits to.
func (g *Gateway) Dimensions() int { return g.dims }

// EmbedDocuments embeds fact and entity texts for storage. Inputs are
// split into provider-sized batches; order is preserved.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return g.embed(ctx, texts, KindDocument)
}

// EmbedQuery embeds a single retrieval query.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.embed(ctx, []string{text}, KindQuery)
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(vecs))
	}
	return vecs[0], nil
}

// Rerank scores candidate vectors against an already-embedded query,
// highest-is-best. Candidates whose vectors are missing score 0 and
// keep their position.
func (g *Gateway) Rerank(query []float32, candidates [][]float32) []float64 {
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = Cosine(query, c)
	}
	return scores
}

// Probe embeds a short sentinel text against every available provider
// and verifies the native vector width matches the configured store
// dimension. Run once at startup so a misconfigured model fails the
// deploy instead of writing unsearchable vectors.
func (g *Gateway) Probe(ctx context.Context) error {
	probed := 0
	for _, p := range g.providers {
		if !p.Available() {
			continue
		}
		vecs, err := p.Embed(ctx, []string{"dimension probe"}, KindDocument)
		if err != nil {
			return &errs.EmbeddingUnavailableError{
				Operation: "probe",
				Providers: []string{p.Name()},
				Err:       err,
			}
		}
		if len(vecs) != 1 {
			return fmt.Errorf("probe returned %d vectors from %s, want 1", len(vecs), p.Name())
		}
		if len(vecs[0]) != g.dims {
			return &errs.DimensionMismatchError{
				Provider: p.Name(),
				Want:     g.dims,
				Got:      len(vecs[0]),
			}
		}
		probed++
	}
	if probed == 0 {
		return errs.ErrNoProviders
	}
	return nil
}

func (g *Gateway) embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += g.batchMax {
		end := min(start+g.batchMax, len(texts))
		vecs, err := g.embedBatch(ctx, texts[start:end], kind)
		if err != nil {
			return nil, err
		}
		copy(out[start:end], vecs)
	}
	return out, nil
}

func (g *Gateway) embedBatch(ctx context.Context, batch []string, kind Kind) ([][]float32, error) {
	primary := g.providers[0].Name()

	var (
		lastErr error
		tried   []string
	)

	for _, p := range g.providers {
		name := p.Name()
		if !p.Available() {
			continue
		}
		if !g.breakers[name].canAttempt() {
			logger.Debug("Skipping embedding provider, circuit breaker open", "provider", name)
			continue
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		tried = append(tried, name)

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		start := time.Now()
		vecs, err := util.RetryBackoffWithContext(attemptCtx, g.maxRetries, g.backoffBase,
			func(c context.Context) ([][]float32, error) {
				return p.Embed(c, batch, kind)
			})
		cancel()
		metrics.EmbeddingLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if err != nil {
			g.breakers[name].recordFailure()
			metrics.EmbeddingRequests.WithLabelValues(name, "error").Inc()
			lastErr = err
			logger.Warn("Embedding provider failed", "provider", name, "kind", kind, "err", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if len(vecs) != len(batch) {
			g.breakers[name].recordFailure()
			metrics.EmbeddingRequests.WithLabelValues(name, "error").Inc()
			lastErr = fmt.Errorf("provider %s returned %d vectors for %d inputs", name, len(vecs), len(batch))
			continue
		}

		g.breakers[name].recordSuccess()
		metrics.EmbeddingRequests.WithLabelValues(name, "ok").Inc()
		if name != primary {
			metrics.EmbeddingFallbacks.WithLabelValues(primary, name).Inc()
			logger.Info("Used fallback embedding provider", "from", primary, "to", name)
		}

		for i := range vecs {
			vecs[i] = fitDimensions(vecs[i], g.dims)
		}
		return vecs, nil
	}

	return nil, &errs.EmbeddingUnavailableError{
		Operation: "embed_" + string(kind),
		Providers: tried,
		Err:       lastErr,
	}
}
