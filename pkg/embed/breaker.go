package embed

import (
	"sync"
	"time"

	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

const (
	defaultBreakerThreshold  = 5
	defaultBreakerResetAfter = 30 * time.Second
)

// breaker opens after a run of consecutive failures and closes again
// once resetAfter has passed. It protects a struggling provider from
// being hammered while the fallback takes over.
type breaker struct {
	provider   string
	threshold  int
	resetAfter time.Duration

	mu                  sync.Mutex
	consecutiveFailures int
	openUntil           time.Time
}

func newBreaker(provider string, threshold int, resetAfter time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if resetAfter <= 0 {
		resetAfter = defaultBreakerResetAfter
	}
	return &breaker{
		provider:   provider,
		threshold:  threshold,
		resetAfter: resetAfter,
	}
}

func (b *breaker) canAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().After(b.openUntil)
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	metrics.EmbeddingBreakerState.WithLabelValues(b.provider).Set(0)
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetAfter)
		metrics.EmbeddingBreakerOpens.WithLabelValues(b.provider).Inc()
		metrics.EmbeddingBreakerState.WithLabelValues(b.provider).Set(1)
		logger.Warn("Embedding circuit breaker opened",
			"provider", b.provider,
			"failures", b.consecutiveFailures,
			"until", b.openUntil,
		)
	}
}
