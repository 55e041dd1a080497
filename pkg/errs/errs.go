// Package errs centralizes the error taxonomy of the knowledge graph store.
//
// Infrastructure failures are modelled as errors and retried per policy.
// Data-quality outcomes (resolution ambiguity, supersession conflicts) are
// deliberately NOT errors: they are recorded as decision rows and graph
// edges and flow through normal return values.
//
// Conventions:
//   - Err* sentinels for conditions callers match with errors.Is.
//   - *Error structs for conditions that carry context, matched with
//     errors.As.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable indicates the graph database is unreachable.
	// Ingestion fails the whole batch (retried at the queue level);
	// retrieval surfaces it as a degraded-service condition.
	ErrStoreUnavailable = errors.New("graph store unavailable")

	// ErrNamespaceRequired is returned by any store write or query that
	// was issued without a namespace.
	ErrNamespaceRequired = errors.New("namespace required")

	// ErrEntityNotFound is returned when an entity id does not exist in
	// the namespace, including after following tombstone redirects.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEpisodeNotFound is returned when an episode id is unknown.
	ErrEpisodeNotFound = errors.New("episode not found")

	// ErrFactNotFound is returned when a fact id is unknown.
	ErrFactNotFound = errors.New("fact not found")

	// ErrMergeConflict is returned when an entity merge is not legal:
	// identical ids, mismatched types, or a side that is already a
	// tombstone.
	ErrMergeConflict = errors.New("entities cannot be merged")

	// ErrNoProviders is returned when the embedding gateway is
	// constructed without a single usable provider.
	ErrNoProviders = errors.New("no embedding providers configured")
)

// TransientProviderError marks a provider failure worth retrying:
// timeouts, rate limits (429) and server-side errors (5xx).
type TransientProviderError struct {
	Provider string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient failure from provider %s: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable provider trouble.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

// EmbeddingUnavailableError is surfaced after retries and fallback are
// exhausted. It wraps the last provider error so operators can see the
// root cause.
type EmbeddingUnavailableError struct {
	Operation string // "embed" or "rerank"
	Providers []string
	Err       error
}

func (e *EmbeddingUnavailableError) Error() string {
	return fmt.Sprintf("embedding unavailable: %s failed on all providers %v: %v",
		e.Operation, e.Providers, e.Err)
}

func (e *EmbeddingUnavailableError) Unwrap() error { return e.Err }

// ExtractionError marks malformed LLM extraction output. The pipeline
// retries once with a stricter prompt, then quarantines the episode.
type ExtractionError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// DimensionMismatchError is a fatal configuration error raised at
// startup when a provider returns vectors of a different dimension than
// the deployment is configured for. It is never raised at call time.
type DimensionMismatchError struct {
	Provider string
	Want     int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("provider %s returns %d-dimensional vectors, deployment configured for %d",
		e.Provider, e.Got, e.Want)
}
