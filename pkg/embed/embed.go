// Package embed provides the embedding gateway used by ingestion,
// entity resolution, and retrieval. All vector generation in the system
// goes through a Gateway so that batching, retries, provider fallback,
// and the circuit breaker live in one place.
package embed

import (
	"context"
	"math"
	"strings"
)

// Kind distinguishes document-side from query-side embeddings.
// Providers may route them to different models.
type Kind string

const (
	KindDocument Kind = "document"
	KindQuery    Kind = "query"
)

// Provider generates embeddings for a batch of texts. Implementations
// return vectors in input order and at the model's native width; the
// Gateway fits them to the configured store dimension. Empty or
// whitespace-only inputs produce zero vectors without a model call.
type Provider interface {
	Name() string
	Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error)
	Dimensions() int
	Available() bool
}

// Cosine returns the cosine similarity of two vectors, or 0 when the
// lengths differ or either vector is all zeros.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// splitEmptyInputs separates blank texts, which map to zero vectors,
// from texts that need a model call. idxMap[i] is the position in out
// for the i-th element of in.
func splitEmptyInputs(texts []string, dim int) (idxMap []int, in []string, out [][]float32) {
	idxMap = make([]int, 0, len(texts))
	in = make([]string, 0, len(texts))
	out = make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, dim)
			continue
		}
		idxMap = append(idxMap, i)
		in = append(in, t)
	}
	return idxMap, in, out
}

// fitDimensions truncates or zero-pads vec to dim.
func fitDimensions(vec []float32, dim int) []float32 {
	if len(vec) == dim {
		return vec
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out
}
