package embed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

const defaultOllamaURL = "http://localhost:11434"

// NewOllamaProviderParams configures a locally-hosted Ollama embedding
// model, typically used as the fallback when the hosted endpoint is
// down or rate limited.
type NewOllamaProviderParams struct {
	Model string

	BaseURL string
	APIKey  string

	Dimensions            int
	MaxConcurrentRequests int64
}

// OllamaProvider implements Provider against an Ollama server.
type OllamaProvider struct {
	model string
	dims  int

	reqLock *semaphore.Weighted

	client *api.Client
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

func NewOllamaProvider(params NewOllamaProviderParams) (*OllamaProvider, error) {
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.APIKey,
			},
			rt: http.DefaultTransport,
		},
	}

	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &OllamaProvider{
		model: params.Model,
		dims:  params.Dimensions,

		reqLock: semaphore.NewWeighted(maxConcurrent),

		client: api.NewClient(u, httpClient),
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Dimensions() int { return p.dims }

func (p *OllamaProvider) Available() bool { return p.client != nil }

func (p *OllamaProvider) Embed(ctx context.Context, texts []string, _ Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	idxMap, in, out := splitEmptyInputs(texts, p.dims)
	if len(in) == 0 {
		return out, nil
	}

	req := &api.EmbedRequest{
		Model: p.model,
		Input: in,
	}

	if err := p.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.reqLock.Release(1)

	res, err := p.client.Embed(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) != len(in) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(in))
	}

	for i, emb := range res.Embeddings {
		vec := make([]float32, 0, len(emb))
		for _, v := range emb {
			vec = append(vec, float32(v))
		}
		out[idxMap[i]] = vec
	}
	return out, nil
}
