package embed

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 8

// NewOpenAIProviderParams configures an OpenAI-compatible embedding
// endpoint. QueryModel is optional and falls back to Model, for
// endpoints that serve asymmetric embedding models.
type NewOpenAIProviderParams struct {
	Model      string
	QueryModel string

	BaseURL string
	APIKey  string

	Dimensions            int
	MaxConcurrentRequests int64
}

// OpenAIProvider implements Provider against the OpenAI embeddings API
// or any endpoint speaking the same protocol.
type OpenAIProvider struct {
	model      string
	queryModel string
	dims       int

	reqLock *semaphore.Weighted

	client *openai.Client
}

func NewOpenAIProvider(params NewOpenAIProviderParams) *OpenAIProvider {
	queryModel := params.QueryModel
	if queryModel == "" {
		queryModel = params.Model
	}
	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &OpenAIProvider{
		model:      params.Model,
		queryModel: queryModel,
		dims:       params.Dimensions,

		reqLock: semaphore.NewWeighted(maxConcurrent),

		client: newOpenaiClient(params.BaseURL, params.APIKey),
	}
}

func newOpenaiClient(baseURL, apiKey string) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(options...)
	return &client
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Dimensions() int { return p.dims }

func (p *OpenAIProvider) Available() bool { return p.client != nil }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	idxMap, in, out := splitEmptyInputs(texts, p.dims)
	if len(in) == 0 {
		return out, nil
	}

	model := p.model
	if kind == KindQuery {
		model = p.queryModel
	}

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: in},
		Model: model,
	}

	if err := p.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.reqLock.Release(1)

	response, err := p.client.Embeddings.New(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(response.Data) != len(in) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(in))
	}

	for _, embedding := range response.Data {
		dataIdx := int(embedding.Index)
		if dataIdx < 0 || dataIdx >= len(in) {
			return nil, fmt.Errorf("embedding index out of range: %d", embedding.Index)
		}
		vec := make([]float32, 0, len(embedding.Embedding))
		for _, v := range embedding.Embedding {
			vec = append(vec, float32(v))
		}
		out[idxMap[dataIdx]] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}
