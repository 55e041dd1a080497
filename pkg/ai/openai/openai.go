// Package openai implements the extraction model boundary against an
// OpenAI-compatible chat completions endpoint.
package openai

import (
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/hoferino/manda-platform-sub010/pkg/ai"
)

// ExtractionClient is an ai.Client backed by OpenAI chat completions
// with JSON schema response formats.
//
// An ExtractionClient should be created using NewExtractionClient.
type ExtractionClient struct {
	extractionModel string

	chatURL string
	chatKey string

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient *openai.Client
}

// NewExtractionClientParams defines the configuration for creating a
// new ExtractionClient. ChatURL may point at any endpoint speaking the
// OpenAI protocol; an empty URL uses the hosted API.
type NewExtractionClientParams struct {
	ExtractionModel string

	ChatURL string
	ChatKey string
}

func NewExtractionClient(params NewExtractionClientParams) *ExtractionClient {
	return &ExtractionClient{
		extractionModel: params.ExtractionModel,

		chatURL: params.ChatURL,
		chatKey: params.ChatKey,

		metricsLock: sync.Mutex{},
		metrics: ai.ModelMetrics{
			InputTokens:  0,
			OutputTokens: 0,
			TotalTokens:  0,
			DurationMs:   0,
		},

		ChatClient: newOpenaiClient(params.ChatURL, params.ChatKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
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

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (c *ExtractionClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{
		InputTokens:  0,
		OutputTokens: 0,
		TotalTokens:  0,
		DurationMs:   0,
	}
	c.metricsLock.Unlock()
}

// GetMetrics returns the accumulated token usage and timing metrics since the last reset.
func (c *ExtractionClient) GetMetrics() ai.ModelMetrics {
	return c.metrics
}

func (c *ExtractionClient) modifyMetrics(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += m.InputTokens
	c.metrics.OutputTokens += m.OutputTokens
	c.metrics.TotalTokens += m.TotalTokens
	c.metrics.DurationMs += m.DurationMs
}
