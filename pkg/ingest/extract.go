package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hoferino/manda-platform-sub010/pkg/ai"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

const (
	extractName        = "extract_temporal_facts"
	extractDescription = "Entity mentions and temporal facts found in one unit of diligence evidence."
)

func extractionPrompt(entityTypes []string, ep common.Episode, text string) string {
	return fmt.Sprintf(ai.ExtractFactsPrompt,
		strings.Join(entityTypes, ", "),
		ai.ChannelGuidance(string(ep.Channel)),
		ep.ReferenceTime.UTC().Format(time.RFC3339),
		text,
	)
}

// extractUnit runs the model over one unit. Transient call failures are
// retried in place; a payload that fails validation is retried once
// with the validation errors appended to the prompt, after which the
// episode is handed over to quarantine as an ExtractionError.
func (p *Pipeline) extractUnit(ctx context.Context, ep common.Episode, u unit) (extraction, error) {
	prompt := extractionPrompt(p.entityTypes, ep, u.text)

	res, err := p.attempt(ctx, prompt)
	if err == nil {
		problems := checkExtraction(res, p.entityTypes)
		if len(problems) == 0 {
			return res, nil
		}
		err = rejected(res, problems)
	}

	var xerr *errs.ExtractionError
	if !errors.As(err, &xerr) {
		return extraction{}, err
	}

	logger.Warn("extraction output rejected, retrying with stricter prompt",
		"episodeId", ep.ID, "unit", u.index, "reason", xerr.Reason)

	res, err = p.attempt(ctx, prompt+fmt.Sprintf(ai.ExtractRetryAppendix, xerr.Reason))
	if err != nil {
		return extraction{}, err
	}
	if problems := checkExtraction(res, p.entityTypes); len(problems) > 0 {
		return extraction{}, rejected(res, problems)
	}
	return res, nil
}

// attempt is one extraction call with plain retries for transient
// failures. Malformed output comes back immediately; repeating an
// identical prompt does not fix schema violations.
func (p *Pipeline) attempt(ctx context.Context, prompt string) (extraction, error) {
	var lastErr error
	for try := 0; try < p.extractRetries; try++ {
		var res extraction
		err := p.client.GenerateCompletionWithFormat(ctx, extractName, extractDescription, prompt, &res,
			ai.WithSystemPrompts(ai.ExtractSystemPrompt))
		if err == nil {
			return res, nil
		}
		var xerr *errs.ExtractionError
		if errors.As(err, &xerr) {
			return extraction{}, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return extraction{}, lastErr
}

func rejected(res extraction, problems []string) error {
	raw, _ := json.Marshal(res)
	return &errs.ExtractionError{
		Reason: strings.Join(problems, "; "),
		Raw:    string(raw),
	}
}
