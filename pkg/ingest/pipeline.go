// Package ingest turns raw evidence into graph writes.
//
// One episode flows through: deterministic id, episode insert,
// token-capped unit splitting, concurrent model extraction, one
// embedding batch, entity resolution, and temporal reconciliation of
// every fact. Failures split three ways: transient trouble aborts the
// episode with an error so the queue redelivers it; rejected model
// output quarantines the episode as failed with the raw payload
// archived; a single bad fact only degrades the episode to partial.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/pkg/ai"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
	"github.com/hoferino/manda-platform-sub010/pkg/resolver"
	"github.com/hoferino/manda-platform-sub010/pkg/supersede"
)

const (
	defaultTokenEncoder   = "o200k_base"
	defaultUnitMaxTokens  = 1200
	defaultParallelAI     = 8
	defaultExtractRetries = 3
	defaultEpisodeTimeout = 60 * time.Second
)

// Store is the slice of the graph store the pipeline drives directly.
// Fact and entity writes go through the resolver and the reconciler.
type Store interface {
	InsertEpisode(ctx context.Context, ep common.Episode) (bool, error)
	GetEpisode(ctx context.Context, namespace, id string) (common.Episode, error)
	UpdateEpisodeStatus(ctx context.Context, namespace, id string, status common.EpisodeStatus, reason string) error
}

// Resolver canonicalizes extracted mentions.
type Resolver interface {
	Resolve(ctx context.Context, namespace string, m resolver.Mention) (resolver.Resolution, error)
}

// Reconciler runs one fact through temporal supersession.
type Reconciler interface {
	Reconcile(ctx context.Context, f common.Fact, episodeID string) (supersede.Outcome, error)
}

// Embedder is the document-mode slice of the embedding gateway.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Archiver stores raw payloads of quarantined episodes for review.
type Archiver interface {
	ArchivePayload(ctx context.Context, namespace, episodeID string, payload []byte) (string, error)
}

// Params tune the pipeline.
type Params struct {
	// EntityTypes is the extraction whitelist. Defaults to
	// common.DefaultEntityTypes.
	EntityTypes []string
	// TokenEncoder is the tiktoken encoding used to cap unit sizes.
	TokenEncoder string
	// UnitMaxTokens caps the token count of one extraction unit.
	UnitMaxTokens int
	// ParallelAI bounds concurrent extraction calls per episode.
	ParallelAI int
	// ExtractRetries bounds plain retries of a transient extraction
	// failure before the episode is redelivered.
	ExtractRetries int
	// EpisodeTimeout bounds one episode end to end.
	EpisodeTimeout time.Duration
}

// Pipeline ingests episodes. Safe for concurrent use; the worker runs
// one shared instance across its consumer pool.
type Pipeline struct {
	store    Store
	resolver Resolver
	engine   Reconciler
	gateway  Embedder
	client   ai.Client
	archive  Archiver

	entityTypes    []string
	tokenEncoder   string
	unitMaxTokens  int
	parallelAI     int
	extractRetries int
	episodeTimeout time.Duration

	split func(text string, maxTokens int) ([]unit, error)
}

// NewPipelineParams defines the collaborators and tuning of a Pipeline.
type NewPipelineParams struct {
	Store    Store
	Resolver Resolver
	Engine   Reconciler
	Gateway  Embedder
	Client   ai.Client
	// Archive receives raw payloads of quarantined episodes. Optional;
	// without it rejected payloads are only logged.
	Archive Archiver
	Params  Params
}

func NewPipeline(params NewPipelineParams) *Pipeline {
	p := &Pipeline{
		store:          params.Store,
		resolver:       params.Resolver,
		engine:         params.Engine,
		gateway:        params.Gateway,
		client:         params.Client,
		archive:        params.Archive,
		entityTypes:    params.Params.EntityTypes,
		tokenEncoder:   params.Params.TokenEncoder,
		unitMaxTokens:  params.Params.UnitMaxTokens,
		parallelAI:     params.Params.ParallelAI,
		extractRetries: params.Params.ExtractRetries,
		episodeTimeout: params.Params.EpisodeTimeout,
	}
	if len(p.entityTypes) == 0 {
		p.entityTypes = common.DefaultEntityTypes
	}
	if p.tokenEncoder == "" {
		p.tokenEncoder = defaultTokenEncoder
	}
	if p.unitMaxTokens <= 0 {
		p.unitMaxTokens = defaultUnitMaxTokens
	}
	if p.parallelAI <= 0 {
		p.parallelAI = defaultParallelAI
	}
	if p.extractRetries <= 0 {
		p.extractRetries = defaultExtractRetries
	}
	if p.episodeTimeout <= 0 {
		p.episodeTimeout = defaultEpisodeTimeout
	}
	p.split = func(text string, maxTokens int) ([]unit, error) {
		return splitUnits(text, p.tokenEncoder, maxTokens)
	}
	return p
}

// EpisodeInput is one unit of evidence to ingest.
type EpisodeInput struct {
	Namespace     string
	Channel       common.Channel
	Source        common.SourceRef
	Content       string
	ReferenceTime time.Time
}

// Run ingests one episode and reports what it produced.
//
// Returned errors are transient: the caller may redeliver the input and
// the deterministic episode id makes the replay idempotent. Permanent
// failures are not errors; they quarantine the episode and come back as
// Status failed. The outcome's EpisodeID is set even on error so the
// caller can mark the episode failed once redelivery gives up.
func (p *Pipeline) Run(ctx context.Context, in EpisodeInput) (common.IngestOutcome, error) {
	var out common.IngestOutcome

	if in.Namespace == "" {
		return out, errs.ErrNamespaceRequired
	}
	if !in.Channel.Valid() {
		return out, fmt.Errorf("unknown channel %q", in.Channel)
	}
	if strings.TrimSpace(in.Content) == "" {
		return out, fmt.Errorf("empty evidence content")
	}

	ref := in.ReferenceTime
	if ref.IsZero() {
		ref = time.Now()
	}

	ep := common.Episode{
		ID:             common.EpisodeID(in.Namespace, in.Channel, in.Source, in.Content),
		Namespace:      in.Namespace,
		Channel:        in.Channel,
		Content:        in.Content,
		Source:         in.Source,
		ReferenceTime:  ref.UTC(),
		BaseConfidence: in.Channel.BaseConfidence(),
		Status:         common.EpisodeProcessing,
	}
	out.EpisodeID = ep.ID
	out.Namespace = ep.Namespace

	start := time.Now()

	inserted, err := p.store.InsertEpisode(ctx, ep)
	if err != nil {
		return out, err
	}
	if !inserted {
		existing, err := p.store.GetEpisode(ctx, ep.Namespace, ep.ID)
		if err != nil {
			return out, err
		}
		if existing.Status == common.EpisodeCompleted {
			logger.Info("episode already ingested, skipping",
				"episodeId", ep.ID, "namespace", ep.Namespace)
			metrics.EpisodesIngested.WithLabelValues(string(ep.Channel), "replayed").Inc()
			out.Status = common.EpisodeCompleted
			return out, nil
		}
		// An earlier attempt did not finish. Deterministic ids make
		// every write below an upsert, so reprocessing is safe.
		if err := p.store.UpdateEpisodeStatus(ctx, ep.Namespace, ep.ID, common.EpisodeProcessing, ""); err != nil {
			return out, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.episodeTimeout)
	defer cancel()

	units, err := p.split(ep.Content, p.unitMaxTokens)
	if err != nil {
		return out, fmt.Errorf("splitting episode %s into units: %w", ep.ID, err)
	}
	if len(units) == 0 {
		return p.finish(ctx, ep, out, start)
	}

	m, err := p.extractAll(ctx, ep, units)
	if err != nil {
		var xerr *errs.ExtractionError
		if errors.As(err, &xerr) {
			return p.quarantine(ep, out, start, xerr)
		}
		return out, err
	}

	texts := make([]string, 0, len(m.order)+len(m.facts))
	for _, key := range m.order {
		texts = append(texts, m.mentions[key].Name)
	}
	for _, f := range m.facts {
		texts = append(texts, f.Content)
	}

	vectors, err := p.gateway.EmbedDocuments(ctx, texts)
	if err != nil {
		return out, fmt.Errorf("embedding episode %s: %w", ep.ID, err)
	}
	mentionVecs := vectors[:len(m.order)]
	factVecs := vectors[len(m.order):]

	resolved := make(map[string]string, len(m.order))
	for i, key := range m.order {
		mention := m.mentions[key]
		res, err := p.resolver.Resolve(ctx, ep.Namespace, resolver.Mention{
			Name:      mention.Name,
			Type:      mention.Type,
			Embedding: mentionVecs[i],
		})
		if err != nil {
			logger.Warn("mention resolution failed",
				"episodeId", ep.ID, "mention", mention.Name, "error", err)
			continue
		}
		resolved[key] = res.EntityID
	}

	entities := make(map[string]bool, len(resolved))
	for _, id := range resolved {
		entities[id] = true
	}
	out.EntityCount = len(entities)

	for i, draft := range m.facts {
		f, ok := p.buildFact(ep, draft, resolved, factVecs[i])
		if !ok {
			out.FailedFacts++
			metrics.FactOutcomes.WithLabelValues("failed").Inc()
			continue
		}

		oc, err := p.engine.Reconcile(ctx, f, ep.ID)
		if err != nil {
			logger.Warn("fact reconciliation failed",
				"episodeId", ep.ID, "factId", f.ID, "error", err)
			out.FailedFacts++
			metrics.FactOutcomes.WithLabelValues("failed").Inc()
			continue
		}
		tally(&out, oc)
	}

	// Nothing committed and nothing to show for it: let the queue
	// redeliver instead of recording a fully failed partial.
	if len(m.facts) > 0 && out.FailedFacts == len(m.facts) {
		return out, fmt.Errorf("all %d facts of episode %s failed", len(m.facts), ep.ID)
	}

	return p.finish(ctx, ep, out, start)
}

// buildFact maps one validated draft onto a store fact. Returns false
// when an endpoint of the fact never resolved.
func (p *Pipeline) buildFact(ep common.Episode, draft factDraft, resolved map[string]string, embedding []float32) (common.Fact, bool) {
	subjectID, ok := resolved[mentionKey(draft.SubjectType, draft.Subject)]
	if !ok {
		return common.Fact{}, false
	}

	f := common.Fact{
		Namespace:  ep.Namespace,
		SubjectID:  subjectID,
		Predicate:  draft.Predicate,
		Content:    draft.Content,
		Confidence: ep.BaseConfidence,
		Channel:    ep.Channel,
		ValidAt:    factValidAt(draft, ep.ReferenceTime),
		Embedding:  embedding,
	}

	object := draft.ObjectValue
	if draft.ObjectEntity != "" {
		objectID, ok := resolved[mentionKey(draft.ObjectEntityType, draft.ObjectEntity)]
		if !ok {
			return common.Fact{}, false
		}
		f.ObjectID = objectID
		object = objectID
	} else {
		f.ObjectText = draft.ObjectValue
	}
	f.ID = common.FactID(ep.ID, subjectID, draft.Predicate, object)
	return f, true
}

// extractAll runs extraction over every unit concurrently and merges
// the results.
func (p *Pipeline) extractAll(ctx context.Context, ep common.Episode, units []unit) (*merged, error) {
	m := newMerged()
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelAI)
	for _, u := range units {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			res, err := p.extractUnit(gCtx, ep, u)
			if err != nil {
				return fmt.Errorf("unit %d: %w", u.index, err)
			}
			mu.Lock()
			m.add(res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// tally folds one reconciliation outcome into the episode totals. The
// engine already counts outcomes in the fact metrics; only the terminal
// failure paths of Run increment those here.
func tally(out *common.IngestOutcome, oc supersede.Outcome) {
	if oc.Replayed {
		return
	}
	if oc.SupportedID != "" {
		out.SupportCount++
		return
	}
	if oc.Inserted {
		out.FactCount++
	}
	out.SupersededCount += len(oc.Superseded)
	out.ContradictionCount += len(oc.Contradicted)
}

// finish records the terminal status of a processed episode.
func (p *Pipeline) finish(ctx context.Context, ep common.Episode, out common.IngestOutcome, start time.Time) (common.IngestOutcome, error) {
	status := common.EpisodeCompleted
	reason := ""
	if out.FailedFacts > 0 {
		status = common.EpisodePartial
		reason = fmt.Sprintf("%d facts failed", out.FailedFacts)
	}

	if err := p.store.UpdateEpisodeStatus(ctx, ep.Namespace, ep.ID, status, reason); err != nil {
		return out, err
	}
	out.Status = status

	metrics.EpisodesIngested.WithLabelValues(string(ep.Channel), string(status)).Inc()
	metrics.EpisodeDuration.WithLabelValues(string(ep.Channel)).Observe(time.Since(start).Seconds())
	logger.Info("episode ingested",
		"episodeId", ep.ID,
		"namespace", ep.Namespace,
		"status", string(status),
		"entities", out.EntityCount,
		"facts", out.FactCount,
		"superseded", out.SupersededCount,
		"durationMs", time.Since(start).Milliseconds())
	return out, nil
}

type quarantineEnvelope struct {
	Namespace  string    `json:"namespace"`
	EpisodeID  string    `json:"episode_id"`
	Reason     string    `json:"reason"`
	RawPayload string    `json:"raw_payload"`
	ArchivedAt time.Time `json:"archived_at"`
}

// quarantine marks the episode failed and archives the rejected payload
// for operator review. Quarantine is terminal for the delivery, so it
// reports success to the queue.
func (p *Pipeline) quarantine(ep common.Episode, out common.IngestOutcome, start time.Time, xerr *errs.ExtractionError) (common.IngestOutcome, error) {
	// The episode context may already be dead; the quarantine writes
	// get a fresh one so they are not lost to the timeout that caused
	// the failure.
	mCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if p.archive != nil {
		envelope, _ := json.Marshal(quarantineEnvelope{
			Namespace:  ep.Namespace,
			EpisodeID:  ep.ID,
			Reason:     xerr.Reason,
			RawPayload: xerr.Raw,
			ArchivedAt: time.Now().UTC(),
		})
		key, err := p.archive.ArchivePayload(mCtx, ep.Namespace, ep.ID, envelope)
		if err != nil {
			logger.Error("archiving quarantined payload failed", "episodeId", ep.ID, "error", err)
		} else {
			logger.Info("quarantined payload archived", "episodeId", ep.ID, "key", key)
		}
	} else {
		logger.Warn("rejected extraction payload",
			"episodeId", ep.ID, "reason", xerr.Reason, "raw", xerr.Raw)
	}

	if err := p.store.UpdateEpisodeStatus(mCtx, ep.Namespace, ep.ID, common.EpisodeFailed, xerr.Reason); err != nil {
		return out, err
	}
	out.Status = common.EpisodeFailed

	metrics.EpisodesIngested.WithLabelValues(string(ep.Channel), string(common.EpisodeFailed)).Inc()
	metrics.EpisodeDuration.WithLabelValues(string(ep.Channel)).Observe(time.Since(start).Seconds())
	logger.Warn("episode quarantined",
		"episodeId", ep.ID, "namespace", ep.Namespace, "reason", xerr.Reason)
	return out, nil
}

// MarkFailed records a terminal failure for an episode. The consumer
// calls it when redelivery attempts are exhausted and the message moves
// to the dead letter queue.
func (p *Pipeline) MarkFailed(ctx context.Context, namespace, episodeID, reason string) error {
	return p.store.UpdateEpisodeStatus(ctx, namespace, episodeID, common.EpisodeFailed, reason)
}
