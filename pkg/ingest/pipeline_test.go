package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hoferino/manda-platform-sub010/pkg/ai"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/resolver"
	"github.com/hoferino/manda-platform-sub010/pkg/supersede"
)

type fakeStore struct {
	mu       sync.Mutex
	episodes map[string]common.Episode
}

func newFakeStore() *fakeStore {
	return &fakeStore{episodes: map[string]common.Episode{}}
}

func (s *fakeStore) InsertEpisode(ctx context.Context, ep common.Episode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.episodes[ep.ID]; ok {
		return false, nil
	}
	s.episodes[ep.ID] = ep
	return true, nil
}

func (s *fakeStore) GetEpisode(ctx context.Context, namespace, id string) (common.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return common.Episode{}, errs.ErrEpisodeNotFound
	}
	return ep, nil
}

func (s *fakeStore) UpdateEpisodeStatus(ctx context.Context, namespace, id string, status common.EpisodeStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return errs.ErrEpisodeNotFound
	}
	ep.Status = status
	ep.FailureReason = reason
	s.episodes[id] = ep
	return nil
}

func (s *fakeStore) statusOf(id string) common.EpisodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodes[id].Status
}

type fakeResolver struct {
	failOn map[string]error
	calls  []string
}

func (r *fakeResolver) Resolve(ctx context.Context, namespace string, m resolver.Mention) (resolver.Resolution, error) {
	r.calls = append(r.calls, m.Name)
	if err, ok := r.failOn[m.Name]; ok {
		return resolver.Resolution{}, err
	}
	return resolver.Resolution{EntityID: "ent-" + common.NormalizeKey(m.Type, m.Name)}, nil
}

type fakeEngine struct {
	facts     []common.Fact
	outcomeFn func(f common.Fact) supersede.Outcome
}

func (e *fakeEngine) Reconcile(ctx context.Context, f common.Fact, episodeID string) (supersede.Outcome, error) {
	e.facts = append(e.facts, f)
	if e.outcomeFn != nil {
		return e.outcomeFn(f), nil
	}
	return supersede.Outcome{Fact: f, Inserted: true}, nil
}

type fakeEmbedder struct {
	err   error
	texts [][]string
}

func (g *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	g.texts = append(g.texts, texts)
	if g.err != nil {
		return nil, g.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// fakeClient replays a scripted sequence of extraction responses.
// Entries are either an extraction or an error.
type fakeClient struct {
	mu        sync.Mutex
	responses []any
	prompts   []string
}

func (c *fakeClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", fmt.Errorf("not used")
}

func (c *fakeClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if len(c.responses) == 0 {
		return fmt.Errorf("unexpected extraction call %d", len(c.prompts))
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	if err, ok := next.(error); ok {
		return err
	}
	*out.(*extraction) = next.(extraction)
	return nil
}

func (c *fakeClient) ResetMetrics()               {}
func (c *fakeClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

type fakeArchive struct {
	keys     []string
	payloads [][]byte
}

func (a *fakeArchive) ArchivePayload(ctx context.Context, namespace, episodeID string, payload []byte) (string, error) {
	key := fmt.Sprintf("quarantine/%s/%s.json", namespace, episodeID)
	a.keys = append(a.keys, key)
	a.payloads = append(a.payloads, payload)
	return key, nil
}

type testRig struct {
	pipeline *Pipeline
	store    *fakeStore
	resolver *fakeResolver
	engine   *fakeEngine
	embedder *fakeEmbedder
	client   *fakeClient
	archive  *fakeArchive
}

func newTestRig(responses ...any) *testRig {
	rig := &testRig{
		store:    newFakeStore(),
		resolver: &fakeResolver{failOn: map[string]error{}},
		engine:   &fakeEngine{},
		embedder: &fakeEmbedder{},
		client:   &fakeClient{responses: responses},
		archive:  &fakeArchive{},
	}
	rig.pipeline = NewPipeline(NewPipelineParams{
		Store:    rig.store,
		Resolver: rig.resolver,
		Engine:   rig.engine,
		Gateway:  rig.embedder,
		Client:   rig.client,
		Archive:  rig.archive,
	})
	// Token counting needs remote BPE files; tests pack everything
	// into one unit instead.
	rig.pipeline.split = func(text string, maxTokens int) ([]unit, error) {
		return []unit{{index: 0, start: 0, end: 1, text: text}}, nil
	}
	return rig
}

func docInput(content string) EpisodeInput {
	return EpisodeInput{
		Namespace:     "deal-7",
		Channel:       common.ChannelDocument,
		Source:        common.SourceRef{DocumentID: "doc-1", ChunkIndex: 3},
		Content:       content,
		ReferenceTime: time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC),
	}
}

func goodExtraction() extraction {
	return extraction{
		Mentions: []mentionDraft{{Name: "TargetCo", Type: "company"}},
		Facts: []factDraft{{
			Subject:     "TargetCo",
			SubjectType: "company",
			Predicate:   "has_revenue",
			ObjectValue: "$4.8M",
			Content:     "TargetCo reported revenue of $4.8M for Q3 2024.",
			ValidAt:     "2024-09-30T00:00:00Z",
		}},
	}
}

// badExtraction violates the one-of rule on the fact object.
func badExtraction() extraction {
	x := goodExtraction()
	x.Facts[0].ObjectValue = ""
	return x
}

func TestRunCommitsExtractedFacts(t *testing.T) {
	rig := newTestRig(goodExtraction())
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if out.Status != common.EpisodeCompleted {
		t.Errorf("Status = %s, want completed", out.Status)
	}
	if out.EntityCount != 1 || out.FactCount != 1 || out.FailedFacts != 0 {
		t.Errorf("counts = %+v, want 1 entity / 1 fact", out)
	}
	if got := rig.store.statusOf(out.EpisodeID); got != common.EpisodeCompleted {
		t.Errorf("stored episode status = %s, want completed", got)
	}

	if len(rig.engine.facts) != 1 {
		t.Fatalf("engine received %d facts, want 1", len(rig.engine.facts))
	}
	f := rig.engine.facts[0]
	if f.SubjectID != "ent-"+common.NormalizeKey("company", "TargetCo") {
		t.Errorf("fact subject = %q, not the resolved entity", f.SubjectID)
	}
	if f.ObjectText != "$4.8M" || f.ObjectID != "" {
		t.Errorf("fact object = (%q, %q), want literal $4.8M", f.ObjectText, f.ObjectID)
	}
	if f.Channel != common.ChannelDocument || f.Confidence != 0.6 {
		t.Errorf("fact channel/confidence = %s/%v, want document/0.6", f.Channel, f.Confidence)
	}
	want := time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)
	if !f.ValidAt.Equal(want) {
		t.Errorf("fact valid_at = %v, want %v", f.ValidAt, want)
	}
	if f.ID == "" || len(f.Embedding) == 0 {
		t.Error("fact is missing its id or embedding")
	}

	// One batch with the mention name and the fact content.
	if len(rig.embedder.texts) != 1 || len(rig.embedder.texts[0]) != 2 {
		t.Errorf("embedding batches = %v, want one batch of 2 texts", rig.embedder.texts)
	}
}

func TestRunFallsBackToReferenceTime(t *testing.T) {
	x := goodExtraction()
	x.Facts[0].ValidAt = ""
	rig := newTestRig(x)
	in := docInput("TargetCo reported revenue of $4.8M.")

	if _, err := rig.pipeline.Run(context.Background(), in); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rig.engine.facts[0].ValidAt; !got.Equal(in.ReferenceTime) {
		t.Errorf("valid_at = %v, want reference time %v", got, in.ReferenceTime)
	}
}

func TestRunReplaySkipsCompletedEpisode(t *testing.T) {
	rig := newTestRig(goodExtraction())
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	first, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	calls := rig.client.callCount()

	second, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.EpisodeID != first.EpisodeID {
		t.Errorf("episode ids differ across replays: %s vs %s", first.EpisodeID, second.EpisodeID)
	}
	if second.Status != common.EpisodeCompleted {
		t.Errorf("replay status = %s, want completed", second.Status)
	}
	if rig.client.callCount() != calls {
		t.Error("replay of a completed episode reached the extraction model")
	}
	if len(rig.engine.facts) != 1 {
		t.Errorf("replay wrote %d extra facts", len(rig.engine.facts)-1)
	}
}

func TestRunQuarantinesRejectedExtraction(t *testing.T) {
	// Both the first attempt and the stricter retry come back invalid.
	rig := newTestRig(badExtraction(), badExtraction())
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v, quarantine must not be an error", err)
	}
	if out.Status != common.EpisodeFailed {
		t.Errorf("Status = %s, want failed", out.Status)
	}
	if got := rig.store.statusOf(out.EpisodeID); got != common.EpisodeFailed {
		t.Errorf("stored episode status = %s, want failed", got)
	}
	if rig.store.episodes[out.EpisodeID].FailureReason == "" {
		t.Error("quarantined episode has no failure reason")
	}
	if rig.client.callCount() != 2 {
		t.Errorf("extraction calls = %d, want exactly one stricter retry", rig.client.callCount())
	}
	if len(rig.archive.payloads) != 1 {
		t.Fatalf("archived payloads = %d, want 1", len(rig.archive.payloads))
	}
	if !strings.Contains(string(rig.archive.payloads[0]), out.EpisodeID) {
		t.Error("archived payload does not reference the episode")
	}
	if len(rig.engine.facts) != 0 {
		t.Error("quarantined episode still wrote facts")
	}
}

func TestRunStricterRetryRecovers(t *testing.T) {
	rig := newTestRig(badExtraction(), goodExtraction())
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != common.EpisodeCompleted || out.FactCount != 1 {
		t.Errorf("outcome = %+v, want completed with 1 fact", out)
	}
	if rig.client.callCount() != 2 {
		t.Fatalf("extraction calls = %d, want 2", rig.client.callCount())
	}
	if !strings.Contains(rig.client.prompts[1], "Previous Attempt Errors") {
		t.Error("second prompt does not carry the validation errors")
	}
}

func TestRunRetriesTransientExtractionFailure(t *testing.T) {
	transient := &errs.TransientProviderError{Provider: "extractor", Err: fmt.Errorf("429")}
	rig := newTestRig(transient, goodExtraction())
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != common.EpisodeCompleted {
		t.Errorf("Status = %s, want completed", out.Status)
	}
	if rig.client.callCount() != 2 {
		t.Errorf("extraction calls = %d, want 2", rig.client.callCount())
	}
}

func TestRunEmbeddingFailureIsRetryable(t *testing.T) {
	rig := newTestRig(goodExtraction())
	rig.embedder.err = &errs.EmbeddingUnavailableError{Operation: "embed_document", Err: fmt.Errorf("down")}
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err == nil {
		t.Fatal("Run() = nil error, want a retryable failure")
	}
	if out.EpisodeID == "" {
		t.Error("outcome lost the episode id needed for dead-letter marking")
	}
	// The episode stays processing so a redelivery picks it up again.
	if got := rig.store.statusOf(out.EpisodeID); got != common.EpisodeProcessing {
		t.Errorf("episode status = %s, want processing", got)
	}
	if len(rig.archive.payloads) != 0 {
		t.Error("transient failure must not archive a quarantine payload")
	}
}

func TestRunPartialWhenOneFactFails(t *testing.T) {
	x := goodExtraction()
	x.Mentions = append(x.Mentions, mentionDraft{Name: "Acme Corp", Type: "company"})
	x.Facts = append(x.Facts, factDraft{
		Subject:     "Acme Corp",
		SubjectType: "company",
		Predicate:   "faces_risk",
		ObjectValue: "customer concentration",
		Content:     "Acme Corp faces customer concentration risk.",
	})
	rig := newTestRig(x)
	rig.resolver.failOn["Acme Corp"] = fmt.Errorf("resolver briefly down")
	in := docInput("TargetCo reported $4.8M. Acme Corp faces risk.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v, partial success must not abort", err)
	}
	if out.Status != common.EpisodePartial {
		t.Errorf("Status = %s, want partial", out.Status)
	}
	if out.FactCount != 1 || out.FailedFacts != 1 {
		t.Errorf("counts = %+v, want 1 committed / 1 failed", out)
	}
	if reason := rig.store.episodes[out.EpisodeID].FailureReason; !strings.Contains(reason, "1 facts failed") {
		t.Errorf("partial reason = %q", reason)
	}
}

func TestRunAllFactsFailedIsRetryable(t *testing.T) {
	rig := newTestRig(goodExtraction())
	rig.resolver.failOn["TargetCo"] = fmt.Errorf("store down")
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err == nil {
		t.Fatal("Run() = nil error, want retryable failure when nothing committed")
	}
	if got := rig.store.statusOf(out.EpisodeID); got != common.EpisodeProcessing {
		t.Errorf("episode status = %s, want processing", got)
	}
}

func TestRunCountsTemporalOutcomes(t *testing.T) {
	rig := newTestRig(goodExtraction())
	rig.engine.outcomeFn = func(f common.Fact) supersede.Outcome {
		return supersede.Outcome{
			Fact:         f,
			Inserted:     true,
			Superseded:   []string{"old-1", "old-2"},
			Contradicted: []string{"other-1"},
		}
	}
	in := docInput("TargetCo reported revenue of $4.8M for Q3 2024.")

	out, err := rig.pipeline.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.FactCount != 1 || out.SupersededCount != 2 || out.ContradictionCount != 1 {
		t.Errorf("outcome = %+v, want 1 fact / 2 superseded / 1 contradiction", out)
	}
}

func TestRunValidatesInput(t *testing.T) {
	rig := newTestRig()

	_, err := rig.pipeline.Run(context.Background(), EpisodeInput{
		Channel: common.ChannelDocument,
		Content: "text",
	})
	if !errors.Is(err, errs.ErrNamespaceRequired) {
		t.Errorf("missing namespace error = %v, want ErrNamespaceRequired", err)
	}

	_, err = rig.pipeline.Run(context.Background(), EpisodeInput{
		Namespace: "deal-7",
		Channel:   common.Channel("email"),
		Content:   "text",
	})
	if err == nil {
		t.Error("unknown channel was accepted")
	}

	_, err = rig.pipeline.Run(context.Background(), EpisodeInput{
		Namespace: "deal-7",
		Channel:   common.ChannelDocument,
		Content:   "   ",
	})
	if err == nil {
		t.Error("blank content was accepted")
	}
}

func TestMarkFailed(t *testing.T) {
	rig := newTestRig(goodExtraction())
	rig.embedder.err = fmt.Errorf("down")
	in := docInput("TargetCo reported revenue of $4.8M.")

	out, _ := rig.pipeline.Run(context.Background(), in)
	if err := rig.pipeline.MarkFailed(context.Background(), in.Namespace, out.EpisodeID, "redelivery exhausted"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if got := rig.store.statusOf(out.EpisodeID); got != common.EpisodeFailed {
		t.Errorf("episode status = %s, want failed", got)
	}
}
