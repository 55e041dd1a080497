package queue

import (
	"context"
	"testing"
	"time"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/ingest"
)

type fakeIngestor struct {
	failedNamespace string
	failedID        string
	failedReason    string
}

func (f *fakeIngestor) Run(ctx context.Context, in ingest.EpisodeInput) (common.IngestOutcome, error) {
	return common.IngestOutcome{}, nil
}

func (f *fakeIngestor) MarkFailed(ctx context.Context, namespace, episodeID, reason string) error {
	f.failedNamespace = namespace
	f.failedID = episodeID
	f.failedReason = reason
	return nil
}

func TestQueueNaming(t *testing.T) {
	if got := RetryQueue(IngestQueue); got != "ingest_queue_retry" {
		t.Errorf("RetryQueue = %q", got)
	}
	if got := DeadLetterQueue(IngestQueue); got != "ingest_queue_dlq" {
		t.Errorf("DeadLetterQueue = %q", got)
	}
}

func TestIngestRequestEpisodeID(t *testing.T) {
	req := IngestRequest{
		Namespace:     "deal-7",
		Channel:       common.ChannelDocument,
		Source:        common.SourceRef{DocumentID: "doc-1", ChunkIndex: 3},
		Content:       "TargetCo reported revenue of $4.8M.",
		ReferenceTime: time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC),
	}

	want := common.EpisodeID(req.Namespace, req.Channel, req.Source, req.Content)
	if got := req.EpisodeID(); got != want {
		t.Errorf("EpisodeID() = %q, want %q", got, want)
	}
	// Reference time is processing metadata, not identity: replaying the
	// same evidence later must hit the same episode.
	req.ReferenceTime = req.ReferenceTime.Add(time.Hour)
	if got := req.EpisodeID(); got != want {
		t.Errorf("EpisodeID() changed with reference time: %q", got)
	}
}

func TestMarkDeadLettered(t *testing.T) {
	ing := &fakeIngestor{}
	body := []byte(`{"namespace":"deal-7","channel":"document","source":{"document_id":"doc-1"},"content":"evidence"}`)

	MarkDeadLettered(context.Background(), ing, body, "retries exhausted")

	if ing.failedNamespace != "deal-7" {
		t.Errorf("namespace = %q, want deal-7", ing.failedNamespace)
	}
	wantID := common.EpisodeID("deal-7", common.ChannelDocument, common.SourceRef{DocumentID: "doc-1"}, "evidence")
	if ing.failedID != wantID {
		t.Errorf("episode id = %q, want %q", ing.failedID, wantID)
	}
	if ing.failedReason != "retries exhausted" {
		t.Errorf("reason = %q", ing.failedReason)
	}
}

func TestMarkDeadLetteredIgnoresGarbage(t *testing.T) {
	ing := &fakeIngestor{}
	MarkDeadLettered(context.Background(), ing, []byte("not json"), "retries exhausted")
	if ing.failedID != "" {
		t.Errorf("garbage message flagged episode %q", ing.failedID)
	}
}
