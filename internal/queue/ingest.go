package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/ingest"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

// Ingestor is the slice of the ingestion pipeline the queue consumer
// drives.
type Ingestor interface {
	Run(ctx context.Context, in ingest.EpisodeInput) (common.IngestOutcome, error)
	MarkFailed(ctx context.Context, namespace, episodeID, reason string) error
}

// ProcessIngestMessage runs one queued ingestion request through the
// pipeline and publishes the completion event. A returned error means
// the message should be redelivered; quarantined and partial episodes
// return nil because redelivering them would change nothing.
func ProcessIngestMessage(ctx context.Context, p Ingestor, ch *amqp091.Channel, body []byte) error {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.QueueMessages.WithLabelValues(IngestQueue, "error").Inc()
		return fmt.Errorf("unmarshal ingest request: %w", err)
	}

	out, err := p.Run(ctx, ingest.EpisodeInput{
		Namespace:     req.Namespace,
		Channel:       req.Channel,
		Source:        req.Source,
		Content:       req.Content,
		ReferenceTime: req.ReferenceTime,
	})
	if err != nil {
		metrics.QueueMessages.WithLabelValues(IngestQueue, "error").Inc()
		return err
	}
	metrics.QueueMessages.WithLabelValues(IngestQueue, "ok").Inc()

	event, err := json.Marshal(out)
	if err != nil {
		logger.Warn("[Queue][ProcessIngestMessage] Failed to marshal completion event",
			"episode_id", out.EpisodeID, "err", err)
		return nil
	}
	// The episode is committed; a lost event must not trigger a replay.
	if err := PublishEvent(ctx, ch, IngestEventsKey, event); err != nil {
		logger.Warn("[Queue][ProcessIngestMessage] Failed to publish completion event",
			"episode_id", out.EpisodeID, "err", err)
	}
	return nil
}

// MarkDeadLettered flags the episode of an exhausted message as failed
// so its status row does not sit at processing forever.
func MarkDeadLettered(ctx context.Context, p Ingestor, body []byte, reason string) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("[Queue][MarkDeadLettered] Unparseable message, no episode to flag", "err", err)
		return
	}
	if req.Namespace == "" {
		return
	}
	if err := p.MarkFailed(ctx, req.Namespace, req.EpisodeID(), reason); err != nil {
		logger.Warn("[Queue][MarkDeadLettered] Failed to flag episode",
			"namespace", req.Namespace, "episode_id", req.EpisodeID(), "err", err)
	}
}
