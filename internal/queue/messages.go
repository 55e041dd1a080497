package queue

import (
	"time"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
)

// IngestRequest is one unit of evidence queued for the worker. The API
// server validates and normalizes inbound payloads before publishing,
// so consumers can trust the fields.
type IngestRequest struct {
	Namespace     string           `json:"namespace"`
	Channel       common.Channel   `json:"channel"`
	Source        common.SourceRef `json:"source"`
	Content       string           `json:"content"`
	ReferenceTime time.Time        `json:"reference_time"`
}

// EpisodeID derives the deterministic episode id this request will
// ingest under, the same id the pipeline itself computes.
func (r IngestRequest) EpisodeID() string {
	return common.EpisodeID(r.Namespace, r.Channel, r.Source, r.Content)
}
