package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
)

const insertEpisodeSQL = `
INSERT INTO episodes (id, namespace, channel, content, source, reference_time, base_confidence, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
`

const getEpisodeSQL = `
SELECT id, namespace, channel, content, source, reference_time, base_confidence, status, failure_reason, created_at
FROM episodes
WHERE namespace = $1 AND id = $2
`

const updateEpisodeStatusSQL = `
UPDATE episodes
SET status = $3, failure_reason = $4
WHERE namespace = $1 AND id = $2
`

// InsertEpisode writes an episode row. Returns false when an episode
// with the same id already exists, which is how replayed queue
// deliveries are detected.
func (s *Store) InsertEpisode(ctx context.Context, ep common.Episode) (bool, error) {
	if err := requireNamespace(ep.Namespace); err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, insertEpisodeSQL,
		ep.ID, ep.Namespace, string(ep.Channel), ep.Content, ep.Source,
		ep.ReferenceTime, ep.BaseConfidence, string(ep.Status))
	if err != nil {
		return false, fmt.Errorf("insert episode: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetEpisode fetches one episode by id within a namespace.
func (s *Store) GetEpisode(ctx context.Context, namespace, id string) (common.Episode, error) {
	var ep common.Episode
	if err := requireNamespace(namespace); err != nil {
		return ep, err
	}

	row := s.db.QueryRow(ctx, getEpisodeSQL, namespace, id)
	err := row.Scan(&ep.ID, &ep.Namespace, &ep.Channel, &ep.Content, &ep.Source,
		&ep.ReferenceTime, &ep.BaseConfidence, &ep.Status, &ep.FailureReason, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ep, errs.ErrEpisodeNotFound
	}
	if err != nil {
		return ep, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// UpdateEpisodeStatus advances the processing status of an episode.
// The reason is only meaningful for failed and partial statuses.
func (s *Store) UpdateEpisodeStatus(ctx context.Context, namespace, id string, status common.EpisodeStatus, reason string) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, updateEpisodeStatusSQL, namespace, id, string(status), reason)
	if err != nil {
		return fmt.Errorf("update episode status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrEpisodeNotFound
	}
	return nil
}
