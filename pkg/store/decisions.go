package store

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
)

const insertDecisionSQL = `
INSERT INTO resolution_decisions (id, namespace, kind, mention, mention_key, entity_type, entity_id, candidate_id, name_score, vector_score)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const listDecisionsSQL = `
SELECT id, namespace, kind, mention, mention_key, entity_type, COALESCE(entity_id, ''), COALESCE(candidate_id, ''), name_score, vector_score, created_at
FROM resolution_decisions
WHERE namespace = $1 AND ($2 = '' OR kind = $2)
ORDER BY created_at DESC, id
LIMIT $3 OFFSET $4
`

// InsertResolutionDecision appends one resolver audit record. Decisions
// get a fresh nanoid when the caller leaves the id blank.
func (s *Store) InsertResolutionDecision(ctx context.Context, d common.ResolutionDecision) error {
	if err := requireNamespace(d.Namespace); err != nil {
		return err
	}
	if d.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("decision id: %w", err)
		}
		d.ID = id
	}

	_, err := s.db.Exec(ctx, insertDecisionSQL,
		d.ID, d.Namespace, string(d.Kind), d.Mention, d.MentionKey, d.EntityType,
		textParam(d.EntityID), textParam(d.CandidateID), d.NameScore, d.VectorScore)
	if err != nil {
		return fmt.Errorf("insert resolution decision: %w", err)
	}
	return nil
}

// ListResolutionDecisions pages through resolver audit records, newest
// first. kind filters to one decision kind when non-empty.
func (s *Store) ListResolutionDecisions(ctx context.Context, namespace, kind string, limit, offset int) ([]common.ResolutionDecision, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, listDecisionsSQL, namespace, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list resolution decisions: %w", err)
	}
	defer rows.Close()

	var out []common.ResolutionDecision
	for rows.Next() {
		var d common.ResolutionDecision
		if err := rows.Scan(&d.ID, &d.Namespace, &d.Kind, &d.Mention, &d.MentionKey, &d.EntityType,
			&d.EntityID, &d.CandidateID, &d.NameScore, &d.VectorScore, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resolution decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
