package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
	"github.com/hoferino/manda-platform-sub010/pkg/errs"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

// maxMergeHops bounds tombstone chain traversal. Chains longer than a
// couple of hops indicate merge cycles, which the merge guard prevents.
const maxMergeHops = 8

const insertEntitySQL = `
INSERT INTO entities (id, namespace, type, name, normalized_key, embedding)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`

const insertAliasSQL = `
INSERT INTO entity_aliases (entity_id, namespace, alias, normalized_alias)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING
`

const getEntitySQL = `
SELECT id, namespace, type, name, normalized_key, embedding, COALESCE(merged_into, ''), created_at, updated_at
FROM entities
WHERE namespace = $1 AND id = $2
`

const listAliasesSQL = `
SELECT alias
FROM entity_aliases
WHERE namespace = $1 AND entity_id = $2
ORDER BY alias
`

const findByAliasSQL = `
SELECT e.id, e.namespace, e.type, e.name, e.normalized_key, e.embedding, COALESCE(e.merged_into, ''), e.created_at, e.updated_at
FROM entity_aliases a
JOIN entities e ON e.id = a.entity_id
WHERE a.namespace = $1 AND e.type = $2 AND a.normalized_alias = $3
ORDER BY e.created_at
LIMIT 1
`

const candidatesByNameSQL = `
SELECT DISTINCT ON (e.id)
       e.id, e.namespace, e.type, e.name, e.normalized_key, e.embedding, COALESCE(e.merged_into, ''), e.created_at, e.updated_at,
       similarity(a.normalized_alias, $3) AS sim
FROM entity_aliases a
JOIN entities e ON e.id = a.entity_id
WHERE a.namespace = $1 AND e.type = $2 AND e.merged_into IS NULL
  AND a.normalized_alias % $3
ORDER BY e.id, sim DESC
`

const candidatesByEmbeddingSQL = `
SELECT id, namespace, type, name, normalized_key, embedding, COALESCE(merged_into, ''), created_at, updated_at,
       1 - (embedding <=> $3) AS score
FROM entities
WHERE namespace = $1 AND type = $2 AND merged_into IS NULL AND embedding IS NOT NULL
ORDER BY embedding <=> $3
LIMIT $4
`

const mergeMoveAliasesSQL = `
INSERT INTO entity_aliases (entity_id, namespace, alias, normalized_alias)
SELECT $3, namespace, alias, normalized_alias
FROM entity_aliases
WHERE namespace = $1 AND entity_id = $2
ON CONFLICT DO NOTHING
`

const mergeDropAliasesSQL = `
DELETE FROM entity_aliases
WHERE namespace = $1 AND entity_id = $2
`

const mergeRepointSubjectsSQL = `
UPDATE facts SET subject_id = $3
WHERE namespace = $1 AND subject_id = $2
`

const mergeRepointObjectsSQL = `
UPDATE facts SET object_id = $3
WHERE namespace = $1 AND object_id = $2
`

const mergeTombstoneSQL = `
UPDATE entities SET merged_into = $3, updated_at = now()
WHERE namespace = $1 AND id = $2
`

// EntityCandidate pairs an entity with the similarity score that put it
// on the candidate list. NameScore comes from trigram prefiltering and
// is only a recall aid; the resolver recomputes string similarity in Go.
type EntityCandidate struct {
	Entity      common.Entity
	NameScore   float64
	VectorScore float64
}

// InsertEntity writes an entity and registers its display name as its
// first alias. Replays of the same deterministic id are no-ops.
func (s *Store) InsertEntity(ctx context.Context, e common.Entity) error {
	if err := requireNamespace(e.Namespace); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert entity: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertEntitySQL,
		e.ID, e.Namespace, e.Type, e.Name, e.NormalizedKey, embeddingParam(e.Embedding)); err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	if _, err := tx.Exec(ctx, insertAliasSQL, e.ID, e.Namespace, e.Name, e.NormalizedKey); err != nil {
		return fmt.Errorf("insert entity alias: %w", err)
	}
	for _, alias := range e.Aliases {
		key := common.NormalizeKey(e.Type, alias)
		if key == "" || key == e.NormalizedKey {
			continue
		}
		if _, err := tx.Exec(ctx, insertAliasSQL, e.ID, e.Namespace, alias, key); err != nil {
			return fmt.Errorf("insert entity alias: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// AddAlias attaches one more surface form to an existing entity.
func (s *Store) AddAlias(ctx context.Context, namespace, entityID, alias, normalizedAlias string) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, insertAliasSQL, entityID, namespace, alias, normalizedAlias); err != nil {
		return fmt.Errorf("add alias: %w", err)
	}
	return nil
}

// GetEntity fetches an entity by id, following merge tombstones to the
// surviving canonical record. The returned entity carries its aliases.
func (s *Store) GetEntity(ctx context.Context, namespace, id string) (common.Entity, error) {
	var e common.Entity
	if err := requireNamespace(namespace); err != nil {
		return e, err
	}

	current := id
	for hop := 0; hop < maxMergeHops; hop++ {
		row := s.db.QueryRow(ctx, getEntitySQL, namespace, current)
		ent, err := scanEntity(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return e, errs.ErrEntityNotFound
		}
		if err != nil {
			return e, fmt.Errorf("get entity: %w", err)
		}
		if ent.MergedInto == "" {
			aliases, err := s.listAliases(ctx, namespace, ent.ID)
			if err != nil {
				return e, err
			}
			ent.Aliases = aliases
			return ent, nil
		}
		current = ent.MergedInto
	}
	return e, fmt.Errorf("get entity %s: merge chain exceeds %d hops", id, maxMergeHops)
}

// GetEntityRaw fetches an entity without following tombstones, so
// callers can see the merge pointer itself.
func (s *Store) GetEntityRaw(ctx context.Context, namespace, id string) (common.Entity, error) {
	var e common.Entity
	if err := requireNamespace(namespace); err != nil {
		return e, err
	}

	row := s.db.QueryRow(ctx, getEntitySQL, namespace, id)
	ent, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, errs.ErrEntityNotFound
	}
	if err != nil {
		return e, fmt.Errorf("get entity: %w", err)
	}
	return ent, nil
}

// FindEntityByAlias looks up the entity owning an exact normalized
// alias. Returns ErrEntityNotFound when no alias matches.
func (s *Store) FindEntityByAlias(ctx context.Context, namespace, entityType, normalizedAlias string) (common.Entity, error) {
	var e common.Entity
	if err := requireNamespace(namespace); err != nil {
		return e, err
	}

	row := s.db.QueryRow(ctx, findByAliasSQL, namespace, entityType, normalizedAlias)
	ent, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, errs.ErrEntityNotFound
	}
	if err != nil {
		return e, fmt.Errorf("find entity by alias: %w", err)
	}
	if ent.MergedInto != "" {
		return s.GetEntity(ctx, namespace, ent.MergedInto)
	}
	return ent, nil
}

// CandidatesByName returns live entities whose aliases are trigram-close
// to the normalized mention, best match first.
func (s *Store) CandidatesByName(ctx context.Context, namespace, entityType, normalizedKey string, limit int) ([]EntityCandidate, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 16
	}

	// DISTINCT ON picks each entity's best alias; re-sort by that score.
	sql := `SELECT * FROM (` + candidatesByNameSQL + `) c ORDER BY c.sim DESC, c.id LIMIT $4`
	rows, err := s.db.Query(ctx, sql, namespace, entityType, normalizedKey, limit)
	if err != nil {
		return nil, fmt.Errorf("name candidates: %w", err)
	}
	defer rows.Close()

	var out []EntityCandidate
	for rows.Next() {
		var c EntityCandidate
		ent, err := scanEntityWithScore(rows, &c.NameScore)
		if err != nil {
			return nil, fmt.Errorf("scan name candidate: %w", err)
		}
		c.Entity = ent
		out = append(out, c)
	}
	return out, rows.Err()
}

// CandidatesByEmbedding returns live entities nearest to the mention
// embedding by cosine similarity, best match first.
func (s *Store) CandidatesByEmbedding(ctx context.Context, namespace, entityType string, embedding []float32, limit int) ([]EntityCandidate, error) {
	if err := requireNamespace(namespace); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 16
	}

	rows, err := s.db.Query(ctx, candidatesByEmbeddingSQL, namespace, entityType, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("embedding candidates: %w", err)
	}
	defer rows.Close()

	var out []EntityCandidate
	for rows.Next() {
		var c EntityCandidate
		ent, err := scanEntityWithScore(rows, &c.VectorScore)
		if err != nil {
			return nil, fmt.Errorf("scan embedding candidate: %w", err)
		}
		c.Entity = ent
		out = append(out, c)
	}
	return out, rows.Err()
}

// MergeEntities folds the from entity into the to entity: facts are
// repointed, aliases move to the survivor, and the loser becomes a
// tombstone redirecting to the survivor. Runs in one transaction.
func (s *Store) MergeEntities(ctx context.Context, namespace, fromID, toID string) error {
	if err := requireNamespace(namespace); err != nil {
		return err
	}
	if fromID == toID {
		return errs.ErrMergeConflict
	}

	from, err := s.GetEntityRaw(ctx, namespace, fromID)
	if err != nil {
		return err
	}
	to, err := s.GetEntityRaw(ctx, namespace, toID)
	if err != nil {
		return err
	}
	if from.MergedInto != "" || to.MergedInto != "" {
		return errs.ErrMergeConflict
	}
	if from.Type != to.Type {
		return errs.ErrMergeConflict
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mergeRepointSubjectsSQL, namespace, fromID, toID); err != nil {
		return fmt.Errorf("merge repoint subjects: %w", err)
	}
	if _, err := tx.Exec(ctx, mergeRepointObjectsSQL, namespace, fromID, toID); err != nil {
		return fmt.Errorf("merge repoint objects: %w", err)
	}
	if _, err := tx.Exec(ctx, mergeMoveAliasesSQL, namespace, fromID, toID); err != nil {
		return fmt.Errorf("merge move aliases: %w", err)
	}
	if _, err := tx.Exec(ctx, mergeDropAliasesSQL, namespace, fromID); err != nil {
		return fmt.Errorf("merge drop aliases: %w", err)
	}
	if _, err := tx.Exec(ctx, mergeTombstoneSQL, namespace, fromID, toID); err != nil {
		return fmt.Errorf("merge tombstone: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}

	logger.Debug("[Store][MergeEntities] Entity merged", "namespace", namespace, "from", fromID, "to", toID)
	return nil
}

func (s *Store) listAliases(ctx context.Context, namespace, entityID string) ([]string, error) {
	rows, err := s.db.Query(ctx, listAliasesSQL, namespace, entityID)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out = append(out, alias)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (common.Entity, error) {
	var (
		e   common.Entity
		emb *pgvector.Vector
	)
	err := row.Scan(&e.ID, &e.Namespace, &e.Type, &e.Name, &e.NormalizedKey, &emb, &e.MergedInto, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	if emb != nil {
		e.Embedding = emb.Slice()
	}
	return e, nil
}

func scanEntityWithScore(row rowScanner, score *float64) (common.Entity, error) {
	var (
		e   common.Entity
		emb *pgvector.Vector
	)
	err := row.Scan(&e.ID, &e.Namespace, &e.Type, &e.Name, &e.NormalizedKey, &emb, &e.MergedInto, &e.CreatedAt, &e.UpdatedAt, score)
	if err != nil {
		return e, err
	}
	if emb != nil {
		e.Embedding = emb.Slice()
	}
	return e, nil
}

func embeddingParam(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}
