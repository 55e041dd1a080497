// Package store persists the temporal knowledge graph in PostgreSQL.
//
// Episodes, entities, aliases, facts, fact links, and resolution
// decisions each get their own table; embeddings live in pgvector
// columns next to the rows they describe. All reads and writes are
// namespace-scoped, and facts are append-only: supersession closes a
// fact by setting invalid_at, never by rewriting history.
package store

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hoferino/manda-platform-sub010/pkg/errs"
)

// Conn is the subset of pgxpool.Pool the store uses. Tests substitute
// their own implementation; production passes the pool itself.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store runs SQL against a single PostgreSQL database.
type Store struct {
	db Conn
}

// New wraps a connection pool. The pool must have pgvector types
// registered on each connection.
func New(db Conn) *Store {
	return &Store{db: db}
}

// NewWithPool is a convenience constructor for the common case.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return New(pool)
}

func requireNamespace(namespace string) error {
	if strings.TrimSpace(namespace) == "" {
		return errs.ErrNamespaceRequired
	}
	return nil
}

// ChunkRange invokes fn over [start, end) windows of at most chunkSize
// elements, stopping at the first error.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// DedupeStrings returns values with blanks and duplicates removed,
// preserving first-seen order.
func DedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
