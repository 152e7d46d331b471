package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HistoryStore owns the PostgreSQL ordered conversation log.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a connection pool for the given database URL.
func NewHistoryStore(ctx context.Context, databaseURL string) (*HistoryStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory: postgres pool: %w", err)
	}
	return &HistoryStore{pool: pool}, nil
}

// Close releases the connection pool.
func (h *HistoryStore) Close() {
	h.pool.Close()
}

// EnsureSchema creates the schema, table and user_id index if absent.
// Safe to call repeatedly.
func (h *HistoryStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS penrose`,
		`CREATE TABLE IF NOT EXISTS penrose.conversations (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_id
			ON penrose.conversations (user_id)`,
	}
	for _, s := range stmts {
		if _, err := h.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("memory: ensure schema: %w", err)
		}
	}
	return nil
}

// Insert appends one turn. created_at is assigned by the server default.
func (h *HistoryStore) Insert(ctx context.Context, t Turn) error {
	_, err := h.pool.Exec(ctx,
		`INSERT INTO penrose.conversations (id, user_id, role, content) VALUES ($1, $2, $3, $4)`,
		t.ID, t.UserID, t.Role, t.Content,
	)
	if err != nil {
		return fmt.Errorf("memory: insert turn %s: %w", t.ID, err)
	}
	return nil
}

// Recent returns the newest turns for a user, most recent first.
func (h *HistoryStore) Recent(ctx context.Context, userID string, limit int) ([]Turn, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT id, user_id, role, content, created_at
		   FROM penrose.conversations
		  WHERE user_id = $1
		  ORDER BY created_at DESC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Probe checks database liveness.
func (h *HistoryStore) Probe(ctx context.Context) error {
	var one int
	if err := h.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("memory: postgres probe: %w", err)
	}
	return nil
}
