// Package memory implements the dual-store conversation memory: a Qdrant
// vector index for semantic recall and a PostgreSQL log for ordered history.
// Both stores are written on every turn under a shared id. The writes are
// not atomic (vector first, then SQL), and callers treat save failures as
// non-fatal, so a crash between the two may leave an unreferenced point.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/PenroseAI/penrose/pkg/fn"
)

// Encoder maps text to an embedding vector.
type Encoder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the semantic side of the dual store.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dims int) error
	Probe(ctx context.Context) error
	UpsertTurn(ctx context.Context, t Turn, embedding []float32) error
	SearchByUser(ctx context.Context, embedding []float32, userID string, topK int) ([]string, error)
}

// HistoryLog is the ordered side of the dual store.
type HistoryLog interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, t Turn) error
	Recent(ctx context.Context, userID string, limit int) ([]Turn, error)
	Probe(ctx context.Context) error
}

// Memory owns both store clients for its lifetime.
type Memory struct {
	encoder Encoder
	vectors VectorIndex
	history HistoryLog
	topK    int
	dim     int
	logger  *slog.Logger
}

// New assembles the dual-store memory.
func New(encoder Encoder, vectors VectorIndex, history HistoryLog, topK, dim int, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		encoder: encoder,
		vectors: vectors,
		history: history,
		topK:    topK,
		dim:     dim,
		logger:  logger,
	}
}

// Init bootstraps both stores best-effort. Either side failing logs a
// warning and the service starts degraded; /health/deep reports the state.
// Calling it twice is a no-op on the second call.
func (m *Memory) Init(ctx context.Context) {
	if err := m.vectors.EnsureCollection(ctx, m.dim); err != nil {
		m.logger.Warn("vector store unavailable at init", "err", err)
	}
	if err := m.history.EnsureSchema(ctx); err != nil {
		m.logger.Warn("sql store unavailable at init", "err", err)
	}
}

// Search encodes the query and returns up to topK prior-turn contents for
// this user, best match first. An empty query returns no hits without
// touching the stores. Errors propagate to the caller.
func (m *Memory) Search(ctx context.Context, userID, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return []string{}, nil
	}

	vec, err := m.encoder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: encode query: %w", err)
	}
	return m.vectors.SearchByUser(ctx, vec, userID, m.topK)
}

// Save persists one turn to both stores under a fresh shared id, vector
// first. Errors propagate; the caller decides whether they are fatal.
func (m *Memory) Save(ctx context.Context, userID, role, content string) error {
	vec, err := m.encoder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("memory: encode content: %w", err)
	}

	t := Turn{
		ID:      uuid.NewString(),
		UserID:  userID,
		Role:    role,
		Content: content,
	}

	if err := m.vectors.UpsertTurn(ctx, t, vec); err != nil {
		return err
	}
	return m.history.Insert(ctx, t)
}

// History returns the newest turns for a user from the ordered log.
func (m *Memory) History(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = m.topK
	}
	return m.history.Recent(ctx, userID, limit)
}

// HealthCheck probes both stores concurrently and independently.
func (m *Memory) HealthCheck(ctx context.Context) Health {
	results := fn.FanOut(
		func() bool { return m.vectors.Probe(ctx) == nil },
		func() bool { return m.history.Probe(ctx) == nil },
	)
	return Health{Vector: results[0], SQL: results[1]}
}
