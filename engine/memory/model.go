package memory

import "time"

// Turn is one stored conversation utterance. The same ID keys the Qdrant
// point and the SQL row. The dual write is best-effort (see Memory.Save):
// a failed SQL insert leaves the Qdrant point in place, and Memory.Search
// still returns its content.
type Turn struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // "human" | "ai"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Health reports per-store probe outcomes. The probes are independent:
// one store failing never masks the other's result.
type Health struct {
	Vector bool `json:"vector"`
	SQL    bool `json:"sql"`
}

// Healthy returns true when both stores answered their probe.
func (h Health) Healthy() bool { return h.Vector && h.SQL }
