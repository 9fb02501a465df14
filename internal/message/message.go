// Package message owns the durable per-thread message log: ordering, the
// read-state transition, and cursor pagination. Messages are persisted in
// PostgreSQL; ids come from a bigserial so (created_at, id) is a single
// monotonic ordering key per thread.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is one persisted chat message. ReadAt is nil until the recipient
// marks the thread read; it is the only field that ever changes.
type Message struct {
	ID           int64      `json:"id"`
	ThreadID     uuid.UUID  `json:"thread_id"`
	SenderUserID uuid.UUID  `json:"sender_user_id"`
	Text         string     `json:"text"`
	CreatedAt    time.Time  `json:"created_at"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
}
