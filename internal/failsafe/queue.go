// Package failsafe is the durable retry queue for critical audit events whose
// primary ledger write failed. Records are opaque JSON payloads; the ledger
// owns their meaning and replays them.
package failsafe

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one queued event.
type Record struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Cause    string          `json:"cause,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Handler processes one record during Drain. Returning an error leaves the
// record queued and stops the drain.
type Handler func(ctx context.Context, rec Record) error

// Queue is a durable FIFO of records.
type Queue interface {
	Enqueue(ctx context.Context, rec Record) error
	// Drain hands queued records to fn in order and returns how many were
	// removed.
	Drain(ctx context.Context, fn Handler) (int, error)
}
