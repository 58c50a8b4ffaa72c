// Package cdc is the port this service needs from a change-data-capture
// source: a poll-batch/ack-batch primitive over the outbox table's
// change stream (spec.md section 4.G). No Canal client exists in the
// dependencies this module draws on, so the production adapter polls the
// relational store by primary-key watermark instead of tailing a true
// logical-replication stream; see DESIGN.md for the tradeoff.
package cdc

import "context"

// ChangeType mirrors the subset of row-level change types the bridge
// cares about.
type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
)

// ChangeRow is one outbox row as seen by the change stream.
type ChangeRow struct {
	ID        int64
	Table     string
	Type      ChangeType
	Payload   string
	CreatedAt int64 // unix millis, used to derive replication lag
}

// Source is implemented by the production outbox-watermark adapter.
type Source interface {
	// GetWithoutAck returns up to batchSize unacknowledged rows without
	// marking them acknowledged.
	GetWithoutAck(ctx context.Context, batchSize int) ([]ChangeRow, error)
	// Ack acknowledges rows by id so they are never returned again.
	Ack(ctx context.Context, ids []int64) error
	Close() error
}
