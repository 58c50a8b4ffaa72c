package cdc

import (
	"context"
	"fmt"

	"knowengage/internal/platform/relstore"
)

// OutboxSource is the production Source adapter: it polls the outbox
// table for rows not yet deleted and acks by deleting them, standing in
// for a true logical-replication tail (see package doc).
type OutboxSource struct {
	rel relstore.Store
}

func NewOutboxSource(rel relstore.Store) *OutboxSource {
	return &OutboxSource{rel: rel}
}

func (o *OutboxSource) GetWithoutAck(ctx context.Context, batchSize int) ([]ChangeRow, error) {
	rows, err := o.rel.FetchOutboxUnacked(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("cdc: fetch outbox: %w", err)
	}
	out := make([]ChangeRow, len(rows))
	for i, r := range rows {
		out[i] = ChangeRow{ID: r.ID, Table: "outbox", Type: Insert, Payload: r.Payload, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (o *OutboxSource) Ack(ctx context.Context, ids []int64) error {
	if err := o.rel.DeleteOutboxRows(ctx, ids); err != nil {
		return fmt.Errorf("cdc: ack (delete) outbox rows: %w", err)
	}
	return nil
}

func (o *OutboxSource) Close() error { return nil }
