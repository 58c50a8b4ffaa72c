// Package cdc implements the CDC bridge (spec.md section 4.G): poll the
// change source without ack, publish each row's payload wrapped in an
// envelope onto canal-outbox, and ack only the rows that published
// successfully — the fix to open question 2 recorded in SPEC_FULL.md
// (the source acked the whole batch regardless of per-row failures).
package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knowengage/internal/logger"
	"knowengage/internal/metrics"
	"knowengage/internal/model"
	"knowengage/internal/platform/bus"
	cdcport "knowengage/internal/platform/cdc"
)

// Topic is the canal-outbox topic name.
const Topic = "canal-outbox"

// Config bundles the bridge's polling knobs.
type Config struct {
	BatchSize int
	Interval  time.Duration
}

// Bridge is the CDC bridge background worker.
type Bridge struct {
	source  cdcport.Source
	pub     bus.Producer
	cfg     Config
	running bool
}

func New(source cdcport.Source, pub bus.Producer, cfg Config) *Bridge {
	return &Bridge{source: source, pub: pub, cfg: cfg}
}

// Run blocks, polling until ctx is canceled. On cancellation it stops the
// loop and closes the source (spec.md: "set running=false, then
// disconnect").
func (b *Bridge) Run(ctx context.Context) error {
	b.running = true
	defer func() {
		b.running = false
		if err := b.source.Close(); err != nil {
			logger.Warn("cdc: close source failed", "error", err)
		}
	}()

	for b.running {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := b.pollOnce(ctx)
		if err != nil {
			logger.Error("cdc: poll/publish failed", "error", err)
			return fmt.Errorf("cdc: %w", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.cfg.Interval):
			}
		}
	}
	return nil
}

func (b *Bridge) pollOnce(ctx context.Context) (int, error) {
	rows, err := b.source.GetWithoutAck(ctx, b.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("get without ack: %w", err)
	}
	if len(rows) == 0 {
		metrics.CDCLagSeconds.Set(0)
		return 0, nil
	}
	metrics.CDCBatchSize.Observe(float64(len(rows)))
	oldest := rows[0].CreatedAt
	for _, row := range rows[1:] {
		if row.CreatedAt < oldest {
			oldest = row.CreatedAt
		}
	}
	if oldest > 0 {
		metrics.CDCLagSeconds.Set(time.Since(time.UnixMilli(oldest)).Seconds())
	}

	var acked []int64
	for _, row := range rows {
		if row.Type != cdcport.Insert && row.Type != cdcport.Update {
			continue
		}
		envelope := model.CDCEnvelope{
			Table: row.Table,
			Type:  string(row.Type),
			Data:  []model.CDCRowChange{{Payload: row.Payload}},
		}
		v, err := json.Marshal(envelope)
		if err != nil {
			logger.Warn("cdc: marshal envelope failed, skipping row", "id", row.ID, "error", err)
			continue
		}
		if err := b.pub.Publish(ctx, Topic, bus.Message{Value: v}); err != nil {
			logger.Warn("cdc: publish failed, will retry row next poll", "id", row.ID, "error", err)
			continue
		}
		acked = append(acked, row.ID)
	}

	if len(acked) > 0 {
		if err := b.source.Ack(ctx, acked); err != nil {
			return len(rows), fmt.Errorf("ack: %w", err)
		}
	}
	return len(rows), nil
}

// Stop flips the running flag; the loop returns cleanly on its next
// iteration boundary (spec.md section 4.G shutdown semantics).
func (b *Bridge) Stop() {
	b.running = false
}
