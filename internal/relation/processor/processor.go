// Package processor implements the idempotent relation event processor
// (spec.md section 4.H): consume canal-outbox envelopes, dedup by a
// deterministic key, apply the follower-row/sorted-set/counter side
// effects exactly once per dedup window, and either retry or dead-letter
// on repeated failure — the explicit choice SPEC_FULL.md makes for open
// question 3 (the source silently swallowed exceptions before acking).
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knowengage/internal/counter/user"
	"knowengage/internal/logger"
	"knowengage/internal/model"
	"knowengage/internal/platform/bus"
	"knowengage/internal/platform/cachestore"
)

// Group is the relation event processor's consumer group id.
const Group = "relation-outbox-consumer"

const dedupTTL = 10 * time.Minute
const followTTL = 2 * time.Hour
const maxAttempts = 5

func followingsKey(userID int64) string { return fmt.Sprintf("uf:flws:%d", userID) }
func followersKey(userID int64) string  { return fmt.Sprintf("uf:fans:%d", userID) }

func dedupKey(payload model.RelationOutboxPayload) string {
	id := int64(0)
	if payload.RelationID != nil {
		id = *payload.RelationID
	}
	return fmt.Sprintf("dedup:rel:%s:%d:%d:%d", payload.Type, payload.FromUserID, payload.ToUserID, id)
}

// DeadLetter records payloads that failed maxAttempts times so an
// operator can inspect and replay them manually.
type DeadLetter interface {
	Send(ctx context.Context, payload []byte, err error)
}

// Processor is the relation event processor.
type Processor struct {
	store cachestore.Store
	con   bus.Consumer
	users *user.Service
	dlq   DeadLetter
}

func New(store cachestore.Store, con bus.Consumer, users *user.Service, dlq DeadLetter) *Processor {
	return &Processor{store: store, con: con, users: users, dlq: dlq}
}

// Run blocks, processing messages from canal-outbox until ctx is
// canceled. A message is acked once its side effects have either
// succeeded, been deduplicated away, or exhausted maxAttempts and been
// sent to the dead letter — it is never left unacked forever on a
// permanent failure.
func (p *Processor) Run(ctx context.Context) error {
	attempts := make(map[int64]int)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.con.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("processor: fetch failed", "error", err)
			continue
		}

		if err := p.handle(ctx, msg.Value); err != nil {
			attempts[msg.Offset]++
			if attempts[msg.Offset] >= maxAttempts {
				logger.Error("processor: dead-lettering after repeated failures", "offset", msg.Offset, "error", err)
				if p.dlq != nil {
					p.dlq.Send(ctx, msg.Value, err)
				}
				delete(attempts, msg.Offset)
			} else {
				logger.Warn("processor: handle failed, will retry", "offset", msg.Offset, "attempt", attempts[msg.Offset], "error", err)
				continue
			}
		} else {
			delete(attempts, msg.Offset)
		}

		if err := p.con.Commit(ctx, msg); err != nil {
			logger.Warn("processor: commit failed", "error", err)
		}
	}
}

func (p *Processor) handle(ctx context.Context, raw []byte) error {
	var envelope model.CDCEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("processor: unmarshal envelope: %w", err)
	}
	for _, change := range envelope.Data {
		var payload model.RelationOutboxPayload
		if err := json.Unmarshal([]byte(change.Payload), &payload); err != nil {
			return fmt.Errorf("processor: unmarshal payload: %w", err)
		}
		if err := p.applyOnce(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applyOnce(ctx context.Context, payload model.RelationOutboxPayload) error {
	fresh, err := p.store.SetNX(ctx, dedupKey(payload), "1", dedupTTL)
	if err != nil {
		return fmt.Errorf("processor: dedup check: %w", err)
	}
	if !fresh {
		return nil // already applied within the dedup window
	}

	var applyErr error
	switch payload.Type {
	case model.FollowCreated:
		applyErr = p.applyFollowCreated(ctx, payload)
	case model.FollowCanceled:
		applyErr = p.applyFollowCanceled(ctx, payload)
	default:
		logger.Warn("processor: unknown relation event type", "type", payload.Type)
	}
	if applyErr != nil {
		// release the dedup key so a retry is not skipped as a duplicate
		if err := p.store.Del(ctx, dedupKey(payload)); err != nil {
			logger.Warn("processor: release dedup key failed", "error", err)
		}
	}
	return applyErr
}

func (p *Processor) applyFollowCreated(ctx context.Context, payload model.RelationOutboxPayload) error {
	now := float64(time.Now().UnixMilli())
	if err := p.store.ZAdd(ctx, followingsKey(payload.FromUserID), fmt.Sprint(payload.ToUserID), now); err != nil {
		return fmt.Errorf("processor: zadd followings: %w", err)
	}
	if err := p.store.Expire(ctx, followingsKey(payload.FromUserID), followTTL); err != nil {
		return fmt.Errorf("processor: refresh followings ttl: %w", err)
	}
	if err := p.store.ZAdd(ctx, followersKey(payload.ToUserID), fmt.Sprint(payload.FromUserID), now); err != nil {
		return fmt.Errorf("processor: zadd followers: %w", err)
	}
	if err := p.store.Expire(ctx, followersKey(payload.ToUserID), followTTL); err != nil {
		return fmt.Errorf("processor: refresh followers ttl: %w", err)
	}
	if _, err := p.users.IncrementFollowings(ctx, payload.FromUserID, 1); err != nil {
		return fmt.Errorf("processor: increment followings: %w", err)
	}
	if _, err := p.users.IncrementFollowers(ctx, payload.ToUserID, 1); err != nil {
		return fmt.Errorf("processor: increment followers: %w", err)
	}
	return nil
}

func (p *Processor) applyFollowCanceled(ctx context.Context, payload model.RelationOutboxPayload) error {
	if err := p.store.ZRem(ctx, followingsKey(payload.FromUserID), fmt.Sprint(payload.ToUserID)); err != nil {
		return fmt.Errorf("processor: zrem followings: %w", err)
	}
	if err := p.store.ZRem(ctx, followersKey(payload.ToUserID), fmt.Sprint(payload.FromUserID)); err != nil {
		return fmt.Errorf("processor: zrem followers: %w", err)
	}
	if _, err := p.users.IncrementFollowings(ctx, payload.FromUserID, -1); err != nil {
		return fmt.Errorf("processor: decrement followings: %w", err)
	}
	if _, err := p.users.IncrementFollowers(ctx, payload.ToUserID, -1); err != nil {
		return fmt.Errorf("processor: decrement followers: %w", err)
	}
	return nil
}
