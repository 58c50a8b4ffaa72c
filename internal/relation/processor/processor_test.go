package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"knowengage/internal/counter/user"
	"knowengage/internal/model"
	"knowengage/internal/platform/bus"
	"knowengage/internal/platform/cachestore/cachestoretest"
)

type queueConsumer struct {
	mu        sync.Mutex
	msgs      []bus.ConsumedMessage
	pos       int
	committed []int64
}

func (q *queueConsumer) Fetch(ctx context.Context) (bus.ConsumedMessage, error) {
	q.mu.Lock()
	if q.pos >= len(q.msgs) {
		q.mu.Unlock()
		<-ctx.Done()
		return bus.ConsumedMessage{}, ctx.Err()
	}
	m := q.msgs[q.pos]
	q.pos++
	q.mu.Unlock()
	return m, nil
}

func (q *queueConsumer) Commit(ctx context.Context, msg bus.ConsumedMessage) error {
	q.mu.Lock()
	q.committed = append(q.committed, msg.Offset)
	q.mu.Unlock()
	return nil
}

func (q *queueConsumer) Close() error { return nil }

func (q *queueConsumer) commitCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.committed)
}

func envelopeFor(t *testing.T, payload model.RelationOutboxPayload) []byte {
	t.Helper()
	pj, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env := model.CDCEnvelope{Table: "outbox", Type: "INSERT", Data: []model.CDCRowChange{{Payload: string(pj)}}}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestProcessor_AppliesFollowCreatedOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cachestoretest.New()
	users := user.New(store, nil, nil)

	raw := envelopeFor(t, model.RelationOutboxPayload{Type: model.FollowCreated, FromUserID: 1, ToUserID: 2})
	q := &queueConsumer{msgs: []bus.ConsumedMessage{
		{Message: bus.Message{Value: raw}, Offset: 0},
		{Message: bus.Message{Value: raw}, Offset: 1}, // redelivery of the same payload
	}}

	p := New(store, q, users, nil)
	go func() { _ = p.Run(ctx) }()

	waitForCommits(t, q, 2)

	members, err := store.ZRevRange(ctx, "uf:flws:1", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "2" {
		t.Fatalf("expected followings set to contain exactly [2], got %+v", members)
	}

	values, _, err := users.GetAll(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if values[0] != 1 {
		t.Fatalf("expected followings incremented exactly once despite redelivery, got %d", values[0])
	}
}

func TestProcessor_AppliesFollowCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cachestoretest.New()
	users := user.New(store, nil, nil)

	created := envelopeFor(t, model.RelationOutboxPayload{Type: model.FollowCreated, FromUserID: 1, ToUserID: 2})
	canceled := envelopeFor(t, model.RelationOutboxPayload{Type: model.FollowCanceled, FromUserID: 1, ToUserID: 2})
	q := &queueConsumer{msgs: []bus.ConsumedMessage{
		{Message: bus.Message{Value: created}, Offset: 0},
		{Message: bus.Message{Value: canceled}, Offset: 1},
	}}

	p := New(store, q, users, nil)
	go func() { _ = p.Run(ctx) }()

	waitForCommits(t, q, 2)

	members, err := store.ZRevRange(ctx, "uf:flws:1", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Fatalf("expected followings set empty after cancel, got %+v", members)
	}

	values, _, err := users.GetAll(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if values[0] != 0 {
		t.Fatalf("expected net-zero followings after create+cancel, got %d", values[0])
	}
}

type recordingDLQ struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (d *recordingDLQ) Send(ctx context.Context, payload []byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
}

func (d *recordingDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

func TestProcessor_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cachestoretest.New()
	users := user.New(store, nil, nil)

	env := model.CDCEnvelope{Table: "outbox", Type: "INSERT", Data: []model.CDCRowChange{{Payload: "not-json"}}}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	// The fake consumer has no real offset-commit semantics, so a retried
	// fetch must be modeled as redelivering the same offset: five copies
	// of the same malformed message, matching maxAttempts.
	msgs := make([]bus.ConsumedMessage, maxAttempts)
	for i := range msgs {
		msgs[i] = bus.ConsumedMessage{Message: bus.Message{Value: raw}, Offset: 0}
	}
	q := &queueConsumer{msgs: msgs}
	dlq := &recordingDLQ{}

	p := New(store, q, users, dlq)
	go func() { _ = p.Run(ctx) }()

	waitForCommits(t, q, 1)

	if dlq.count() != 1 {
		t.Fatalf("expected exactly one dead-lettered payload, got %d", dlq.count())
	}
}

func waitForCommits(t *testing.T, q *queueConsumer, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if q.commitCount() >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for processor to commit")
		case <-time.After(time.Millisecond):
		}
	}
}
