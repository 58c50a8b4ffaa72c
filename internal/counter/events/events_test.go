package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"knowengage/internal/counter/packedcounter"
	"knowengage/internal/model"
	"knowengage/internal/platform/bus"
	"knowengage/internal/platform/cachestore/cachestoretest"
)

// fakeProducer records published messages for assertions.
type fakeProducer struct {
	published []bus.Message
	topics    []string
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, msg bus.Message) error {
	p.topics = append(p.topics, topic)
	p.published = append(p.published, msg)
	return nil
}
func (p *fakeProducer) Close() error { return nil }

func TestProducer_PublishesPartitionedByEntityID(t *testing.T) {
	ctx := context.Background()
	fp := &fakeProducer{}
	p := NewProducer(fp)

	e := model.CounterDeltaEvent{EntityType: "knowpost", EntityID: "100", Metric: "like", Idx: 1, UserID: 42, Delta: 1}
	if err := p.Publish(ctx, e); err != nil {
		t.Fatal(err)
	}
	if len(fp.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(fp.published))
	}
	if fp.topics[0] != Topic {
		t.Fatalf("expected topic %s, got %s", Topic, fp.topics[0])
	}
	if string(fp.published[0].Key) != "100" {
		t.Fatalf("expected partition key = entity id, got %q", fp.published[0].Key)
	}
	var got model.CounterDeltaEvent
	if err := json.Unmarshal(fp.published[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	if got != e {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, e)
	}
}

// queueConsumer is an in-memory bus.Consumer fed from a slice, used to
// drive the aggregation consumer deterministically in tests.
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

func TestAggregationConsumer_FoldsDeltaIntoHashAndIndexesBucket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cachestoretest.New()

	e := model.CounterDeltaEvent{EntityType: "knowpost", EntityID: "100", Metric: "like", Idx: 1, UserID: 42, Delta: 3}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	q := &queueConsumer{msgs: []bus.ConsumedMessage{
		{Message: bus.Message{Key: []byte("100"), Value: raw}, Topic: Topic, Partition: 0, Offset: 0},
	}}

	con := NewAggregationConsumer(store, q)
	go func() {
		_ = con.Run(ctx)
	}()

	waitForCommit(t, q)

	hashKey := aggBucketKey("knowpost", "100")
	fields, err := store.HGetAll(ctx, hashKey)
	if err != nil {
		t.Fatal(err)
	}
	if fields["1"] != "3" {
		t.Fatalf("expected folded delta 3 in field 1, got %+v", fields)
	}

	members, err := store.SMembers(ctx, aggIndexKey())
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != hashKey {
		t.Fatalf("expected bucket indexed, got %+v", members)
	}
}

func waitForCommit(t *testing.T, q *queueConsumer) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if q.commitCount() > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for aggregation consumer to commit")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestFlusher_FoldsAndDeletesBucketField(t *testing.T) {
	ctx := context.Background()
	store := cachestoretest.New()

	if _, err := store.HIncrBy(ctx, aggBucketKey("knowpost", "100"), "1", 4); err != nil {
		t.Fatal(err)
	}
	if err := store.SAdd(ctx, aggIndexKey(), aggBucketKey("knowpost", "100")); err != nil {
		t.Fatal(err)
	}

	f := NewFlusher(store)
	if err := f.flushOnce(ctx); err != nil {
		t.Fatal(err)
	}

	blob, found, err := packedcounter.Get(ctx, store, counterKeyFromAggKey(aggBucketKey("knowpost", "100")))
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected snapshot to exist after flush")
	}
	values, needsRebuild := packedcounter.Decode(blob, []int{1})
	if needsRebuild {
		t.Fatalf("unexpected needsRebuild")
	}
	if values[1] != 4 {
		t.Fatalf("expected segment 1 = 4, got %d", values[1])
	}

	members, err := store.SMembers(ctx, aggIndexKey())
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty bucket removed from index, got %+v", members)
	}
}
