// Package model holds wire types shared across components: the counter
// delta event (bus + in-process notification), the relation outbox
// payloads, and the generic entity outbox payload consumed by search.
package model

// CounterDeltaEvent is the event shape from spec.md section 4.E / 6,
// published to the "counter-events" topic (partitioned by EntityID) and
// also delivered synchronously in-process to local listeners (spec.md
// section 4.C: "local notifications MUST be delivered on the same
// goroutine ... before the write returns").
type CounterDeltaEvent struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Metric     string `json:"metric"`
	Idx        int    `json:"idx"`
	UserID     int64  `json:"userId"`
	Delta      int64  `json:"delta"`
}

// RelationEventType enumerates the outbox payload's "type" field for
// relation events (spec.md section 3).
type RelationEventType string

const (
	FollowCreated  RelationEventType = "FollowCreated"
	FollowCanceled RelationEventType = "FollowCanceled"
)

// RelationOutboxPayload is the JSON payload written to the outbox table in
// the same transaction as the relation row (spec.md section 4.F) and
// republished by the CDC bridge onto canal-outbox.
type RelationOutboxPayload struct {
	Type       RelationEventType `json:"type"`
	FromUserID int64             `json:"fromUserId"`
	ToUserID   int64             `json:"toUserId"`
	RelationID *int64            `json:"id,omitempty"`
}

// EntityOp enumerates the generic outbox payload's "op" field, consumed by
// the (external) search indexer.
type EntityOp string

const (
	OpUpsert EntityOp = "upsert"
	OpDelete EntityOp = "delete"
)

// GenericOutboxPayload is the generic entity-change outbox payload
// (spec.md section 6) — not produced by this service today, but part of
// the outbox/CDC contract it shares the table and bridge with.
type GenericOutboxPayload struct {
	Entity string   `json:"entity"`
	Op     EntityOp `json:"op"`
	ID     int64    `json:"id"`
}

// CDCEnvelope is what the CDC bridge publishes to canal-outbox (spec.md
// section 6): table name (carried for logging only, routing is by the
// embedded payload's type), change type, and the embedded row payloads.
type CDCEnvelope struct {
	Table string         `json:"table"`
	Type  string         `json:"type"` // "INSERT" | "UPDATE"
	Data  []CDCRowChange `json:"data"`
}

// CDCRowChange carries one changed row's outbox payload column, still
// JSON-encoded exactly as it was stored (embedded JSON string).
type CDCRowChange struct {
	Payload string `json:"payload"`
}
