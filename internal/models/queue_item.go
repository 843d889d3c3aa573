// Package models provides data model definitions for FieldSync Core.
package models

import (
	"encoding/json"
	"fmt"
)

// Queue item actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Queue entity types.
const (
	EntityTask  = "task"
	EntityPhoto = "photo"
)

// Queue item statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusFailed     = "failed"
)

// QueueItem is the durable record of one pending mutation awaiting
// delivery to the remote authority.
type QueueItem struct {
	// Seq is assigned by the database and breaks FIFO ties between items
	// created within the same millisecond.
	Seq int64 `db:"seq" json:"seq"`

	// ID is derived from the mutation itself (see ItemID) so that a replay
	// after a crash reuses the same identity, and so the remote side can
	// deduplicate by it.
	ID string `db:"id" json:"id"`

	Action     string          `db:"action" json:"action"`           // create, update, delete
	EntityType string          `db:"entity_type" json:"entity_type"` // task, photo
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // unix millis, defines FIFO order
	Retries    int             `db:"retries" json:"retries"`
	Status     string          `db:"status" json:"status"` // pending, processing, failed
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}

// ItemID derives a stable queue item identity from the mutation. The same
// value doubles as the idempotency key attached to remote requests.
func ItemID(action, entityType, entityID string, timestampMillis int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", action, entityType, entityID, timestampMillis)
}

// EntityKey identifies the entity a queue item belongs to. Items sharing a
// key must be delivered in timestamp order; a failing item blocks later
// items with the same key within a pass.
func (i *QueueItem) EntityKey() string {
	return i.EntityType + ":" + i.EntityID
}
