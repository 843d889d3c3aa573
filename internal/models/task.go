// Package models provides data model definitions for FieldSync Core.
package models

import (
	"encoding/json"
	"time"
)

// UUID is a string-typed UUID used as a primary key.
type UUID string

// Sync status values shared by tasks and photos.
const (
	SyncStatusPending  = "pending"
	SyncStatusSynced   = "synced"
	SyncStatusConflict = "conflict"
)

// Task represents a field task subject to offline editing and later
// synchronization with the remote authority.
type Task struct {
	ID          UUID   `db:"id" json:"id"`
	FarmID      UUID   `db:"farm_id" json:"farm_id"`
	Title       string `db:"title" json:"title"`
	Description string `db:"description" json:"description"`
	Status      string `db:"status" json:"status"` // open, in_progress, done
	DueDate     int64  `db:"due_date" json:"due_date,omitempty"`

	// Version is assigned by the remote authority and used for conflict
	// detection. 0 means the task has never been accepted remotely.
	Version int `db:"version" json:"version"`

	SyncStatus   string `db:"sync_status" json:"sync_status"`
	LastSyncTime int64  `db:"last_sync_time" json:"last_sync_time,omitempty"` // 0 = never synced

	// LocalChanges captures field edits made since the last successful
	// sync as a field->value map. Consumed only by the conflict resolver.
	LocalChanges json.RawMessage `db:"local_changes" json:"local_changes,omitempty"`

	CreatedAt int64 `db:"created_at" json:"created_at"`
	UpdatedAt int64 `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// LastSync returns LastSyncTime as time.Time, or the zero time if the
// task has never synced.
func (t *Task) LastSync() time.Time {
	if t.LastSyncTime == 0 {
		return time.Time{}
	}
	return time.Unix(t.LastSyncTime, 0)
}
