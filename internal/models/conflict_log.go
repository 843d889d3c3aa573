// Package models provides data model definitions for FieldSync Core.
package models

import "time"

// ConflictLog records a resolved divergence between local and remote task
// state. The resolution policy is lossy (remote wins), so the log is the
// only trace of discarded local edits.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	TaskID          UUID   `db:"task_id" json:"task_id"`
	LocalUpdatedAt  int64  `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt int64  `db:"remote_updated_at" json:"remote_updated_at"`
	Resolution      string `db:"resolution" json:"resolution"` // remote_wins
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
