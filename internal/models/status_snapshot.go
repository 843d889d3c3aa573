// Package models provides data model definitions for FieldSync Core.
package models

import "time"

// StatusSnapshot is the derived, publishable summary of queue and
// connectivity state consumed by the UI layer. It is not a source of
// truth: it must always be recomputable from the sync queue plus the
// connectivity monitor.
type StatusSnapshot struct {
	LastSyncTime int64  `db:"last_sync_time" json:"last_sync_time,omitempty"` // 0 = never
	IsOnline     bool   `db:"is_online" json:"is_online"`
	PendingCount int    `db:"pending_count" json:"pending_count"`
	FailedCount  int    `db:"failed_count" json:"failed_count"`
	LastError    string `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for StatusSnapshot.
func (StatusSnapshot) TableName() string {
	return "sync_status"
}

// LastSync returns LastSyncTime as time.Time, or the zero time if no sync
// has completed yet.
func (s *StatusSnapshot) LastSync() time.Time {
	if s.LastSyncTime == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastSyncTime, 0)
}

// Equal reports whether two snapshots carry the same published state.
func (s StatusSnapshot) Equal(o StatusSnapshot) bool {
	return s == o
}
