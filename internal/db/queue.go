// Package db: sync queue, status snapshot and conflict log persistence.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// enqueueTx appends a queue item inside an open transaction. The derived
// item ID is unique per (action, entity, millisecond); on a collision the
// timestamp is nudged forward so rapid successive edits each keep their
// own item.
func (r *Repository) enqueueTx(tx *sql.Tx, action, entityType, entityID string, payload json.RawMessage) error {
	ts := time.Now().UnixMilli()
	for attempt := 0; attempt < 5; attempt++ {
		id := models.ItemID(action, entityType, entityID, ts)
		_, err := tx.Exec(`
		INSERT INTO sync_queue (id, action, entity_type, entity_id, payload, timestamp, retries, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, id, action, entityType, entityID, string(payload), ts, models.QueueStatusPending)
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) {
			ts++
			continue
		}
		return errors.Wrap(errors.ErrStorage, "failed to enqueue sync item", err)
	}
	return errors.New(errors.ErrStorage, "failed to enqueue sync item: id collision")
}

// Enqueue appends a queue item outside any entity write. Used when a
// caller needs to re-announce an entity (the entity write paths enqueue
// transactionally and do not go through here).
func (r *Repository) Enqueue(action, entityType, entityID string, payload json.RawMessage) error {
	err := r.inTx(func(tx *sql.Tx) error {
		return r.enqueueTx(tx, action, entityType, entityID, payload)
	})
	if err != nil {
		return err
	}
	r.notifyQueueChange()
	return nil
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(id string) (*models.QueueItem, error) {
	row := r.db.QueryRow(`
	SELECT seq, id, action, entity_type, entity_id, payload, timestamp, retries, status, last_error
	FROM sync_queue WHERE id = ?
	`, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("queue item %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get queue item", err)
	}
	return item, nil
}

// ListPendingQueueItems returns all pending items oldest-first. Seq breaks
// ties between items created within the same millisecond.
func (r *Repository) ListPendingQueueItems() ([]*models.QueueItem, error) {
	return r.queryQueueItems(`
	SELECT seq, id, action, entity_type, entity_id, payload, timestamp, retries, status, last_error
	FROM sync_queue WHERE status = ? ORDER BY timestamp ASC, seq ASC
	`, models.QueueStatusPending)
}

// ListQueueItems returns every queue item oldest-first, regardless of status.
func (r *Repository) ListQueueItems() ([]*models.QueueItem, error) {
	return r.queryQueueItems(`
	SELECT seq, id, action, entity_type, entity_id, payload, timestamp, retries, status, last_error
	FROM sync_queue ORDER BY timestamp ASC, seq ASC
	`)
}

// MarkQueueItemProcessing atomically claims a pending item. Returns false
// if the item was already claimed or is no longer pending, so no two
// callers can hold the same item.
func (r *Repository) MarkQueueItemProcessing(id string) (bool, error) {
	res, err := r.db.Exec(`
	UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?
	`, models.QueueStatusProcessing, id, models.QueueStatusPending)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to claim queue item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to claim queue item", err)
	}
	return n == 1, nil
}

// DeleteQueueItem removes a confirmed item from the queue.
func (r *Repository) DeleteQueueItem(id string) error {
	if _, err := r.db.Exec("DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete queue item", err)
	}
	return nil
}

// RecordQueueItemFailure stores the outcome of a failed delivery attempt.
func (r *Repository) RecordQueueItemFailure(id string, retries int, status, lastError string) error {
	if _, err := r.db.Exec(`
	UPDATE sync_queue SET retries = ?, status = ?, last_error = ? WHERE id = ?
	`, retries, status, nullString(lastError), id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to record queue item failure", err)
	}
	return nil
}

// ReleaseQueueItem returns a processing item to pending, e.g. when
// connectivity drops before its delivery attempt starts.
func (r *Repository) ReleaseQueueItem(id string) error {
	if _, err := r.db.Exec(`
	UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?
	`, models.QueueStatusPending, id, models.QueueStatusProcessing); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to release queue item", err)
	}
	return nil
}

// ResetInFlight returns any items left processing by a previous process
// to pending. Must run at startup before any sync pass is scheduled.
func (r *Repository) ResetInFlight() (int, error) {
	res, err := r.db.Exec(`
	UPDATE sync_queue SET status = ? WHERE status = ?
	`, models.QueueStatusPending, models.QueueStatusProcessing)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to reset in-flight queue items", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RetryFailedQueueItems resets failed items for another round of automatic
// retries. Returns the number of items reset.
func (r *Repository) RetryFailedQueueItems() (int, error) {
	res, err := r.db.Exec(`
	UPDATE sync_queue SET status = ?, retries = 0, last_error = NULL WHERE status = ?
	`, models.QueueStatusPending, models.QueueStatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to retry failed queue items", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueCounts returns the pending and failed item counts plus the most
// recent failure message. The status snapshot is derived from these.
func (r *Repository) QueueCounts() (pending, failed int, lastError string, err error) {
	err = r.db.QueryRow(`
	SELECT
		COUNT(CASE WHEN status = ? THEN 1 END),
		COUNT(CASE WHEN status = ? THEN 1 END)
	FROM sync_queue
	`, models.QueueStatusPending, models.QueueStatusFailed).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, "", errors.Wrap(errors.ErrStorage, "failed to count queue items", err)
	}

	var msg sql.NullString
	err = r.db.QueryRow(`
	SELECT last_error FROM sync_queue WHERE status = ? ORDER BY timestamp DESC, seq DESC LIMIT 1
	`, models.QueueStatusFailed).Scan(&msg)
	if err == sql.ErrNoRows {
		return pending, failed, "", nil
	}
	if err != nil {
		return 0, 0, "", errors.Wrap(errors.ErrStorage, "failed to read last queue error", err)
	}
	if msg.Valid {
		lastError = msg.String
	}
	return pending, failed, lastError, nil
}

// =====================================================
// Status Snapshot
// =====================================================

// SaveStatusSnapshot persists the single snapshot row.
func (r *Repository) SaveStatusSnapshot(s *models.StatusSnapshot) error {
	_, err := r.db.Exec(`
	INSERT INTO sync_status (id, last_sync_time, is_online, pending_count, failed_count, last_error)
	VALUES (1, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_sync_time = excluded.last_sync_time,
		is_online = excluded.is_online,
		pending_count = excluded.pending_count,
		failed_count = excluded.failed_count,
		last_error = excluded.last_error
	`, nullInt64(s.LastSyncTime), s.IsOnline, s.PendingCount, s.FailedCount, nullString(s.LastError))
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save status snapshot", err)
	}
	return nil
}

// GetStatusSnapshot loads the persisted snapshot, or a zero snapshot if
// none has been saved yet.
func (r *Repository) GetStatusSnapshot() (*models.StatusSnapshot, error) {
	var s models.StatusSnapshot
	var lastSync sql.NullInt64
	var lastError sql.NullString
	err := r.db.QueryRow(`
	SELECT last_sync_time, is_online, pending_count, failed_count, last_error
	FROM sync_status WHERE id = 1
	`).Scan(&lastSync, &s.IsOnline, &s.PendingCount, &s.FailedCount, &lastError)
	if err == sql.ErrNoRows {
		return &models.StatusSnapshot{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get status snapshot", err)
	}
	if lastSync.Valid {
		s.LastSyncTime = lastSync.Int64
	}
	if lastError.Valid {
		s.LastError = lastError.String
	}
	return &s, nil
}

// =====================================================
// Conflict Log
// =====================================================

// InsertConflictLog records a resolved conflict.
func (r *Repository) InsertConflictLog(c *models.ConflictLog) error {
	_, err := r.db.Exec(`
	INSERT INTO conflict_log (id, task_id, local_updated_at, remote_updated_at, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.TaskID, c.LocalUpdatedAt, c.RemoteUpdatedAt, c.Resolution, c.DetectedAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to insert conflict log", err)
	}
	return nil
}

// ListConflictLogs returns recorded conflicts, most recent first.
func (r *Repository) ListConflictLogs() ([]*models.ConflictLog, error) {
	rows, err := r.db.Query(`
	SELECT id, task_id, local_updated_at, remote_updated_at, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.TaskID, &c.LocalUpdatedAt, &c.RemoteUpdatedAt,
			&c.Resolution, &c.DetectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan conflict log", err)
		}
		logs = append(logs, &c)
	}
	return logs, rows.Err()
}

func (r *Repository) queryQueueItems(query string, args ...interface{}) ([]*models.QueueItem, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list queue items", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan queue item", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload string
	var lastError sql.NullString
	err := row.Scan(&item.Seq, &item.ID, &item.Action, &item.EntityType, &item.EntityID,
		&payload, &item.Timestamp, &item.Retries, &item.Status, &lastError)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if lastError.Valid {
		item.LastError = lastError.String
	}
	return &item, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint violations in the error text.
	return strings.Contains(err.Error(), "constraint failed")
}
