// Package db provides CRUD repository operations for FieldSync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Repository is the single-writer API over the local store. Task and photo
// mutations pair the primary write with a sync queue append inside one
// transaction: if queueing fails, the write fails, so no sync intent is
// ever lost silently.
type Repository struct {
	db *sql.DB

	// notify runs after every committed write that changed the queue.
	notify func()
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB}
}

// OnQueueChange registers fn to run after each committed write that
// appends a queue item, so the status snapshot can be republished
// without the caller going through the queue manager.
func (r *Repository) OnQueueChange(fn func()) {
	r.notify = fn
}

func (r *Repository) notifyQueueChange() {
	if r.notify != nil {
		r.notify()
	}
}

// =====================================================
// Task Operations
// =====================================================

// CreateTask persists a new task and enqueues a create mutation.
func (r *Repository) CreateTask(task *models.Task) error {
	now := time.Now().Unix()
	if task.ID == "" {
		task.ID = models.UUID(uuid.New())
	}
	task.Version = 0
	task.SyncStatus = models.SyncStatusPending
	task.CreatedAt = now
	task.UpdatedAt = now

	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode task payload", err)
	}

	err = r.inTx(func(tx *sql.Tx) error {
		query := `
		INSERT INTO tasks (id, farm_id, title, description, status, due_date, version,
			sync_status, last_sync_time, local_changes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		`
		if _, err := tx.Exec(query, task.ID, task.FarmID, task.Title, task.Description,
			task.Status, nullInt64(task.DueDate), task.Version, task.SyncStatus,
			task.CreatedAt, task.UpdatedAt); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to insert task", err)
		}
		return r.enqueueTx(tx, models.ActionCreate, models.EntityTask, string(task.ID), payload)
	})
	if err != nil {
		return err
	}
	r.notifyQueueChange()
	return nil
}

// UpdateTask persists task field edits and enqueues an update mutation.
// Edited fields are folded into the task's LocalChanges map so the
// conflict resolver can see what diverged since the last sync.
func (r *Repository) UpdateTask(task *models.Task) error {
	existing, err := r.GetTask(string(task.ID))
	if err != nil {
		return err
	}

	task.LocalChanges, err = mergeLocalChanges(existing, task)
	if err != nil {
		return err
	}
	task.SyncStatus = models.SyncStatusPending
	task.UpdatedAt = time.Now().Unix()
	task.CreatedAt = existing.CreatedAt
	task.Version = existing.Version
	task.LastSyncTime = existing.LastSyncTime

	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode task payload", err)
	}

	err = r.inTx(func(tx *sql.Tx) error {
		query := `
		UPDATE tasks SET farm_id = ?, title = ?, description = ?, status = ?, due_date = ?,
			sync_status = ?, local_changes = ?, updated_at = ?
		WHERE id = ?
		`
		if _, err := tx.Exec(query, task.FarmID, task.Title, task.Description, task.Status,
			nullInt64(task.DueDate), task.SyncStatus, nullRaw(task.LocalChanges),
			task.UpdatedAt, task.ID); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to update task", err)
		}
		return r.enqueueTx(tx, models.ActionUpdate, models.EntityTask, string(task.ID), payload)
	})
	if err != nil {
		return err
	}
	r.notifyQueueChange()
	return nil
}

// DeleteTask removes a task locally and enqueues a delete mutation.
func (r *Repository) DeleteTask(id string) error {
	payload, _ := json.Marshal(map[string]string{"id": id})

	err := r.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to delete task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrNotFound, fmt.Sprintf("task %s not found", id))
		}
		return r.enqueueTx(tx, models.ActionDelete, models.EntityTask, id, payload)
	})
	if err != nil {
		return err
	}
	r.notifyQueueChange()
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(id string) (*models.Task, error) {
	query := `
	SELECT id, farm_id, title, description, status, due_date, version,
		   sync_status, last_sync_time, local_changes, created_at, updated_at
	FROM tasks WHERE id = ?
	`
	task, err := scanTask(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get task", err)
	}
	return task, nil
}

// ListTasks returns tasks for a farm, newest first. An empty farmID
// returns all tasks.
func (r *Repository) ListTasks(farmID string) ([]*models.Task, error) {
	query := `
	SELECT id, farm_id, title, description, status, due_date, version,
		   sync_status, last_sync_time, local_changes, created_at, updated_at
	FROM tasks
	`
	var args []interface{}
	if farmID != "" {
		query += " WHERE farm_id = ?"
		args = append(args, farmID)
	}
	query += " ORDER BY created_at DESC"

	return r.queryTasks(query, args...)
}

// ListTasksBySyncStatus returns tasks with the given sync status.
func (r *Repository) ListTasksBySyncStatus(syncStatus string) ([]*models.Task, error) {
	query := `
	SELECT id, farm_id, title, description, status, due_date, version,
		   sync_status, last_sync_time, local_changes, created_at, updated_at
	FROM tasks WHERE sync_status = ? ORDER BY created_at DESC
	`
	return r.queryTasks(query, syncStatus)
}

// MarkTaskSynced records a confirmed remote write: sync status becomes
// synced, local changes are discarded and the remote-assigned version is
// stored. No queue item is appended.
func (r *Repository) MarkTaskSynced(id string, version int, when time.Time) error {
	query := `
	UPDATE tasks SET sync_status = ?, last_sync_time = ?, local_changes = NULL, version = ?
	WHERE id = ?
	`
	if _, err := r.db.Exec(query, models.SyncStatusSynced, when.Unix(), version, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark task synced", err)
	}
	return nil
}

// MarkTaskConflict flags a task whose remote write was rejected with a
// version mismatch and that the resolver has not yet processed.
func (r *Repository) MarkTaskConflict(id string) error {
	if _, err := r.db.Exec("UPDATE tasks SET sync_status = ? WHERE id = ?",
		models.SyncStatusConflict, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark task conflict", err)
	}
	return nil
}

// ReplaceTask upserts a task without touching the sync queue. Used by the
// conflict resolver to install the remote copy verbatim.
func (r *Repository) ReplaceTask(task *models.Task) error {
	query := `
	INSERT INTO tasks (id, farm_id, title, description, status, due_date, version,
		sync_status, last_sync_time, local_changes, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		farm_id = excluded.farm_id,
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		due_date = excluded.due_date,
		version = excluded.version,
		sync_status = excluded.sync_status,
		last_sync_time = excluded.last_sync_time,
		local_changes = excluded.local_changes,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, task.ID, task.FarmID, task.Title, task.Description,
		task.Status, nullInt64(task.DueDate), task.Version, task.SyncStatus,
		nullInt64(task.LastSyncTime), nullRaw(task.LocalChanges),
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to replace task", err)
	}
	return nil
}

// =====================================================
// Photo Operations
// =====================================================

// CreatePhoto persists a captured photo and enqueues a create mutation.
// The queue payload carries the photo metadata only; the binary stays in
// the local store until the executor uploads it.
func (r *Repository) CreatePhoto(photo *models.Photo) error {
	now := time.Now().Unix()
	if photo.ID == "" {
		photo.ID = models.UUID(uuid.New())
	}
	if photo.CapturedAt == 0 {
		photo.CapturedAt = now
	}
	photo.UploadStatus = models.UploadStatusPending
	photo.SyncStatus = models.SyncStatusPending
	photo.CreatedAt = now

	payload, err := json.Marshal(photo)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode photo payload", err)
	}

	err = r.inTx(func(tx *sql.Tx) error {
		query := `
		INSERT INTO photos (id, task_id, data, captured_at, latitude, longitude,
			upload_status, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		var lat, lng interface{}
		if photo.HasLocation {
			lat, lng = photo.Latitude, photo.Longitude
		}
		if _, err := tx.Exec(query, photo.ID, photo.TaskID, photo.Data, photo.CapturedAt,
			lat, lng, photo.UploadStatus, photo.SyncStatus, photo.CreatedAt); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to insert photo", err)
		}
		return r.enqueueTx(tx, models.ActionCreate, models.EntityPhoto, string(photo.ID), payload)
	})
	if err != nil {
		return err
	}
	r.notifyQueueChange()
	return nil
}

// DeletePhoto removes a photo locally and enqueues a delete mutation. The
// queue payload carries the object-store key, since the local row (and
// with it the key derivation) is gone by the time the item is delivered.
func (r *Repository) DeletePhoto(id string) error {
	photo, err := r.GetPhoto(id)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"id": id, "object_key": photo.ObjectKey()})

	err = r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM photos WHERE id = ?", id); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to delete photo", err)
		}
		return r.enqueueTx(tx, models.ActionDelete, models.EntityPhoto, id, payload)
	})
	if err != nil {
		return err
	}
	r.notifyQueueChange()
	return nil
}

// GetPhoto retrieves a photo by ID, including its binary payload.
func (r *Repository) GetPhoto(id string) (*models.Photo, error) {
	query := `
	SELECT id, task_id, data, captured_at, latitude, longitude,
		   upload_status, sync_status, created_at
	FROM photos WHERE id = ?
	`
	photo, err := scanPhoto(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("photo %s not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get photo", err)
	}
	return photo, nil
}

// ListPhotosByTask returns all photos attached to a task.
func (r *Repository) ListPhotosByTask(taskID string) ([]*models.Photo, error) {
	return r.queryPhotos(`
	SELECT id, task_id, data, captured_at, latitude, longitude,
		   upload_status, sync_status, created_at
	FROM photos WHERE task_id = ? ORDER BY captured_at ASC
	`, taskID)
}

// ListPhotosByUploadStatus returns photos in the given upload state.
func (r *Repository) ListPhotosByUploadStatus(uploadStatus string) ([]*models.Photo, error) {
	return r.queryPhotos(`
	SELECT id, task_id, data, captured_at, latitude, longitude,
		   upload_status, sync_status, created_at
	FROM photos WHERE upload_status = ? ORDER BY captured_at ASC
	`, uploadStatus)
}

// SetPhotoUploadStatus transitions a photo's upload state.
func (r *Repository) SetPhotoUploadStatus(id, uploadStatus string) error {
	if _, err := r.db.Exec("UPDATE photos SET upload_status = ? WHERE id = ?",
		uploadStatus, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to set photo upload status", err)
	}
	return nil
}

// MarkPhotoSynced records a confirmed upload.
func (r *Repository) MarkPhotoSynced(id string) error {
	if _, err := r.db.Exec("UPDATE photos SET upload_status = ?, sync_status = ? WHERE id = ?",
		models.UploadStatusUploaded, models.SyncStatusSynced, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark photo synced", err)
	}
	return nil
}

// =====================================================
// Helpers
// =====================================================

func (r *Repository) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to commit transaction", err)
	}
	return nil
}

func (r *Repository) queryTasks(query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list tasks", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan task", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *Repository) queryPhotos(query string, args ...interface{}) ([]*models.Photo, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list photos", err)
	}
	defer rows.Close()

	var photos []*models.Photo
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan photo", err)
		}
		photos = append(photos, photo)
	}
	return photos, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var dueDate, lastSync sql.NullInt64
	var localChanges sql.NullString
	err := row.Scan(&task.ID, &task.FarmID, &task.Title, &task.Description, &task.Status,
		&dueDate, &task.Version, &task.SyncStatus, &lastSync, &localChanges,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dueDate.Valid {
		task.DueDate = dueDate.Int64
	}
	if lastSync.Valid {
		task.LastSyncTime = lastSync.Int64
	}
	if localChanges.Valid {
		task.LocalChanges = json.RawMessage(localChanges.String)
	}
	return &task, nil
}

func scanPhoto(row rowScanner) (*models.Photo, error) {
	var photo models.Photo
	var lat, lng sql.NullFloat64
	err := row.Scan(&photo.ID, &photo.TaskID, &photo.Data, &photo.CapturedAt,
		&lat, &lng, &photo.UploadStatus, &photo.SyncStatus, &photo.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		photo.Latitude = lat.Float64
		photo.Longitude = lng.Float64
		photo.HasLocation = true
	}
	return &photo, nil
}

// mergeLocalChanges folds the fields edited by this update into the
// already-accumulated local change map.
func mergeLocalChanges(existing, updated *models.Task) (json.RawMessage, error) {
	changes := map[string]interface{}{}
	if len(existing.LocalChanges) > 0 {
		if err := json.Unmarshal(existing.LocalChanges, &changes); err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "failed to decode local changes", err)
		}
	}

	if updated.Title != existing.Title {
		changes["title"] = updated.Title
	}
	if updated.Description != existing.Description {
		changes["description"] = updated.Description
	}
	if updated.Status != existing.Status {
		changes["status"] = updated.Status
	}
	if updated.DueDate != existing.DueDate {
		changes["due_date"] = updated.DueDate
	}
	if updated.FarmID != existing.FarmID {
		changes["farm_id"] = updated.FarmID
	}

	if len(changes) == 0 {
		return existing.LocalChanges, nil
	}
	return json.Marshal(changes)
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullRaw(v json.RawMessage) interface{} {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
