// Package sync drains the durable mutation queue against the remote
// authority.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/connectivity"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

// EngineStatus represents the executor's coarse state.
type EngineStatus string

const (
	EngineIdle    EngineStatus = "idle"
	EngineSyncing EngineStatus = "syncing"
	EngineFailed  EngineStatus = "failed"
)

// Engine is the sync executor: it drains the queue sequentially against
// the remote collaborator, one item at a time, and updates per-entity
// sync state after each outcome. All collaborators are injected; there is
// no shared global instance.
type Engine struct {
	repo     *db.Repository
	queue    *queue.Manager
	remote   RemoteClient
	objects  ObjectStore
	resolver *conflict.Resolver
	status   *status.Publisher
	monitor  *connectivity.Monitor

	mu       sync.Mutex
	syncing  bool
	state    EngineStatus
	lastSync *time.Time
	lastErr  error
}

// NewEngine creates an Engine.
func NewEngine(repo *db.Repository, q *queue.Manager, remote RemoteClient,
	objects ObjectStore, resolver *conflict.Resolver, pub *status.Publisher,
	monitor *connectivity.Monitor) *Engine {
	return &Engine{
		repo:     repo,
		queue:    q,
		remote:   remote,
		objects:  objects,
		resolver: resolver,
		status:   pub,
		monitor:  monitor,
		state:    EngineIdle,
	}
}

// Result summarizes one sync pass.
type Result struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Sent      int
	Failed    int
	Conflicts int
	Error     string

	// Drained is true when the pass ran out of deliverable items, as
	// opposed to stopping early on connectivity loss or cancellation.
	// Items still pending after a drained pass are ones that just failed.
	Drained bool
}

// Sync performs one pass over the queue, per the one-pass algorithm:
// dequeue oldest pending, deliver synchronously, update item and entity,
// repeat until the queue is drained or connectivity drops. Only one pass
// may run at a time.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync pass already running")
	}
	e.syncing = true
	e.state = EngineSyncing
	e.lastErr = nil
	e.mu.Unlock()

	result := &Result{StartTime: time.Now()}

	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		e.syncing = false
		if e.lastErr != nil {
			e.state = EngineFailed
			result.Error = e.lastErr.Error()
		} else {
			e.state = EngineIdle
			// A pass cut short by connectivity loss with nothing delivered
			// is not a sync.
			if result.Drained || result.Sent > 0 || result.Conflicts > 0 {
				now := result.EndTime
				e.lastSync = &now
				e.status.SetLastSync(now)
			}
		}
		e.mu.Unlock()

		e.status.Refresh()
	}()

	// Entities whose item failed this pass; their later items must not be
	// delivered out of order, but unrelated entities keep flowing.
	skip := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			e.setErr(errors.Wrap(errors.ErrSyncTransient, "sync pass cancelled", err))
			return result, e.lastErr
		}
		if !e.monitor.Online() {
			logging.Info("connectivity lost, ending sync pass", map[string]interface{}{
				"sent": result.Sent,
			})
			return result, nil
		}

		item, err := e.queue.NextPending(skip)
		if err != nil {
			e.setErr(err)
			return result, err
		}
		if item == nil {
			result.Drained = true
			return result, nil
		}

		resp, err := e.deliver(ctx, item)
		switch {
		case err == nil:
			if err := e.confirm(item, resp); err != nil {
				e.setErr(err)
				return result, err
			}
			result.Sent++

		case errors.IsConflict(err):
			if err := e.resolveConflict(item, resp); err != nil {
				e.setErr(err)
				return result, err
			}
			result.Conflicts++

		default:
			if !e.monitor.Online() {
				// The attempt died with the connection; hand the item back
				// without consuming a retry and let a future pass redo it.
				if relErr := e.queue.Release(item.ID); relErr != nil {
					e.setErr(relErr)
					return result, relErr
				}
				logging.Info("connectivity lost mid-item, released", map[string]interface{}{
					"item_id": item.ID,
				})
				return result, nil
			}
			if failErr := e.queue.Fail(item.ID, err); failErr != nil {
				e.setErr(failErr)
				return result, failErr
			}
			skip[item.EntityKey()] = true
			result.Failed++
		}
	}
}

// deliver sends a single item. Photo binaries go to the object store;
// everything else goes to the remote API.
func (e *Engine) deliver(ctx context.Context, item *models.QueueItem) (*PushResponse, error) {
	if item.EntityType == models.EntityPhoto {
		return nil, e.deliverPhoto(ctx, item)
	}

	return e.remote.Push(ctx, &PushRequest{
		Action:         item.Action,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		Payload:        item.Payload,
		IdempotencyKey: item.ID,
	})
}

func (e *Engine) deliverPhoto(ctx context.Context, item *models.QueueItem) error {
	if item.Action == models.ActionDelete {
		// The local row is already gone; the payload carries the object key.
		var ref struct {
			ObjectKey string `json:"object_key"`
		}
		if err := json.Unmarshal(item.Payload, &ref); err != nil || ref.ObjectKey == "" {
			return nil
		}
		if err := e.objects.Delete(ctx, ref.ObjectKey); err != nil {
			return errors.Wrap(errors.ErrSyncTransient, "photo delete failed", err)
		}
		return nil
	}

	photo, err := e.repo.GetPhoto(item.EntityID)
	if errors.Is(err, errors.ErrNotFound) {
		// Captured and discarded before it ever uploaded; nothing to send.
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.repo.SetPhotoUploadStatus(item.EntityID, models.UploadStatusUploading); err != nil {
		return err
	}
	if err := e.objects.Upload(ctx, photo.ObjectKey(), photo.Data); err != nil {
		// Roll the visible state back so the photo does not stick in
		// "uploading" across passes.
		if stErr := e.repo.SetPhotoUploadStatus(item.EntityID, models.UploadStatusPending); stErr != nil {
			return stErr
		}
		return errors.Wrap(errors.ErrSyncTransient, "photo upload failed", err)
	}
	return nil
}

// confirm removes a delivered item and records the entity's new sync state.
func (e *Engine) confirm(item *models.QueueItem, resp *PushResponse) error {
	now := time.Now()

	switch item.EntityType {
	case models.EntityTask:
		if item.Action != models.ActionDelete {
			version := 0
			if resp != nil {
				version = resp.Version
			}
			if err := e.repo.MarkTaskSynced(item.EntityID, version, now); err != nil {
				return err
			}
		}
	case models.EntityPhoto:
		if item.Action != models.ActionDelete {
			if err := e.repo.MarkPhotoSynced(item.EntityID); err != nil {
				return err
			}
		}
	}

	return e.queue.Complete(item.ID)
}

// resolveConflict runs the resolver and retires the item: a conflicting
// item is neither failed nor retried, it converges and completes.
func (e *Engine) resolveConflict(item *models.QueueItem, resp *PushResponse) error {
	if resp == nil || resp.RemoteTask == nil {
		// Conflict reported without the remote copy; flag the task and
		// retire the item so it does not spin against the same rejection.
		if err := e.repo.MarkTaskConflict(item.EntityID); err != nil {
			return err
		}
		logging.Warn("conflict without remote payload, task flagged", map[string]interface{}{
			"item_id": item.ID,
		})
		return e.queue.Complete(item.ID)
	}

	if _, err := e.resolver.Resolve(resp.RemoteTask); err != nil {
		return err
	}
	return e.queue.Complete(item.ID)
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	logging.Error("sync pass aborted", err, nil)
}

// Status returns the executor's coarse state.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSync returns the completion time of the last clean pass.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the error that aborted the last pass, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}
