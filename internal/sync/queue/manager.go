// Package queue provides sync queue management for offline mutations.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

// MaxRetries is the automatic delivery retry budget. The failure that
// exhausts it marks the item failed until a caller resets it.
const MaxRetries = 3

// Manager operates on the durable sync queue. Entity writes append items
// transactionally through the repository; the Manager covers everything
// after the append: claiming, completion, failure accounting and manual
// retry. Every state change republishes the status snapshot.
type Manager struct {
	repo   *db.Repository
	status *status.Publisher
	mu     sync.Mutex
}

// NewManager creates a queue Manager.
func NewManager(repo *db.Repository, pub *status.Publisher) *Manager {
	return &Manager{repo: repo, status: pub}
}

// Enqueue appends a pending item with zero retries and republishes.
func (m *Manager) Enqueue(action, entityType, entityID string, payload json.RawMessage) error {
	if err := m.repo.Enqueue(action, entityType, entityID, payload); err != nil {
		return err
	}
	m.refresh()
	return nil
}

// NextPending claims the oldest pending item whose entity key is not in
// skip, atomically marking it processing. Returns (nil, nil) when no
// eligible item remains. The claim is a guarded update, so no two callers
// can receive the same item.
func (m *Manager) NextPending(skip map[string]bool) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.repo.ListPendingQueueItems()
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if skip[item.EntityKey()] {
			continue
		}
		claimed, err := m.repo.MarkQueueItemProcessing(item.ID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		item.Status = models.QueueStatusProcessing
		return item, nil
	}
	return nil, nil
}

// Complete removes a delivered item from the queue.
func (m *Manager) Complete(id string) error {
	if err := m.repo.DeleteQueueItem(id); err != nil {
		return err
	}
	logging.Debug("sync item completed", map[string]interface{}{"item_id": id})
	m.refresh()
	return nil
}

// Fail records a failed delivery attempt. Below the retry budget the item
// returns to pending for the next pass; the attempt that exhausts the
// budget marks it failed and stores the error for manual intervention.
func (m *Manager) Fail(id string, deliveryErr error) error {
	item, err := m.repo.GetQueueItem(id)
	if err != nil {
		return err
	}

	item.Retries++
	nextStatus := models.QueueStatusPending
	if item.Retries >= MaxRetries {
		nextStatus = models.QueueStatusFailed
	}

	if err := m.repo.RecordQueueItemFailure(id, item.Retries, nextStatus, deliveryErr.Error()); err != nil {
		return err
	}

	if nextStatus == models.QueueStatusFailed {
		logging.Warn("sync item failed permanently", map[string]interface{}{
			"item_id": id,
			"retries": item.Retries,
			"error":   deliveryErr.Error(),
		})
	} else {
		logging.Debug("sync item failed, will retry", map[string]interface{}{
			"item_id": id,
			"retries": fmt.Sprintf("%d/%d", item.Retries, MaxRetries),
		})
	}
	m.refresh()
	return nil
}

// Release returns a processing item to pending without consuming a retry,
// e.g. when connectivity drops before the delivery attempt starts.
func (m *Manager) Release(id string) error {
	if err := m.repo.ReleaseQueueItem(id); err != nil {
		return err
	}
	m.refresh()
	return nil
}

// RetryFailed resets all failed items to pending with a fresh retry
// budget. Returns the number of items reset.
func (m *Manager) RetryFailed() (int, error) {
	n, err := m.repo.RetryFailedQueueItems()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("failed sync items reset for retry", map[string]interface{}{"count": n})
		m.refresh()
	}
	return n, nil
}

// ResetInFlight returns items left processing by a previous process to
// pending. Must be called at startup before scheduling resumes.
func (m *Manager) ResetInFlight() (int, error) {
	n, err := m.repo.ResetInFlight()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("reset in-flight sync items from previous run", map[string]interface{}{"count": n})
		m.refresh()
	}
	return n, nil
}

// PendingCount returns the number of pending items.
func (m *Manager) PendingCount() (int, error) {
	pending, _, _, err := m.repo.QueueCounts()
	return pending, err
}

// HasPending reports whether any pending item remains.
func (m *Manager) HasPending() bool {
	pending, err := m.PendingCount()
	return err == nil && pending > 0
}

func (m *Manager) refresh() {
	if m.status != nil {
		m.status.Refresh()
	}
}
