// Package status maintains the sync status snapshot and notifies
// subscribers whenever it changes.
package status

import (
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
)

// Backend supplies the queue-derived inputs of the snapshot and persists
// the single snapshot row. Implemented by db.Repository.
type Backend interface {
	QueueCounts() (pending, failed int, lastError string, err error)
	SaveStatusSnapshot(s *models.StatusSnapshot) error
}

// Publisher owns the current snapshot. PendingCount and FailedCount are
// always recomputed from the queue; the snapshot never drifts from it.
type Publisher struct {
	mu       sync.Mutex
	backend  Backend
	snapshot models.StatusSnapshot
	subs     map[int]func(models.StatusSnapshot)
	nextID   int
}

// NewPublisher creates a Publisher over the given backend.
func NewPublisher(backend Backend) *Publisher {
	return &Publisher{
		backend: backend,
		subs:    make(map[int]func(models.StatusSnapshot)),
	}
}

// Subscribe registers a callback invoked with every published snapshot.
// The returned function unsubscribes.
func (p *Publisher) Subscribe(fn func(models.StatusSnapshot)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Current returns the most recently published snapshot.
func (p *Publisher) Current() models.StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// SetOnline records a connectivity change and republishes.
func (p *Publisher) SetOnline(online bool) {
	p.mu.Lock()
	next := p.snapshot
	p.mu.Unlock()
	next.IsOnline = online
	p.publish(next)
}

// SetLastSync records a completed sync pass and republishes.
func (p *Publisher) SetLastSync(t time.Time) {
	p.mu.Lock()
	next := p.snapshot
	p.mu.Unlock()
	next.LastSyncTime = t.Unix()
	p.publish(next)
}

// Refresh recomputes the queue-derived fields and republishes.
func (p *Publisher) Refresh() error {
	pending, failed, lastError, err := p.backend.QueueCounts()
	if err != nil {
		logging.Error("failed to recompute status snapshot", err, nil)
		return err
	}

	p.mu.Lock()
	next := p.snapshot
	p.mu.Unlock()
	next.PendingCount = pending
	next.FailedCount = failed
	next.LastError = lastError
	p.publish(next)
	return nil
}

// publish installs next as the current snapshot, persists it and notifies
// subscribers. The published snapshot is the comparison baseline, so any
// field change counts, not just the queue-derived ones.
func (p *Publisher) publish(next models.StatusSnapshot) {
	p.mu.Lock()
	if next.Equal(p.snapshot) {
		p.mu.Unlock()
		return
	}
	p.snapshot = next
	subs := make([]func(models.StatusSnapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	if err := p.backend.SaveStatusSnapshot(&next); err != nil {
		logging.Error("failed to persist status snapshot", err, nil)
	}
	for _, fn := range subs {
		fn(next)
	}
}
