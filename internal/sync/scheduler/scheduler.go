// Package scheduler triggers sync passes on a periodic interval and on
// offline-to-online transitions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/connectivity"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// Runner is the executor the scheduler drives. Satisfied by *sync.Engine.
type Runner interface {
	Sync(ctx context.Context) (*syncpkg.Result, error)
}

// State is the scheduler's pass state machine: Idle -> Running -> Idle.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Config holds scheduler configuration.
type Config struct {
	// Interval between periodic sync attempts while online.
	Interval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{Interval: 5 * time.Minute}
}

// Scheduler serializes sync passes. All passes run on one loop goroutine,
// so no two passes can overlap; triggers arriving while a pass runs
// coalesce into at most one follow-up pass.
type Scheduler struct {
	engine   Runner
	queue    *queue.Manager
	monitor  *connectivity.Monitor
	interval time.Duration

	trigger chan struct{} // buffered 1: pending-trigger latch
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu           sync.Mutex
	running      bool
	state        State
	lastSyncTime time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(engine Runner, q *queue.Manager, monitor *connectivity.Monitor, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		engine:   engine,
		queue:    q,
		monitor:  monitor,
		interval: config.Interval,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		state:    StateIdle,
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	events, unsubscribe := s.monitor.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.loop(ctx, events)
	}()

	logging.Info("sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

// Stop halts the loop and waits for any in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("sync scheduler stopped", nil)
}

// TriggerSync requests a pass. If one is running the request coalesces
// into the already-latched follow-up.
func (s *Scheduler) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, events <-chan connectivity.Event) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.monitor.Online() {
				s.TriggerSync()
			}
		case event := <-events:
			// Redundant became-online edges from a flapping link collapse
			// into the single latched trigger.
			if event == connectivity.BecameOnline {
				s.TriggerSync()
			}
		case <-s.trigger:
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	if !s.monitor.Online() {
		return
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	result, err := s.engine.Sync(ctx)

	s.mu.Lock()
	s.state = StateIdle
	if err == nil {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		logging.Error("sync pass failed", err, nil)
		return
	}

	logging.Info("sync pass completed", map[string]interface{}{
		"sent":      result.Sent,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"duration":  result.Duration.String(),
	})

	// Items left behind by an interrupted pass get another pass as soon as
	// we are confirmed online. A drained pass leaves only items that just
	// failed; rerunning those immediately would burn their whole retry
	// budget back to back, so they wait for the next tick or edge.
	if !result.Drained && s.queue.HasPending() && s.monitor.Online() {
		s.TriggerSync()
	}
}

// Status describes the scheduler's current state.
type Status struct {
	Running      bool
	State        State
	LastSyncTime *time.Time
	PendingItems int
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.running,
		State:   s.state,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		st.LastSyncTime = &t
	}
	if pending, err := s.queue.PendingCount(); err == nil {
		st.PendingItems = pending
	}
	return st
}
