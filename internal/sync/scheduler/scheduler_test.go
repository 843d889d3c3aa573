package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/connectivity"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

type fakeRunner struct {
	mu      sync.Mutex
	passes  int
	block   chan struct{}     // when set, passes wait here
	results []*syncpkg.Result // scripted per-pass results, then drained passes
}

func (f *fakeRunner) Sync(ctx context.Context) (*syncpkg.Result, error) {
	f.mu.Lock()
	f.passes++
	block := f.block
	result := &syncpkg.Result{Drained: true}
	if len(f.results) > 0 {
		result = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return result, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes
}

func newTestScheduler(t *testing.T, runner *fakeRunner, interval time.Duration) (*Scheduler, *connectivity.Monitor) {
	t.Helper()
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	repo := db.NewRepository(store)
	q := queue.NewManager(repo, status.NewPublisher(repo))
	monitor := connectivity.NewMonitor(nil, time.Second)
	return NewScheduler(runner, q, monitor, &Config{Interval: interval}), monitor
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestBecameOnlineTriggersPass(t *testing.T) {
	runner := &fakeRunner{}
	s, monitor := newTestScheduler(t, runner, time.Hour)

	s.Start(context.Background())
	defer s.Stop()

	monitor.SetOnline(true)
	if !waitFor(t, time.Second, func() bool { return runner.count() >= 1 }) {
		t.Fatal("no pass after became-online edge")
	}
}

func TestOfflineSuppressesPasses(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(t, runner, 10*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	if runner.count() != 0 {
		t.Errorf("%d passes while offline", runner.count())
	}
}

func TestPeriodicPassesWhileOnline(t *testing.T) {
	runner := &fakeRunner{}
	s, monitor := newTestScheduler(t, runner, 10*time.Millisecond)
	monitor.SetOnline(true)

	s.Start(context.Background())
	defer s.Stop()

	if !waitFor(t, time.Second, func() bool { return runner.count() >= 2 }) {
		t.Fatalf("only %d passes from the ticker", runner.count())
	}
}

func TestTriggersCoalesceWhilePassRuns(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	s, monitor := newTestScheduler(t, runner, time.Hour)
	monitor.SetOnline(true)

	s.Start(context.Background())
	defer s.Stop()

	s.TriggerSync()
	if !waitFor(t, time.Second, func() bool { return runner.count() == 1 }) {
		t.Fatal("first pass did not start")
	}

	// Many triggers while the pass runs must collapse to one follow-up.
	for i := 0; i < 10; i++ {
		s.TriggerSync()
	}
	close(block)
	runner.mu.Lock()
	runner.block = nil
	runner.mu.Unlock()

	waitFor(t, time.Second, func() bool { return runner.count() >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := runner.count(); got != 2 {
		t.Errorf("%d passes for 1 running + 10 coalesced triggers, want 2", got)
	}
}

func TestInterruptedPassRetriggersButDrainedDoesNot(t *testing.T) {
	runner := &fakeRunner{results: []*syncpkg.Result{{Drained: false}}}
	s, monitor := newTestScheduler(t, runner, time.Hour)
	monitor.SetOnline(true)

	// A pending item that outlives every pass, as after a mid-pass
	// connectivity drop or a delivery failure.
	if err := s.queue.Enqueue(models.ActionCreate, models.EntityTask, "t1",
		json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	// Pass 1 reports interrupted: one immediate follow-up. Pass 2 reports
	// drained with the item still pending (it just failed): no follow-up,
	// or the retry budget would burn out back to back.
	s.TriggerSync()
	if !waitFor(t, time.Second, func() bool { return runner.count() >= 2 }) {
		t.Fatal("interrupted pass did not re-trigger")
	}
	time.Sleep(50 * time.Millisecond)
	if got := runner.count(); got != 2 {
		t.Errorf("%d passes, want 2: drained passes must not re-trigger", got)
	}
}

func TestGetStatusReflectsLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	s, monitor := newTestScheduler(t, runner, time.Hour)
	monitor.SetOnline(true)

	st := s.GetStatus()
	if st.Running || st.State != StateIdle || st.LastSyncTime != nil {
		t.Errorf("initial status = %+v", st)
	}

	s.Start(context.Background())
	defer s.Stop()

	s.TriggerSync()
	if !waitFor(t, time.Second, func() bool { return s.GetStatus().LastSyncTime != nil }) {
		t.Fatal("last sync time never set")
	}
	st = s.GetStatus()
	if !st.Running || st.State != StateIdle {
		t.Errorf("post-pass status = %+v", st)
	}
}

func TestStopWaitsForInFlightPass(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	s, monitor := newTestScheduler(t, runner, time.Hour)
	monitor.SetOnline(true)

	s.Start(context.Background())
	s.TriggerSync()
	if !waitFor(t, time.Second, func() bool { return runner.count() == 1 }) {
		t.Fatal("pass did not start")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a pass was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the pass finished")
	}
}
