package status

import (
	"testing"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/models"
)

type fakeBackend struct {
	pending   int
	failed    int
	lastError string
	saved     []*models.StatusSnapshot
}

func (f *fakeBackend) QueueCounts() (int, int, string, error) {
	return f.pending, f.failed, f.lastError, nil
}

func (f *fakeBackend) SaveStatusSnapshot(s *models.StatusSnapshot) error {
	f.saved = append(f.saved, s)
	return nil
}

func TestRefreshDerivesCountsFromQueue(t *testing.T) {
	backend := &fakeBackend{pending: 3, failed: 1, lastError: "remote error 500"}
	p := NewPublisher(backend)

	if err := p.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	snap := p.Current()
	if snap.PendingCount != 3 || snap.FailedCount != 1 || snap.LastError != "remote error 500" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(backend.saved) != 1 {
		t.Errorf("persisted %d snapshots", len(backend.saved))
	}
}

func TestRefreshSkipsUnchangedSnapshot(t *testing.T) {
	backend := &fakeBackend{pending: 1}
	p := NewPublisher(backend)

	notified := 0
	unsubscribe := p.Subscribe(func(models.StatusSnapshot) { notified++ })
	defer unsubscribe()

	p.Refresh()
	p.Refresh()
	p.Refresh()

	if notified != 1 {
		t.Errorf("notified %d times for one change", notified)
	}
	if len(backend.saved) != 1 {
		t.Errorf("persisted %d snapshots for one change", len(backend.saved))
	}
}

func TestSubscribersSeeEveryChange(t *testing.T) {
	backend := &fakeBackend{pending: 2}
	p := NewPublisher(backend)

	var seen []models.StatusSnapshot
	unsubscribe := p.Subscribe(func(s models.StatusSnapshot) { seen = append(seen, s) })

	p.Refresh()
	backend.pending = 1
	p.Refresh()
	backend.pending = 0
	p.Refresh()

	if len(seen) != 3 {
		t.Fatalf("saw %d snapshots, want 3", len(seen))
	}
	if seen[0].PendingCount != 2 || seen[2].PendingCount != 0 {
		t.Errorf("snapshots = %+v", seen)
	}

	unsubscribe()
	backend.pending = 9
	p.Refresh()
	if len(seen) != 3 {
		t.Error("notified after unsubscribe")
	}
}

func TestRepositoryWritesRepublishSnapshot(t *testing.T) {
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	repo := db.NewRepository(store)
	p := NewPublisher(repo)
	repo.OnQueueChange(func() { p.Refresh() })

	notified := 0
	unsubscribe := p.Subscribe(func(models.StatusSnapshot) { notified++ })
	defer unsubscribe()

	if err := repo.CreateTask(&models.Task{Title: "offline edit"}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if got := p.Current().PendingCount; got != 1 {
		t.Errorf("snapshot pending count = %d after one enqueued mutation, want 1", got)
	}
	if notified != 1 {
		t.Errorf("notified %d times", notified)
	}
}

func TestSetOnlineNotifiesAndPersists(t *testing.T) {
	backend := &fakeBackend{}
	p := NewPublisher(backend)

	var seen []models.StatusSnapshot
	unsubscribe := p.Subscribe(func(s models.StatusSnapshot) { seen = append(seen, s) })
	defer unsubscribe()

	// A pure connectivity transition changes no queue-derived field but is
	// still a snapshot change.
	p.SetOnline(true)
	if !p.Current().IsOnline {
		t.Error("IsOnline not recorded")
	}
	if len(seen) != 1 || !seen[0].IsOnline {
		t.Fatalf("subscriber saw %+v, want one became-online snapshot", seen)
	}
	if len(backend.saved) != 1 || !backend.saved[0].IsOnline {
		t.Fatalf("persisted %+v, want one online snapshot", backend.saved)
	}

	// Repeating the current state publishes nothing.
	p.SetOnline(true)
	if len(seen) != 1 || len(backend.saved) != 1 {
		t.Error("steady state republished")
	}

	p.SetOnline(false)
	if len(seen) != 2 || seen[1].IsOnline {
		t.Errorf("subscriber saw %+v, want a became-offline snapshot", seen)
	}
}

func TestSetLastSyncNotifiesAndPersists(t *testing.T) {
	backend := &fakeBackend{}
	p := NewPublisher(backend)

	notified := 0
	unsubscribe := p.Subscribe(func(models.StatusSnapshot) { notified++ })
	defer unsubscribe()

	when := time.Unix(1700000000, 0)
	p.SetLastSync(when)
	if p.Current().LastSyncTime != when.Unix() {
		t.Errorf("LastSyncTime = %d", p.Current().LastSyncTime)
	}
	if notified != 1 {
		t.Errorf("notified %d times", notified)
	}
	if len(backend.saved) != 1 || backend.saved[0].LastSyncTime != when.Unix() {
		t.Errorf("persisted %+v", backend.saved)
	}
}
