package conflict

import (
	"testing"
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/models"
)

func newTestResolver(t *testing.T) (*Resolver, *db.Repository) {
	t.Helper()
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	repo := db.NewRepository(store)
	return NewResolver(repo), repo
}

func TestResolveOverwritesLocalCopy(t *testing.T) {
	resolver, repo := newTestResolver(t)

	local := &models.Task{Title: "local edit", Status: "in_progress"}
	if err := repo.CreateTask(local); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	local.Description = "offline notes"
	if err := repo.UpdateTask(local); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	remote := &models.Task{
		ID:        local.ID,
		Title:     "remote edit",
		Status:    "done",
		Version:   9,
		CreatedAt: local.CreatedAt,
		UpdatedAt: time.Now().Unix(),
	}
	entry, err := resolver.Resolve(remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, err := repo.GetTask(string(local.ID))
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "remote edit" || got.Version != 9 {
		t.Errorf("local copy not replaced: %+v", got)
	}
	if got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("sync status = %s", got.SyncStatus)
	}
	if len(got.LocalChanges) != 0 {
		t.Errorf("local changes survived: %s", got.LocalChanges)
	}
	if got.LastSyncTime == 0 {
		t.Error("last sync time not set")
	}

	if entry.Resolution != ResolutionRemoteWins {
		t.Errorf("resolution = %s", entry.Resolution)
	}
	if entry.LocalUpdatedAt != local.UpdatedAt {
		t.Errorf("local updated at = %d, want %d", entry.LocalUpdatedAt, local.UpdatedAt)
	}

	logs, err := repo.ListConflictLogs()
	if err != nil {
		t.Fatalf("ListConflictLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("conflict log entries = %d", len(logs))
	}
}

func TestResolveInstallsRemoteWhenLocalGone(t *testing.T) {
	resolver, repo := newTestResolver(t)

	remote := &models.Task{
		ID:      "11111111-1111-1111-1111-111111111111",
		Title:   "revived",
		Status:  "open",
		Version: 2,
	}
	if _, err := resolver.Resolve(remote); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, err := repo.GetTask(string(remote.ID))
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "revived" {
		t.Errorf("remote copy not installed: %+v", got)
	}

	logs, _ := repo.ListConflictLogs()
	if len(logs) != 1 || logs[0].LocalUpdatedAt != 0 {
		t.Errorf("conflict log = %+v", logs)
	}
}
