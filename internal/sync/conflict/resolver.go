// Package conflict resolves divergence between local and remote task state.
package conflict

import (
	"time"

	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// ResolutionRemoteWins is the only resolution the engine applies: the
// remote copy overwrites the local one and offline edits are discarded.
// The discarded side is preserved in the conflict log for user awareness.
const ResolutionRemoteWins = "remote_wins"

// Resolver applies the remote-wins policy.
type Resolver struct {
	repo *db.Repository
}

// NewResolver creates a Resolver over the local store.
func NewResolver(repo *db.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve installs the remote task over the local copy, clears local
// changes, marks the task synced and records a conflict log entry. The
// local task may already be gone (e.g. a delete raced the remote edit);
// resolution still installs the remote copy so both sides converge.
func (r *Resolver) Resolve(remote *models.Task) (*models.ConflictLog, error) {
	now := time.Now()
	localUpdatedAt := int64(0)
	if local, err := r.repo.GetTask(string(remote.ID)); err == nil {
		localUpdatedAt = local.UpdatedAt
	}

	remote.SyncStatus = models.SyncStatusSynced
	remote.LastSyncTime = now.Unix()
	remote.LocalChanges = nil
	if remote.CreatedAt == 0 {
		remote.CreatedAt = now.Unix()
	}
	if remote.UpdatedAt == 0 {
		remote.UpdatedAt = now.Unix()
	}

	if err := r.repo.ReplaceTask(remote); err != nil {
		return nil, err
	}

	entry := &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		TaskID:          remote.ID,
		LocalUpdatedAt:  localUpdatedAt,
		RemoteUpdatedAt: remote.UpdatedAt,
		Resolution:      ResolutionRemoteWins,
		DetectedAt:      now.Unix(),
	}
	if err := r.repo.InsertConflictLog(entry); err != nil {
		// The task itself converged; a missing log entry is not fatal.
		logging.Error("failed to record conflict log", err, map[string]interface{}{
			"task_id": remote.ID,
		})
	}

	logging.Warn("conflict resolved, remote copy installed", map[string]interface{}{
		"task_id":           remote.ID,
		"local_updated_at":  localUpdatedAt,
		"remote_updated_at": remote.UpdatedAt,
		"resolution":        ResolutionRemoteWins,
	})

	return entry, nil
}
