package db

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/internal/models"
)

func TestEnqueueOrdersByTimestampThenSeq(t *testing.T) {
	repo := newTestRepo(t)

	// Rapid successive enqueues for the same entity land in the same
	// millisecond; the nudged timestamp and seq must preserve FIFO.
	for i := 0; i < 5; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		require.NoError(t, repo.Enqueue(models.ActionUpdate, models.EntityTask, "task-1", payload))
	}

	items, err := repo.ListPendingQueueItems()
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i := 1; i < len(items); i++ {
		assert.Less(t, items[i-1].Seq, items[i].Seq)
		assert.LessOrEqual(t, items[i-1].Timestamp, items[i].Timestamp)
	}
}

func TestMarkQueueItemProcessingClaimsOnce(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Enqueue(models.ActionCreate, models.EntityTask, "t1", json.RawMessage(`{}`)))

	items, err := repo.ListPendingQueueItems()
	require.NoError(t, err)
	id := items[0].ID

	claimed, err := repo.MarkQueueItemProcessing(id)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.MarkQueueItemProcessing(id)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must fail")
}

func TestResetInFlightReturnsProcessingToPending(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Enqueue(models.ActionCreate, models.EntityTask, "t1", json.RawMessage(`{}`)))
	require.NoError(t, repo.Enqueue(models.ActionCreate, models.EntityTask, "t2", json.RawMessage(`{}`)))

	items, err := repo.ListPendingQueueItems()
	require.NoError(t, err)
	_, err = repo.MarkQueueItemProcessing(items[0].ID)
	require.NoError(t, err)

	n, err := repo.ResetInFlight()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := repo.ListPendingQueueItems()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRetryFailedQueueItemsResetsBudget(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Enqueue(models.ActionCreate, models.EntityTask, "t1", json.RawMessage(`{}`)))

	items, err := repo.ListPendingQueueItems()
	require.NoError(t, err)
	id := items[0].ID
	require.NoError(t, repo.RecordQueueItemFailure(id, 3, models.QueueStatusFailed, "remote error 500"))

	pending, failed, lastError, err := repo.QueueCounts()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, failed)
	assert.Equal(t, "remote error 500", lastError)

	n, err := repo.RetryFailedQueueItems()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := repo.GetQueueItem(id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.Retries)
	assert.Empty(t, item.LastError)
}

func TestStatusSnapshotRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	snap, err := repo.GetStatusSnapshot()
	require.NoError(t, err)
	assert.Equal(t, &models.StatusSnapshot{}, snap)

	want := &models.StatusSnapshot{
		LastSyncTime: 1700000000,
		IsOnline:     true,
		PendingCount: 2,
		FailedCount:  1,
		LastError:    "remote rejected write with 422",
	}
	require.NoError(t, repo.SaveStatusSnapshot(want))

	// Saving again overwrites the single row rather than adding one.
	want.PendingCount = 0
	require.NoError(t, repo.SaveStatusSnapshot(want))

	got, err := repo.GetStatusSnapshot()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConflictLogRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	entry := &models.ConflictLog{
		ID:              "c1",
		TaskID:          "t1",
		LocalUpdatedAt:  100,
		RemoteUpdatedAt: 200,
		Resolution:      "remote_wins",
		DetectedAt:      300,
	}
	require.NoError(t, repo.InsertConflictLog(entry))

	logs, err := repo.ListConflictLogs()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entry, logs[0])
}
