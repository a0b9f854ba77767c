package cloudsync

import (
	"context"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
)

// QueueStore is the subset of the device queue the ledger drives.
type QueueStore interface {
	UpdateStatus(ctx context.Context, clientID string, status orders.SyncStatus, errMsg string) error
	Remove(ctx context.Context, clientID string) error
}

// QueueLedger keeps device-queue bookkeeping. Synced records are purged.
type QueueLedger struct {
	queue QueueStore
}

// NewQueueLedger wraps a device queue.
func NewQueueLedger(queue QueueStore) *QueueLedger {
	return &QueueLedger{queue: queue}
}

// MarkSyncing implements Ledger.
func (l *QueueLedger) MarkSyncing(ctx context.Context, clientID string) error {
	return l.queue.UpdateStatus(ctx, clientID, orders.SyncStatusSyncing, "")
}

// MarkSynced implements Ledger.
func (l *QueueLedger) MarkSynced(ctx context.Context, clientID string, _ int64) error {
	if err := l.queue.UpdateStatus(ctx, clientID, orders.SyncStatusSynced, ""); err != nil {
		return err
	}
	return l.queue.Remove(ctx, clientID)
}

// MarkFailed implements Ledger.
func (l *QueueLedger) MarkFailed(ctx context.Context, clientID string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return l.queue.UpdateStatus(ctx, clientID, orders.SyncStatusFailed, message)
}
