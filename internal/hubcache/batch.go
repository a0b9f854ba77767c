package hubcache

import (
	"context"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"gorm.io/gorm"
)

// Batch is one flush worth of cached rows. It records the outcome of each
// cloud attempt back onto the cache.
type Batch struct {
	Records   []orders.Record
	// ClientIDs lists the cache rows behind Records.
	ClientIDs []string

	store          *Store
	flushedDirty   map[string]string
	awaitingUpdate map[string]bool
}

// MarkSyncing stamps the attempt.
func (b *Batch) MarkSyncing(ctx context.Context, clientID string) error {
	err := b.store.db.WithContext(ctx).Model(&OrderRow{}).
		Where(queryClientID, clientID).
		Updates(map[string]any{
			"sync_attempts":       gorm.Expr("sync_attempts + 1"),
			"last_sync_attempt_s": b.store.clock().UTC().Unix(),
		}).Error
	if err != nil {
		return orders.StorageFailure(opMarkSyncing, "update_failed", err)
	}
	return nil
}

// MarkSynced stores the cloud id. A row whose order record lands while its
// update record is still queued stays dirty until the update commits. Pending
// changes that arrived after the batch was read keep the row unsynced for the
// next flush.
func (b *Batch) MarkSynced(ctx context.Context, clientID string, cloudID int64) error {
	unlock := b.store.locks.Lock(clientID)
	defer unlock()

	return b.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row OrderRow
		if err := tx.Where(queryClientID, clientID).Take(&row).Error; err != nil {
			return orders.StorageFailure(opMarkSynced, "lookup_failed", err)
		}
		columns := map[string]any{
			"cloud_id":        cloudID,
			"last_sync_error": "",
		}
		if b.awaitingUpdate[clientID] {
			delete(b.awaitingUpdate, clientID)
		} else if row.DirtyUpdates == b.flushedDirty[clientID] {
			columns["synced"] = true
			columns["dirty_updates"] = ""
		}
		if err := tx.Model(&OrderRow{}).Where(queryClientID, clientID).Updates(columns).Error; err != nil {
			return orders.StorageFailure(opMarkSynced, "update_failed", err)
		}
		return nil
	})
}

// MarkFailed records the failure; the row stays unsynced and is retried on every flush.
func (b *Batch) MarkFailed(ctx context.Context, clientID string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	err := b.store.db.WithContext(ctx).Model(&OrderRow{}).
		Where(queryClientID, clientID).
		Update("last_sync_error", message).Error
	if err != nil {
		return orders.StorageFailure(opMarkFailed, "update_failed", err)
	}
	return nil
}
