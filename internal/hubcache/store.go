package hubcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opInsert      = "hubcache.insert"
	opApplyUpdate = "hubcache.apply_update"
	opGet         = "hubcache.get"
	opList        = "hubcache.list"
	opFlushBatch  = "hubcache.flush_batch"
	opMarkSyncing = "hubcache.mark_syncing"
	opMarkSynced  = "hubcache.mark_synced"
	opMarkFailed  = "hubcache.mark_failed"
	opCleanup     = "hubcache.cleanup"
	opStats       = "hubcache.stats"

	queryClientID    = "client_id = ?"
	orderReceivedAsc = "received_at_s ASC, client_id ASC"
)

var errMissingDatabase = errors.New("database handle is required")

// Config describes the Store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists relayed orders. Writes for the same client id are serialized.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	locks  *keyedMutex
}

// Stats summarizes cache contents for the hub status surface.
type Stats struct {
	Total    int64 `json:"total"`
	Unsynced int64 `json:"unsynced"`
	Dirty    int64 `json:"dirty"`
}

// New constructs a Store over a migrated database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, orders.NewServiceError("hubcache.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger, locks: newKeyedMutex()}, nil
}

// InsertIfAbsent stores a relayed order with its items. It reports false when
// the client id is already cached, in which case nothing changes.
func (s *Store) InsertIfAbsent(ctx context.Context, order orders.Order, items []orders.Item) (bool, error) {
	clientID, err := orders.ValidateClientID(order.ClientID)
	if err != nil {
		return false, orders.NewServiceError(opInsert, "invalid_client_id", err)
	}
	order.ClientID = clientID
	order.Kind = orders.KindOrder
	if err := order.Validate(); err != nil {
		return false, orders.NewServiceError(opInsert, "invalid_order", err)
	}
	if err := orders.ValidateItems(items); err != nil {
		return false, orders.NewServiceError(opInsert, "invalid_items", err)
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	row := rowFromOrder(order, items, s.clock().UTC().Unix())
	itemRows := row.Items
	row.Items = nil
	inserted := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, DoNothing: true}).
			Create(&row)
		if result.Error != nil {
			return orders.StorageFailure(opInsert, "order_insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		inserted = true
		if len(itemRows) == 0 {
			return nil
		}
		if err := tx.Create(&itemRows).Error; err != nil {
			return orders.StorageFailure(opInsert, "item_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opInsert, "transaction_failed", txErr, zap.String("client_id", clientID))
		return false, txErr
	}
	return inserted, nil
}

// ApplyUpdate applies a whitelisted update to a cached order of restaurantID and
// returns the updated order. Orders of another restaurant are left untouched and
// reported as a validation failure. The change is also kept as dirty until a
// flush confirms it.
func (s *Store) ApplyUpdate(ctx context.Context, restaurantID, clientID string, update orders.Update) (orders.Order, error) {
	if err := update.Validate(); err != nil {
		return orders.Order{}, orders.NewServiceError(opApplyUpdate, "invalid_update", err)
	}
	unlock := s.locks.Lock(clientID)
	defer unlock()

	var updated OrderRow
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row OrderRow
		err := tx.Where(queryClientID, clientID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orders.NewServiceError(opApplyUpdate, "not_found", orders.ErrRecordNotFound)
		}
		if err != nil {
			return orders.StorageFailure(opApplyUpdate, "lookup_failed", err)
		}
		if row.RestaurantID != restaurantID {
			return orders.NewServiceError(opApplyUpdate, "restaurant_mismatch",
				fmt.Errorf("%w: order belongs to another restaurant", orders.ErrValidation))
		}
		pending := orders.Update{}
		if row.DirtyUpdates != "" {
			if decoded, err := orders.DecodeUpdate([]byte(row.DirtyUpdates)); err == nil {
				pending = decoded
			}
		}
		encoded, err := pending.Merge(update).Encode()
		if err != nil {
			return orders.NewServiceError(opApplyUpdate, "encode_failed", err)
		}
		columns := update.Columns()
		columns["dirty_updates"] = encoded
		columns["synced"] = false
		if err := tx.Model(&OrderRow{}).Where(queryClientID, clientID).Updates(columns).Error; err != nil {
			return orders.StorageFailure(opApplyUpdate, "update_failed", err)
		}
		return tx.Where(queryClientID, clientID).Take(&updated).Error
	})
	if txErr != nil {
		if !errors.Is(txErr, orders.ErrRecordNotFound) && !errors.Is(txErr, orders.ErrValidation) {
			s.logError(opApplyUpdate, "transaction_failed", txErr, zap.String("client_id", clientID))
		}
		return orders.Order{}, txErr
	}
	return updated.Order(), nil
}

// Get returns the cached row with its items.
func (s *Store) Get(ctx context.Context, clientID string) (OrderRow, error) {
	var row OrderRow
	err := s.db.WithContext(ctx).Preload("Items", orderItems).Where(queryClientID, clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OrderRow{}, orders.NewServiceError(opGet, "not_found", orders.ErrRecordNotFound)
	}
	if err != nil {
		return OrderRow{}, orders.StorageFailure(opGet, "query_failed", err)
	}
	return row, nil
}

// ListUnsynced returns the restaurant's orders not yet confirmed by the cloud,
// oldest first, as sent to a device on registration.
func (s *Store) ListUnsynced(ctx context.Context, restaurantID string) ([]orders.Record, error) {
	var rows []OrderRow
	if err := s.db.WithContext(ctx).
		Preload("Items", orderItems).
		Where("restaurant_id = ? AND synced = ?", restaurantID, false).
		Order(orderReceivedAsc).
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, orders.StorageFailure(opList, "query_failed", err)
	}
	records := make([]orders.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, orders.Record{Order: row.Order(), Items: row.LineItems()})
	}
	return records, nil
}

// NextFlushBatch selects up to limit unsynced rows, skipping the given client
// ids, and returns them as cloud records. Rows never committed become orders;
// committed rows with pending changes become order updates. A row never
// committed that already carries changes yields both, order first.
func (s *Store) NextFlushBatch(ctx context.Context, limit int, skip ...string) (*Batch, error) {
	query := s.db.WithContext(ctx).
		Preload("Items", orderItems).
		Where("synced = ?", false)
	if len(skip) > 0 {
		query = query.Where("client_id NOT IN ?", skip)
	}
	query = query.Order(orderReceivedAsc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []OrderRow
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opFlushBatch, "query_failed", err)
		return nil, orders.StorageFailure(opFlushBatch, "query_failed", err)
	}
	batch := &Batch{
		store:          s,
		flushedDirty:   make(map[string]string, len(rows)),
		awaitingUpdate: make(map[string]bool),
	}
	for _, row := range rows {
		batch.ClientIDs = append(batch.ClientIDs, row.ClientID)
		batch.flushedDirty[row.ClientID] = row.DirtyUpdates
		needsOrder := row.CloudID == nil || row.DirtyUpdates == ""
		needsUpdate := row.DirtyUpdates != ""
		if needsOrder {
			batch.Records = append(batch.Records, orders.Record{Order: row.Order(), Items: row.LineItems()})
		}
		if !needsUpdate {
			continue
		}
		if needsOrder {
			batch.awaitingUpdate[row.ClientID] = true
		}
		batch.Records = append(batch.Records, orders.Record{Order: orders.Order{
			ClientID:       row.ClientID,
			Kind:           orders.KindOrderUpdate,
			RestaurantID:   row.RestaurantID,
			TargetClientID: row.ClientID,
			UpdatesJSON:    row.DirtyUpdates,
			CreatedAt:      row.CreatedAtSeconds,
			UpdatedAt:      row.UpdatedAtSeconds,
		}})
	}
	return batch, nil
}

// Cleanup deletes synced rows received before cutoff and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&OrderRow{}).Select("client_id").
			Where("synced = ? AND received_at_s < ?", true, cutoff.UTC().Unix())
		if err := tx.Where("order_client_id IN (?)", stale).Delete(&ItemRow{}).Error; err != nil {
			return orders.StorageFailure(opCleanup, "item_delete_failed", err)
		}
		result := tx.Where("synced = ? AND received_at_s < ?", true, cutoff.UTC().Unix()).Delete(&OrderRow{})
		if result.Error != nil {
			return orders.StorageFailure(opCleanup, "order_delete_failed", result.Error)
		}
		removed = result.RowsAffected
		return nil
	})
	if txErr != nil {
		s.logError(opCleanup, "transaction_failed", txErr)
		return 0, txErr
	}
	return removed, nil
}

// Stats counts cached rows.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx).Model(&OrderRow{})
	if err := db.Count(&stats.Total).Error; err != nil {
		return Stats{}, orders.StorageFailure(opStats, "count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&OrderRow{}).Where("synced = ?", false).Count(&stats.Unsynced).Error; err != nil {
		return Stats{}, orders.StorageFailure(opStats, "count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&OrderRow{}).Where("dirty_updates <> ''").Count(&stats.Dirty).Error; err != nil {
		return Stats{}, orders.StorageFailure(opStats, "count_failed", err)
	}
	return stats, nil
}

func orderItems(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("hub cache operation failed", allFields...)
}
