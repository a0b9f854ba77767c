// Package queue is the device-local durable queue of records awaiting cloud commit.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opQueueNew           = "queue.new"
	opEnqueue            = "queue.enqueue"
	opList               = "queue.list"
	opItemsFor           = "queue.items_for"
	opUpdateStatus       = "queue.update_status"
	opRemove             = "queue.remove"
	opCount              = "queue.count"
	opRecoverInterrupted = "queue.recover_interrupted"

	queryClientID       = "client_id = ?"
	queryRecordClientID = "record_client_id = ?"
	orderCaptureAsc     = "created_at_s ASC, client_id ASC"
	interruptedMessage  = "interrupted before completion"
)

// Config describes the queue dependencies.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider orders.IDProvider
	Logger     *zap.Logger
	MaxRetries int
}

// Queue persists pending records and their items across restarts.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider orders.IDProvider
	logger     *zap.Logger
	maxRetries int
}

// Stats summarizes the queue for operator visibility.
type Stats struct {
	Pending   int64  `json:"pending"`
	Syncing   int64  `json:"syncing"`
	Failed    int64  `json:"failed"`
	Exhausted int64  `json:"exhausted"`
	LastError string `json:"lastError,omitempty"`
}

// New constructs a Queue over an already migrated database.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, orders.NewServiceError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, orders.NewServiceError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = orders.DefaultMaxRetries
	}
	return &Queue{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		maxRetries: maxRetries,
	}, nil
}

// MaxRetries returns the retry budget applied by ListToSync.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue stores the record and its items in one transaction and returns the
// client id, generating one when the caller left it empty. A client id that is
// already queued is a no-op.
func (q *Queue) Enqueue(ctx context.Context, order orders.Order, items []orders.Item) (string, error) {
	if order.Kind == "" {
		order.Kind = orders.KindOrder
	}
	if strings.TrimSpace(order.ClientID) == "" {
		clientID, err := q.idProvider.NewID()
		if err != nil {
			q.logError(opEnqueue, "id_generation_failed", err)
			return "", orders.NewServiceError(opEnqueue, "id_generation_failed", err)
		}
		order.ClientID = clientID
	}
	clientID, err := orders.ValidateClientID(order.ClientID)
	if err != nil {
		return "", orders.NewServiceError(opEnqueue, "invalid_client_id", err)
	}
	order.ClientID = clientID
	if err := order.Validate(); err != nil {
		return "", orders.NewServiceError(opEnqueue, "invalid_record", err)
	}
	if err := orders.ValidateItems(items); err != nil {
		return "", orders.NewServiceError(opEnqueue, "invalid_items", err)
	}

	now := q.clock().UTC().Unix()
	if order.CreatedAt == 0 {
		order.CreatedAt = now
	}
	if order.UpdatedAt == 0 {
		order.UpdatedAt = order.CreatedAt
	}
	if order.Kind == orders.KindOrder && order.Status == "" {
		order.Status = orders.OrderStatusNew
	}

	row := rowFromOrder(order)
	duplicate := false
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, DoNothing: true}).
			Create(&row)
		if result.Error != nil {
			return orders.StorageFailure(opEnqueue, "record_insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			duplicate = true
			return nil
		}
		if len(items) == 0 {
			return nil
		}
		itemRows := make([]ItemRow, 0, len(items))
		for index, item := range items {
			itemRows = append(itemRows, ItemRow{
				RecordClientID: row.ClientID,
				Position:       index,
				MenuItemID:     item.MenuItemID,
				Name:           item.Name,
				Quantity:       item.Quantity,
				PriceAtTime:    item.PriceAtTime,
				Notes:          item.Notes,
			})
		}
		if err := tx.Create(&itemRows).Error; err != nil {
			return orders.StorageFailure(opEnqueue, "item_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		q.logError(opEnqueue, "transaction_failed", txErr, zap.String("client_id", row.ClientID))
		return "", txErr
	}
	if duplicate {
		q.logger.Debug("record already queued", zap.String("client_id", row.ClientID))
		return row.ClientID, nil
	}

	q.logger.Info("record queued",
		zap.String("client_id", row.ClientID),
		zap.String("kind", string(row.Kind)),
		zap.String("restaurant_id", row.RestaurantID),
		zap.Int("items", len(items)))
	return row.ClientID, nil
}

// EnqueueUpdate queues a whitelisted update for an existing order.
func (q *Queue) EnqueueUpdate(ctx context.Context, restaurantID, targetClientID string, update orders.Update) (string, error) {
	if err := update.Validate(); err != nil {
		return "", orders.NewServiceError(opEnqueue, "invalid_update", err)
	}
	encoded, err := update.Encode()
	if err != nil {
		return "", orders.NewServiceError(opEnqueue, "update_encode_failed", err)
	}
	return q.Enqueue(ctx, orders.Order{
		Kind:           orders.KindOrderUpdate,
		RestaurantID:   restaurantID,
		TargetClientID: targetClientID,
		UpdatesJSON:    encoded,
	}, nil)
}

// EnqueuePayment queues a payment against targetClientID.
func (q *Queue) EnqueuePayment(ctx context.Context, restaurantID, targetClientID string, amount float64, method string) (string, error) {
	return q.Enqueue(ctx, orders.Order{
		Kind:           orders.KindPayment,
		RestaurantID:   restaurantID,
		TargetClientID: targetClientID,
		Total:          amount,
		PaymentMethod:  method,
	}, nil)
}

// Get returns one record with its items.
func (q *Queue) Get(ctx context.Context, clientID string) (orders.Record, error) {
	var row RecordRow
	err := q.db.WithContext(ctx).
		Preload("Items", orderItemsByPosition).
		Where(queryClientID, clientID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return orders.Record{}, orders.NewServiceError(opList, "not_found", orders.ErrRecordNotFound)
	}
	if err != nil {
		q.logError(opList, "query_failed", err, zap.String("client_id", clientID))
		return orders.Record{}, orders.StorageFailure(opList, "query_failed", err)
	}
	return row.toRecord(), nil
}

// ListPending returns records that were never attempted.
func (q *Queue) ListPending(ctx context.Context) ([]orders.Record, error) {
	return q.list(ctx, "sync_status = ?", orders.SyncStatusPending)
}

// ListToSync returns pending records plus failed records with retry budget left.
func (q *Queue) ListToSync(ctx context.Context) ([]orders.Record, error) {
	return q.list(ctx, "sync_status = ? OR (sync_status = ? AND retry_count < ?)",
		orders.SyncStatusPending, orders.SyncStatusFailed, q.maxRetries)
}

// ListFailed returns every failed record, including those past the retry budget.
func (q *Queue) ListFailed(ctx context.Context) ([]orders.Record, error) {
	return q.list(ctx, "sync_status = ?", orders.SyncStatusFailed)
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]orders.Record, error) {
	var rows []RecordRow
	if err := q.db.WithContext(ctx).
		Preload("Items", orderItemsByPosition).
		Where(query, args...).
		Order(orderCaptureAsc).
		Find(&rows).Error; err != nil {
		q.logError(opList, "query_failed", err)
		return nil, orders.StorageFailure(opList, "query_failed", err)
	}
	records := make([]orders.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

// ItemsFor returns the line items of a record in capture order.
func (q *Queue) ItemsFor(ctx context.Context, clientID string) ([]orders.Item, error) {
	var rows []ItemRow
	if err := q.db.WithContext(ctx).
		Where(queryRecordClientID, clientID).
		Order("position ASC, id ASC").
		Find(&rows).Error; err != nil {
		q.logError(opItemsFor, "query_failed", err, zap.String("client_id", clientID))
		return nil, orders.StorageFailure(opItemsFor, "query_failed", err)
	}
	return itemsFromRows(rows), nil
}

// UpdateStatus moves a record to status. Moving to failed increments the retry
// count and stores errMessage; moving to syncing stamps the attempt time.
func (q *Queue) UpdateStatus(ctx context.Context, clientID string, status orders.SyncStatus, errMessage string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row RecordRow
		err := tx.Where(queryClientID, clientID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orders.NewServiceError(opUpdateStatus, "not_found", orders.ErrRecordNotFound)
		}
		if err != nil {
			q.logError(opUpdateStatus, "select_failed", err, zap.String("client_id", clientID))
			return orders.StorageFailure(opUpdateStatus, "select_failed", err)
		}
		if !row.SyncStatus.CanTransitionTo(status) {
			return orders.NewServiceError(opUpdateStatus, "invalid_transition",
				fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, row.SyncStatus, status))
		}

		updates := map[string]any{"sync_status": status}
		switch status {
		case orders.SyncStatusSyncing:
			updates["last_attempt_at_s"] = q.clock().UTC().Unix()
		case orders.SyncStatusFailed:
			updates["retry_count"] = row.RetryCount + 1
			updates["error_message"] = errMessage
		case orders.SyncStatusSynced:
			updates["error_message"] = ""
		}
		if err := tx.Model(&RecordRow{}).Where(queryClientID, clientID).Updates(updates).Error; err != nil {
			q.logError(opUpdateStatus, "update_failed", err, zap.String("client_id", clientID))
			return orders.StorageFailure(opUpdateStatus, "update_failed", err)
		}
		if status == orders.SyncStatusFailed && row.RetryCount+1 >= q.maxRetries {
			q.logger.Warn("record exhausted retry budget",
				zap.String("client_id", clientID),
				zap.Int("retry_count", row.RetryCount+1),
				zap.String("error", errMessage))
		}
		return nil
	})
}

// Remove deletes a record and its items together. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, clientID string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryRecordClientID, clientID).Delete(&ItemRow{}).Error; err != nil {
			q.logError(opRemove, "item_delete_failed", err, zap.String("client_id", clientID))
			return orders.StorageFailure(opRemove, "item_delete_failed", err)
		}
		if err := tx.Where(queryClientID, clientID).Delete(&RecordRow{}).Error; err != nil {
			q.logError(opRemove, "record_delete_failed", err, zap.String("client_id", clientID))
			return orders.StorageFailure(opRemove, "record_delete_failed", err)
		}
		return nil
	})
}

// PendingCount returns the number of records not yet committed to the cloud.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&RecordRow{}).
		Where("sync_status <> ?", orders.SyncStatusSynced).
		Count(&count).Error; err != nil {
		q.logError(opCount, "count_failed", err)
		return 0, orders.StorageFailure(opCount, "count_failed", err)
	}
	return count, nil
}

// Stats returns per-status counts and the most recent error message.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		SyncStatus orders.SyncStatus
		Exhausted  bool
		Total      int64
	}
	if err := q.db.WithContext(ctx).Model(&RecordRow{}).
		Select("sync_status, retry_count >= ? AS exhausted, COUNT(*) AS total", q.maxRetries).
		Group("sync_status, exhausted").
		Scan(&rows).Error; err != nil {
		q.logError(opCount, "stats_failed", err)
		return Stats{}, orders.StorageFailure(opCount, "stats_failed", err)
	}

	var stats Stats
	for _, row := range rows {
		switch row.SyncStatus {
		case orders.SyncStatusPending:
			stats.Pending += row.Total
		case orders.SyncStatusSyncing:
			stats.Syncing += row.Total
		case orders.SyncStatusFailed:
			stats.Failed += row.Total
			if row.Exhausted {
				stats.Exhausted += row.Total
			}
		}
	}

	var latest RecordRow
	err := q.db.WithContext(ctx).
		Where("error_message <> ''").
		Order("last_attempt_at_s DESC").
		Take(&latest).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Stats{}, orders.StorageFailure(opCount, "last_error_failed", err)
	}
	stats.LastError = latest.ErrorMessage
	return stats, nil
}

// RecoverInterrupted moves records stranded in syncing by a crash to failed,
// counting the interrupted attempt against their retry budget.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).Model(&RecordRow{}).
		Where("sync_status = ?", orders.SyncStatusSyncing).
		Updates(map[string]any{
			"sync_status":   orders.SyncStatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": interruptedMessage,
		})
	if result.Error != nil {
		q.logError(opRecoverInterrupted, "update_failed", result.Error)
		return 0, orders.StorageFailure(opRecoverInterrupted, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		q.logger.Warn("recovered interrupted records", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func orderItemsByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("queue error", attrs...)
}
