package cloud

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
	opFindOrder     = "cloud.find_order"
	opInsertOrder   = "cloud.insert_order"
	opInsertItems   = "cloud.insert_items"
	opUpdateOrder   = "cloud.update_order"
	opFindPayment   = "cloud.find_payment"
	opInsertPayment = "cloud.insert_payment"
	opLoadOrder     = "cloud.load_order"

	queryClientID = "client_id = ?"
)

var errMissingDatabase = errors.New("database handle is required")

// GormStoreConfig describes the GormStore dependencies.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore implements Store on the cloud database. Uniqueness of client_id is
// enforced by the schema; duplicate inserts resolve to the existing row.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore constructs the store over a migrated database.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, orders.NewServiceError("cloud.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// FindOrder implements Store.
func (s *GormStore) FindOrder(ctx context.Context, clientID string) (OrderRef, bool, error) {
	var row OrderRow
	err := s.db.WithContext(ctx).Where(queryClientID, clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OrderRef{}, false, nil
	}
	if err != nil {
		return OrderRef{}, false, orders.StorageFailure(opFindOrder, "query_failed", err)
	}
	var itemCount int64
	if err := s.db.WithContext(ctx).Model(&ItemRow{}).Where("order_id = ?", row.ID).Count(&itemCount).Error; err != nil {
		return OrderRef{}, false, orders.StorageFailure(opFindOrder, "item_count_failed", err)
	}
	return OrderRef{ID: row.ID, ClientID: row.ClientID, ItemCount: int(itemCount)}, true, nil
}

// InsertOrder implements Store. A concurrent or repeated insert of the same
// client id returns the existing reference wrapped in ErrDuplicateRecord.
func (s *GormStore) InsertOrder(ctx context.Context, order orders.Order) (OrderRef, error) {
	if _, err := orders.ValidateClientID(order.ClientID); err != nil {
		return OrderRef{}, orders.NewServiceError(opInsertOrder, "invalid_client_id", err)
	}
	row := orderRowFrom(order, s.clock().UTC().Unix())
	result := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return OrderRef{}, orders.StorageFailure(opInsertOrder, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		existing, found, err := s.FindOrder(ctx, order.ClientID)
		if err != nil {
			return OrderRef{}, err
		}
		if !found {
			return OrderRef{}, orders.StorageFailure(opInsertOrder, "conflict_without_row", fmt.Errorf("client id %s", order.ClientID))
		}
		return existing, orders.NewServiceError(opInsertOrder, "duplicate", orders.ErrDuplicateRecord)
	}
	s.logger.Debug("cloud order inserted", zap.String("client_id", row.ClientID), zap.Int64("order_id", row.ID))
	return OrderRef{ID: row.ID, ClientID: row.ClientID}, nil
}

// InsertItems implements Store. Items are written in one transaction and keyed
// by their position in the order, so concurrent or repeated writes of the same
// item list leave exactly one row per position.
func (s *GormStore) InsertItems(ctx context.Context, orderID int64, items []orders.Item) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]ItemRow, 0, len(items))
	for position, item := range items {
		rows = append(rows, ItemRow{
			OrderID:     orderID,
			Position:    position,
			MenuItemID:  item.MenuItemID,
			Name:        item.Name,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime,
			Notes:       item.Notes,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var parentCount int64
		if err := tx.Model(&OrderRow{}).Where("id = ?", orderID).Count(&parentCount).Error; err != nil {
			return orders.StorageFailure(opInsertItems, "parent_lookup_failed", err)
		}
		if parentCount == 0 {
			return orders.NewServiceError(opInsertItems, "parent_missing", orders.ErrRecordNotFound)
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "position"}},
			DoNothing: true,
		}).Create(&rows)
		if result.Error != nil {
			return orders.StorageFailure(opInsertItems, "insert_failed", result.Error)
		}
		if skipped := int64(len(rows)) - result.RowsAffected; skipped > 0 {
			s.logger.Debug("cloud items already present", zap.Int64("order_id", orderID), zap.Int64("skipped", skipped))
		}
		return nil
	})
}

// UpdateOrder implements Store.
func (s *GormStore) UpdateOrder(ctx context.Context, clientID string, update orders.Update) (OrderRef, error) {
	if err := update.Validate(); err != nil {
		return OrderRef{}, orders.NewServiceError(opUpdateOrder, "invalid_update", err)
	}
	result := s.db.WithContext(ctx).Model(&OrderRow{}).
		Where(queryClientID, clientID).
		Updates(update.Columns())
	if result.Error != nil {
		return OrderRef{}, orders.StorageFailure(opUpdateOrder, "update_failed", result.Error)
	}
	ref, found, err := s.FindOrder(ctx, clientID)
	if err != nil {
		return OrderRef{}, err
	}
	if !found {
		return OrderRef{}, orders.NewServiceError(opUpdateOrder, "not_found", orders.ErrRecordNotFound)
	}
	return ref, nil
}

// FindPayment implements Store.
func (s *GormStore) FindPayment(ctx context.Context, clientID string) (PaymentRef, bool, error) {
	var row PaymentRow
	err := s.db.WithContext(ctx).Where(queryClientID, clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PaymentRef{}, false, nil
	}
	if err != nil {
		return PaymentRef{}, false, orders.StorageFailure(opFindPayment, "query_failed", err)
	}
	return PaymentRef{ID: row.ID, ClientID: row.ClientID}, true, nil
}

// InsertPayment implements Store. The referenced order must already be committed.
func (s *GormStore) InsertPayment(ctx context.Context, payment orders.Order) (PaymentRef, error) {
	if _, found, err := s.FindOrder(ctx, payment.TargetClientID); err != nil {
		return PaymentRef{}, err
	} else if !found {
		return PaymentRef{}, orders.NewServiceError(opInsertPayment, "order_missing", orders.ErrRecordNotFound)
	}
	row := PaymentRow{
		ClientID:           payment.ClientID,
		OrderClientID:      payment.TargetClientID,
		RestaurantID:       payment.RestaurantID,
		Amount:             payment.Total,
		Method:             payment.PaymentMethod,
		CreatedAtSeconds:   payment.CreatedAt,
		CommittedAtSeconds: s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "client_id"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return PaymentRef{}, orders.StorageFailure(opInsertPayment, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		existing, _, err := s.FindPayment(ctx, payment.ClientID)
		if err != nil {
			return PaymentRef{}, err
		}
		return existing, orders.NewServiceError(opInsertPayment, "duplicate", orders.ErrDuplicateRecord)
	}
	return PaymentRef{ID: row.ID, ClientID: row.ClientID}, nil
}

// LoadOrder returns the committed order with its items, for operators and tests.
func (s *GormStore) LoadOrder(ctx context.Context, clientID string) (OrderRow, error) {
	var row OrderRow
	err := s.db.WithContext(ctx).Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).Where(queryClientID, clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OrderRow{}, orders.NewServiceError(opLoadOrder, "not_found", orders.ErrRecordNotFound)
	}
	if err != nil {
		return OrderRow{}, orders.StorageFailure(opLoadOrder, "query_failed", err)
	}
	return row, nil
}

// CountOrders returns the number of order rows stored under clientID.
func (s *GormStore) CountOrders(ctx context.Context, clientID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&OrderRow{}).Where(queryClientID, clientID).Count(&count).Error; err != nil {
		return 0, orders.StorageFailure(opLoadOrder, "count_failed", err)
	}
	return count, nil
}
