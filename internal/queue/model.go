package queue

import (
	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"gorm.io/gorm"
)

// RecordRow persists a pending record and its sync bookkeeping on the device.
type RecordRow struct {
	ClientID             string            `gorm:"column:client_id;primaryKey;size:190;not null"`
	Kind                 orders.Kind       `gorm:"column:kind;size:32;not null"`
	RestaurantID         string            `gorm:"column:restaurant_id;size:190;not null;index:idx_pending_restaurant"`
	DeviceID             string            `gorm:"column:device_id;size:190;not null;default:''"`
	TableID              string            `gorm:"column:table_id;size:190;not null;default:''"`
	TargetClientID       string            `gorm:"column:target_client_id;size:190;not null;default:''"`
	Status               string            `gorm:"column:status;size:32;not null;default:''"`
	CustomerName         string            `gorm:"column:customer_name;size:320;not null;default:''"`
	Notes                string            `gorm:"column:notes;type:text;not null;default:''"`
	Subtotal             float64           `gorm:"column:subtotal;not null;default:0"`
	Tax                  float64           `gorm:"column:tax;not null;default:0"`
	Total                float64           `gorm:"column:total;not null;default:0"`
	PaymentMethod        string            `gorm:"column:payment_method;size:64;not null;default:''"`
	Locale               string            `gorm:"column:locale;size:32;not null;default:''"`
	UpdatesJSON          string            `gorm:"column:updates_json;type:text;not null;default:''"`
	CreatedAtSeconds     int64             `gorm:"column:created_at_s;not null;index:idx_pending_status_created,priority:2"`
	UpdatedAtSeconds     int64             `gorm:"column:updated_at_s;not null"`
	SyncStatus           orders.SyncStatus `gorm:"column:sync_status;size:16;not null;default:'pending';index:idx_pending_status_created,priority:1"`
	RetryCount           int               `gorm:"column:retry_count;not null;default:0"`
	LastAttemptAtSeconds int64             `gorm:"column:last_attempt_at_s;not null;default:0"`
	ErrorMessage         string            `gorm:"column:error_message;type:text;not null;default:''"`
	Items                []ItemRow         `gorm:"foreignKey:RecordClientID;references:ClientID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (RecordRow) TableName() string {
	return "pending_records"
}

// ItemRow persists one line item of a pending order.
type ItemRow struct {
	ID             uint    `gorm:"column:id;primaryKey;autoIncrement"`
	RecordClientID string  `gorm:"column:record_client_id;size:190;not null;index"`
	Position       int     `gorm:"column:position;not null;default:0"`
	MenuItemID     string  `gorm:"column:menu_item_id;size:190;not null"`
	Name           string  `gorm:"column:name;size:320;not null;default:''"`
	Quantity       int     `gorm:"column:quantity;not null"`
	PriceAtTime    float64 `gorm:"column:price_at_time;not null"`
	Notes          string  `gorm:"column:notes;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRow) TableName() string {
	return "pending_record_items"
}

// Schema returns the device queue tables and their named migrations.
func Schema() database.Schema {
	return database.Schema{
		Name:   "device_queue",
		Models: []any{&RecordRow{}, &ItemRow{}},
		Migrations: []database.Migration{
			{Name: "2026-09-30_normalize_blank_sync_status", Apply: normalizeBlankSyncStatus},
		},
	}
}

func normalizeBlankSyncStatus(db *gorm.DB) error {
	return db.Model(&RecordRow{}).
		Where("sync_status = ''").
		Update("sync_status", orders.SyncStatusPending).Error
}

func rowFromOrder(order orders.Order) RecordRow {
	return RecordRow{
		ClientID:         order.ClientID,
		Kind:             order.Kind,
		RestaurantID:     order.RestaurantID,
		DeviceID:         order.DeviceID,
		TableID:          order.TableID,
		TargetClientID:   order.TargetClientID,
		Status:           order.Status,
		CustomerName:     order.CustomerName,
		Notes:            order.Notes,
		Subtotal:         order.Subtotal,
		Tax:              order.Tax,
		Total:            order.Total,
		PaymentMethod:    order.PaymentMethod,
		Locale:           order.Locale,
		UpdatesJSON:      order.UpdatesJSON,
		CreatedAtSeconds: order.CreatedAt,
		UpdatedAtSeconds: order.UpdatedAt,
		SyncStatus:       orders.SyncStatusPending,
	}
}

func (row RecordRow) toRecord() orders.Record {
	record := orders.Record{
		Order: orders.Order{
			ClientID:       row.ClientID,
			Kind:           row.Kind,
			RestaurantID:   row.RestaurantID,
			DeviceID:       row.DeviceID,
			TableID:        row.TableID,
			TargetClientID: row.TargetClientID,
			Status:         row.Status,
			CustomerName:   row.CustomerName,
			Notes:          row.Notes,
			Subtotal:       row.Subtotal,
			Tax:            row.Tax,
			Total:          row.Total,
			PaymentMethod:  row.PaymentMethod,
			Locale:         row.Locale,
			UpdatesJSON:    row.UpdatesJSON,
			CreatedAt:      row.CreatedAtSeconds,
			UpdatedAt:      row.UpdatedAtSeconds,
		},
		Sync: orders.SyncState{
			Status:        row.SyncStatus,
			RetryCount:    row.RetryCount,
			LastAttemptAt: row.LastAttemptAtSeconds,
			ErrorMessage:  row.ErrorMessage,
		},
	}
	if len(row.Items) > 0 {
		record.Items = itemsFromRows(row.Items)
	}
	return record
}

func itemsFromRows(rows []ItemRow) []orders.Item {
	items := make([]orders.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, orders.Item{
			MenuItemID:  row.MenuItemID,
			Name:        row.Name,
			Quantity:    row.Quantity,
			PriceAtTime: row.PriceAtTime,
			Notes:       row.Notes,
		})
	}
	return items
}
