// Package hubcache is the hub's durable copy of every order relayed through it.
package hubcache

import (
	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
)

// OrderRow is a relayed order plus its cloud-flush bookkeeping.
type OrderRow struct {
	ClientID               string    `gorm:"column:client_id;primaryKey;size:190;not null"`
	RestaurantID           string    `gorm:"column:restaurant_id;size:190;not null;index:idx_hub_orders_restaurant_synced,priority:1"`
	DeviceID               string    `gorm:"column:device_id;size:190;not null;default:''"`
	TableID                string    `gorm:"column:table_id;size:190;not null;default:''"`
	Status                 string    `gorm:"column:status;size:32;not null;default:'new'"`
	CustomerName           string    `gorm:"column:customer_name;size:320;not null;default:''"`
	Notes                  string    `gorm:"column:notes;type:text;not null;default:''"`
	Subtotal               float64   `gorm:"column:subtotal;not null;default:0"`
	Tax                    float64   `gorm:"column:tax;not null;default:0"`
	Total                  float64   `gorm:"column:total;not null;default:0"`
	PaymentMethod          string    `gorm:"column:payment_method;size:64;not null;default:''"`
	Locale                 string    `gorm:"column:locale;size:32;not null;default:''"`
	CreatedAtSeconds       int64     `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds       int64     `gorm:"column:updated_at_s;not null"`
	Synced                 bool      `gorm:"column:synced;not null;default:false;index:idx_hub_orders_restaurant_synced,priority:2"`
	SyncAttempts           int       `gorm:"column:sync_attempts;not null;default:0"`
	LastSyncAttemptSeconds int64     `gorm:"column:last_sync_attempt_s;not null;default:0"`
	LastSyncError          string    `gorm:"column:last_sync_error;type:text;not null;default:''"`
	CloudID                *int64    `gorm:"column:cloud_id;uniqueIndex"`
	DirtyUpdates           string    `gorm:"column:dirty_updates;type:text;not null;default:''"`
	ReceivedAtSeconds      int64     `gorm:"column:received_at_s;not null;index"`
	Items                  []ItemRow `gorm:"foreignKey:OrderClientID;references:ClientID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (OrderRow) TableName() string {
	return "hub_orders"
}

// ItemRow is one line item of a cached order.
type ItemRow struct {
	ID            uint    `gorm:"column:id;primaryKey;autoIncrement"`
	OrderClientID string  `gorm:"column:order_client_id;size:190;not null;index"`
	Position      int     `gorm:"column:position;not null;default:0"`
	MenuItemID    string  `gorm:"column:menu_item_id;size:190;not null"`
	Name          string  `gorm:"column:name;size:320;not null;default:''"`
	Quantity      int     `gorm:"column:quantity;not null"`
	PriceAtTime   float64 `gorm:"column:price_at_time;not null"`
	Notes         string  `gorm:"column:notes;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRow) TableName() string {
	return "hub_order_items"
}

// Schema returns the hub cache tables.
func Schema() database.Schema {
	return database.Schema{
		Name:   "hub_cache",
		Models: []any{&OrderRow{}, &ItemRow{}},
	}
}

// Order returns the order payload of the row.
func (row OrderRow) Order() orders.Order {
	return orders.Order{
		ClientID:      row.ClientID,
		Kind:          orders.KindOrder,
		RestaurantID:  row.RestaurantID,
		DeviceID:      row.DeviceID,
		TableID:       row.TableID,
		Status:        row.Status,
		CustomerName:  row.CustomerName,
		Notes:         row.Notes,
		Subtotal:      row.Subtotal,
		Tax:           row.Tax,
		Total:         row.Total,
		PaymentMethod: row.PaymentMethod,
		Locale:        row.Locale,
		CreatedAt:     row.CreatedAtSeconds,
		UpdatedAt:     row.UpdatedAtSeconds,
	}
}

// LineItems returns the line items of the row in capture order.
func (row OrderRow) LineItems() []orders.Item {
	items := make([]orders.Item, 0, len(row.Items))
	for _, item := range row.Items {
		items = append(items, orders.Item{
			MenuItemID:  item.MenuItemID,
			Name:        item.Name,
			Quantity:    item.Quantity,
			PriceAtTime: item.PriceAtTime,
			Notes:       item.Notes,
		})
	}
	return items
}

func rowFromOrder(order orders.Order, items []orders.Item, receivedAt int64) OrderRow {
	status := order.Status
	if status == "" {
		status = orders.OrderStatusNew
	}
	row := OrderRow{
		ClientID:          order.ClientID,
		RestaurantID:      order.RestaurantID,
		DeviceID:          order.DeviceID,
		TableID:           order.TableID,
		Status:            status,
		CustomerName:      order.CustomerName,
		Notes:             order.Notes,
		Subtotal:          order.Subtotal,
		Tax:               order.Tax,
		Total:             order.Total,
		PaymentMethod:     order.PaymentMethod,
		Locale:            order.Locale,
		CreatedAtSeconds:  order.CreatedAt,
		UpdatedAtSeconds:  order.UpdatedAt,
		ReceivedAtSeconds: receivedAt,
	}
	if row.CreatedAtSeconds == 0 {
		row.CreatedAtSeconds = receivedAt
	}
	if row.UpdatedAtSeconds == 0 {
		row.UpdatedAtSeconds = row.CreatedAtSeconds
	}
	for index, item := range items {
		row.Items = append(row.Items, ItemRow{
			OrderClientID: order.ClientID,
			Position:      index,
			MenuItemID:    item.MenuItemID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			PriceAtTime:   item.PriceAtTime,
			Notes:         item.Notes,
		})
	}
	return row
}
