// Package cloud holds the system-of-record order store and its clients.
package cloud

import (
	"context"

	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
)

// OrderRow is the authoritative cloud order. ClientID is unique; ID is assigned by the store.
type OrderRow struct {
	ID                 int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ClientID           string    `gorm:"column:client_id;size:190;not null;uniqueIndex:idx_orders_client_id"`
	RestaurantID       string    `gorm:"column:restaurant_id;size:190;not null;index:idx_orders_restaurant_created,priority:1"`
	DeviceID           string    `gorm:"column:device_id;size:190;not null;default:''"`
	TableID            string    `gorm:"column:table_id;size:190;not null;default:''"`
	Status             string    `gorm:"column:status;size:32;not null;default:'new'"`
	CustomerName       string    `gorm:"column:customer_name;size:320;not null;default:''"`
	Notes              string    `gorm:"column:notes;type:text;not null;default:''"`
	Subtotal           float64   `gorm:"column:subtotal;not null;default:0"`
	Tax                float64   `gorm:"column:tax;not null;default:0"`
	Total              float64   `gorm:"column:total;not null;default:0"`
	PaymentMethod      string    `gorm:"column:payment_method;size:64;not null;default:''"`
	Locale             string    `gorm:"column:locale;size:32;not null;default:''"`
	CreatedAtSeconds   int64     `gorm:"column:created_at_s;not null;index:idx_orders_restaurant_created,priority:2"`
	UpdatedAtSeconds   int64     `gorm:"column:updated_at_s;not null"`
	CommittedAtSeconds int64     `gorm:"column:committed_at_s;not null"`
	Items              []ItemRow `gorm:"foreignKey:OrderID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (OrderRow) TableName() string {
	return "orders"
}

// ItemRow is a committed line item referencing its parent by server id.
// (OrderID, Position) is unique so a repeated item write lands on the same rows.
type ItemRow struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID     int64   `gorm:"column:order_id;not null;index;uniqueIndex:idx_order_items_order_position,priority:1"`
	Position    int     `gorm:"column:position;not null;default:0;uniqueIndex:idx_order_items_order_position,priority:2"`
	MenuItemID  string  `gorm:"column:menu_item_id;size:190;not null"`
	Name        string  `gorm:"column:name;size:320;not null;default:''"`
	Quantity    int     `gorm:"column:quantity;not null"`
	PriceAtTime float64 `gorm:"column:price_at_time;not null"`
	Notes       string  `gorm:"column:notes;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRow) TableName() string {
	return "order_items"
}

// PaymentRow is a committed payment. ClientID is unique.
type PaymentRow struct {
	ID                 int64   `gorm:"column:id;primaryKey;autoIncrement"`
	ClientID           string  `gorm:"column:client_id;size:190;not null;uniqueIndex:idx_payments_client_id"`
	OrderClientID      string  `gorm:"column:order_client_id;size:190;not null;index"`
	RestaurantID       string  `gorm:"column:restaurant_id;size:190;not null"`
	Amount             float64 `gorm:"column:amount;not null"`
	Method             string  `gorm:"column:method;size:64;not null;default:''"`
	CreatedAtSeconds   int64   `gorm:"column:created_at_s;not null"`
	CommittedAtSeconds int64   `gorm:"column:committed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PaymentRow) TableName() string {
	return "payments"
}

// Schema returns the cloud tables.
func Schema() database.Schema {
	return database.Schema{
		Name:   "cloud",
		Models: []any{&OrderRow{}, &ItemRow{}, &PaymentRow{}},
	}
}

// OrderRef identifies a committed order.
type OrderRef struct {
	ID        int64  `json:"id"`
	ClientID  string `json:"clientId"`
	ItemCount int    `json:"itemCount"`
}

// PaymentRef identifies a committed payment.
type PaymentRef struct {
	ID       int64  `json:"id"`
	ClientID string `json:"clientId"`
}

// Store is the cloud-side contract the sync client commits against. Every
// lookup is by client id; server ids are only returned, never used for dedup.
type Store interface {
	FindOrder(ctx context.Context, clientID string) (OrderRef, bool, error)
	InsertOrder(ctx context.Context, order orders.Order) (OrderRef, error)
	InsertItems(ctx context.Context, orderID int64, items []orders.Item) error
	UpdateOrder(ctx context.Context, clientID string, update orders.Update) (OrderRef, error)
	FindPayment(ctx context.Context, clientID string) (PaymentRef, bool, error)
	InsertPayment(ctx context.Context, payment orders.Order) (PaymentRef, error)
}

func orderRowFrom(order orders.Order, committedAt int64) OrderRow {
	status := order.Status
	if status == "" {
		status = orders.OrderStatusNew
	}
	return OrderRow{
		ClientID:           order.ClientID,
		RestaurantID:       order.RestaurantID,
		DeviceID:           order.DeviceID,
		TableID:            order.TableID,
		Status:             status,
		CustomerName:       order.CustomerName,
		Notes:              order.Notes,
		Subtotal:           order.Subtotal,
		Tax:                order.Tax,
		Total:              order.Total,
		PaymentMethod:      order.PaymentMethod,
		Locale:             order.Locale,
		CreatedAtSeconds:   order.CreatedAt,
		UpdatedAtSeconds:   order.UpdatedAt,
		CommittedAtSeconds: committedAt,
	}
}
