package orders

import (
	"fmt"
	"strings"
)

// Kind enumerates the record types captured at the point of sale.
type Kind string

const (
	// KindOrder is a new order with line items.
	KindOrder Kind = "order"
	// KindPayment records a payment against an existing order.
	KindPayment Kind = "payment"
	// KindOrderUpdate carries a whitelisted field update for an existing order.
	KindOrderUpdate Kind = "order_update"
)

// SyncStatus tracks the delivery state of a record on its owning tier.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// DefaultMaxRetries bounds automatic retries of a failed record.
const DefaultMaxRetries = 5

const maxIdentifierLength = 190

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	switch s {
	case SyncStatusPending:
		return next == SyncStatusSyncing
	case SyncStatusSyncing:
		return next == SyncStatusSynced || next == SyncStatusFailed
	case SyncStatusFailed:
		return next == SyncStatusSyncing
	default:
		return false
	}
}

// Order lifecycle values accepted in the status field.
const (
	OrderStatusNew       = "new"
	OrderStatusPreparing = "preparing"
	OrderStatusReady     = "ready"
	OrderStatusServed    = "served"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
)

var orderStatuses = map[string]struct{}{
	OrderStatusNew:       {},
	OrderStatusPreparing: {},
	OrderStatusReady:     {},
	OrderStatusServed:    {},
	OrderStatusPaid:      {},
	OrderStatusCancelled: {},
}

// ValidOrderStatus reports whether value is a known order lifecycle status.
func ValidOrderStatus(value string) bool {
	_, ok := orderStatuses[value]
	return ok
}

// Order is the payload captured on a device. The same shape travels through the
// queue, the hub protocol and the cloud API.
type Order struct {
	ClientID       string  `json:"clientId" yaml:"client_id"`
	Kind           Kind    `json:"kind" yaml:"kind"`
	RestaurantID   string  `json:"restaurantId" yaml:"restaurant_id"`
	DeviceID       string  `json:"deviceId,omitempty" yaml:"device_id"`
	TableID        string  `json:"tableId,omitempty" yaml:"table_id"`
	TargetClientID string  `json:"targetClientId,omitempty" yaml:"target_client_id"`
	Status         string  `json:"status,omitempty" yaml:"status"`
	CustomerName   string  `json:"customerName,omitempty" yaml:"customer_name"`
	Notes          string  `json:"notes,omitempty" yaml:"notes"`
	Subtotal       float64 `json:"subtotal" yaml:"subtotal"`
	Tax            float64 `json:"tax" yaml:"tax"`
	Total          float64 `json:"total" yaml:"total"`
	PaymentMethod  string  `json:"paymentMethod,omitempty" yaml:"payment_method"`
	Locale         string  `json:"locale,omitempty" yaml:"locale"`
	UpdatesJSON    string  `json:"updates,omitempty" yaml:"-"`
	CreatedAt      int64   `json:"createdAt" yaml:"created_at"`
	UpdatedAt      int64   `json:"updatedAt" yaml:"updated_at"`
}

// Item is a line item. PriceAtTime snapshots the menu price at capture.
type Item struct {
	MenuItemID  string  `json:"menuItemId" yaml:"menu_item_id"`
	Name        string  `json:"name" yaml:"name"`
	Quantity    int     `json:"quantity" yaml:"quantity"`
	PriceAtTime float64 `json:"priceAtTime" yaml:"price_at_time"`
	Notes       string  `json:"notes,omitempty" yaml:"notes"`
}

// SyncState is the per-record sync bookkeeping.
type SyncState struct {
	Status        SyncStatus `json:"syncStatus"`
	RetryCount    int        `json:"retryCount"`
	LastAttemptAt int64      `json:"lastAttemptAt,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
}

// Record bundles a payload, its items and its sync bookkeeping.
type Record struct {
	Order Order     `json:"order"`
	Items []Item    `json:"items"`
	Sync  SyncState `json:"sync"`
}

// ClientID returns the record's deduplication key.
func (r Record) ClientID() string {
	return r.Order.ClientID
}

// ValidateClientID checks that an identifier is usable as a dedup key.
func ValidateClientID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: client id empty", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: client id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return trimmed, nil
}

// Validate checks the payload invariants for its kind. The client id is
// validated separately because it may be assigned at enqueue time.
func (o Order) Validate() error {
	if strings.TrimSpace(o.RestaurantID) == "" {
		return fmt.Errorf("%w: restaurant id required", ErrValidation)
	}
	switch o.Kind {
	case KindOrder:
		if o.Status != "" && !ValidOrderStatus(o.Status) {
			return fmt.Errorf("%w: unknown order status %q", ErrValidation, o.Status)
		}
		if o.Total < 0 || o.Subtotal < 0 || o.Tax < 0 {
			return fmt.Errorf("%w: negative amount", ErrValidation)
		}
	case KindPayment:
		if strings.TrimSpace(o.TargetClientID) == "" {
			return fmt.Errorf("%w: payment requires target order", ErrValidation)
		}
		if o.Total <= 0 {
			return fmt.Errorf("%w: payment amount must be positive", ErrValidation)
		}
	case KindOrderUpdate:
		if strings.TrimSpace(o.TargetClientID) == "" {
			return fmt.Errorf("%w: update requires target order", ErrValidation)
		}
		if _, err := DecodeUpdate([]byte(o.UpdatesJSON)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown record kind %q", ErrValidation, o.Kind)
	}
	return nil
}

// ValidateItems checks line items for an order record.
func ValidateItems(items []Item) error {
	for index, item := range items {
		if strings.TrimSpace(item.MenuItemID) == "" {
			return fmt.Errorf("%w: item %d missing menu item id", ErrValidation, index)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrValidation, index)
		}
		if item.PriceAtTime < 0 {
			return fmt.Errorf("%w: item %d negative price", ErrValidation, index)
		}
	}
	return nil
}
