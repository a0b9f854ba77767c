package orders

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Update lists every field an order_update may change. Nil fields are left untouched.
type Update struct {
	Status        *string  `json:"status,omitempty"`
	TableID       *string  `json:"tableId,omitempty"`
	CustomerName  *string  `json:"customerName,omitempty"`
	Notes         *string  `json:"notes,omitempty"`
	PaymentMethod *string  `json:"paymentMethod,omitempty"`
	Subtotal      *float64 `json:"subtotal,omitempty"`
	Tax           *float64 `json:"tax,omitempty"`
	Total         *float64 `json:"total,omitempty"`
	UpdatedAt     *int64   `json:"updatedAt,omitempty"`
}

// DecodeUpdate parses an update payload and rejects fields outside the whitelist.
func DecodeUpdate(raw []byte) (Update, error) {
	var update Update
	if len(bytes.TrimSpace(raw)) == 0 {
		return Update{}, fmt.Errorf("%w: empty update", ErrValidation)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := update.Validate(); err != nil {
		return Update{}, err
	}
	return update, nil
}

// Validate checks value ranges for the fields present.
func (u Update) Validate() error {
	if u.IsEmpty() {
		return fmt.Errorf("%w: update has no fields", ErrValidation)
	}
	if u.Status != nil && !ValidOrderStatus(*u.Status) {
		return fmt.Errorf("%w: unknown order status %q", ErrValidation, *u.Status)
	}
	for _, amount := range []*float64{u.Subtotal, u.Tax, u.Total} {
		if amount != nil && *amount < 0 {
			return fmt.Errorf("%w: negative amount", ErrValidation)
		}
	}
	return nil
}

// IsEmpty reports whether no field is set.
func (u Update) IsEmpty() bool {
	return u.Status == nil && u.TableID == nil && u.CustomerName == nil && u.Notes == nil &&
		u.PaymentMethod == nil && u.Subtotal == nil && u.Tax == nil && u.Total == nil && u.UpdatedAt == nil
}

// Columns maps the set fields to storage column names.
func (u Update) Columns() map[string]any {
	columns := map[string]any{}
	if u.Status != nil {
		columns["status"] = *u.Status
	}
	if u.TableID != nil {
		columns["table_id"] = *u.TableID
	}
	if u.CustomerName != nil {
		columns["customer_name"] = *u.CustomerName
	}
	if u.Notes != nil {
		columns["notes"] = *u.Notes
	}
	if u.PaymentMethod != nil {
		columns["payment_method"] = *u.PaymentMethod
	}
	if u.Subtotal != nil {
		columns["subtotal"] = *u.Subtotal
	}
	if u.Tax != nil {
		columns["tax"] = *u.Tax
	}
	if u.Total != nil {
		columns["total"] = *u.Total
	}
	if u.UpdatedAt != nil {
		columns["updated_at_s"] = *u.UpdatedAt
	}
	return columns
}

// Apply copies the set fields onto order.
func (u Update) Apply(order *Order) {
	if u.Status != nil {
		order.Status = *u.Status
	}
	if u.TableID != nil {
		order.TableID = *u.TableID
	}
	if u.CustomerName != nil {
		order.CustomerName = *u.CustomerName
	}
	if u.Notes != nil {
		order.Notes = *u.Notes
	}
	if u.PaymentMethod != nil {
		order.PaymentMethod = *u.PaymentMethod
	}
	if u.Subtotal != nil {
		order.Subtotal = *u.Subtotal
	}
	if u.Tax != nil {
		order.Tax = *u.Tax
	}
	if u.Total != nil {
		order.Total = *u.Total
	}
	if u.UpdatedAt != nil {
		order.UpdatedAt = *u.UpdatedAt
	}
}

// Merge overlays next onto u; fields set in next win.
func (u Update) Merge(next Update) Update {
	merged := u
	if next.Status != nil {
		merged.Status = next.Status
	}
	if next.TableID != nil {
		merged.TableID = next.TableID
	}
	if next.CustomerName != nil {
		merged.CustomerName = next.CustomerName
	}
	if next.Notes != nil {
		merged.Notes = next.Notes
	}
	if next.PaymentMethod != nil {
		merged.PaymentMethod = next.PaymentMethod
	}
	if next.Subtotal != nil {
		merged.Subtotal = next.Subtotal
	}
	if next.Tax != nil {
		merged.Tax = next.Tax
	}
	if next.Total != nil {
		merged.Total = next.Total
	}
	if next.UpdatedAt != nil {
		merged.UpdatedAt = next.UpdatedAt
	}
	return merged
}

// Encode serializes the update for storage or transport.
func (u Update) Encode() (string, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
