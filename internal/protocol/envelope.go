// Package protocol defines the tagged JSON envelopes exchanged between devices and the hub.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
)

// Type tags an envelope.
type Type string

const (
	TypeRegister      Type = "register"
	TypeRegistered    Type = "registered"
	TypePendingOrders Type = "pending_orders"
	TypeNewOrder      Type = "new_order"
	TypeOrderUpdate   Type = "order_update"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeError         Type = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeMalformed     = "malformed_message"
	CodeUnknownType   = "unknown_type"
	CodeInvalid       = "invalid_payload"
	CodeNotRegistered = "not_registered"
	CodeUnknownOrder  = "unknown_order"
	CodeInternal      = "internal_error"
)

var (
	// ErrMalformed reports an envelope that is not valid JSON or lacks a type.
	ErrMalformed = errors.New("protocol: malformed envelope")
	// ErrUnknownType reports an envelope whose type is not in the catalog.
	ErrUnknownType = errors.New("protocol: unknown envelope type")
)

// Envelope is the frame sent over the device connection.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Register announces a device to the hub.
type Register struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	DeviceRole   string `json:"deviceRole"`
	RestaurantID string `json:"restaurantId"`
}

// Registered acknowledges a registration.
type Registered struct {
	DeviceID  string `json:"deviceId"`
	StationID string `json:"stationId"`
}

// NewOrder relays a captured order with its items.
type NewOrder struct {
	Order orders.Order  `json:"order"`
	Items []orders.Item `json:"items"`
}

// PendingOrder is one backlog entry: the order fields flattened alongside its items.
type PendingOrder struct {
	orders.Order
	Items []orders.Item `json:"items"`
}

// PendingOrders carries the unsynced backlog of a restaurant.
type PendingOrders struct {
	Orders []PendingOrder `json:"orders"`
}

// OrderUpdate changes whitelisted fields of an order identified by client id.
type OrderUpdate struct {
	ClientID     string        `json:"clientId"`
	RestaurantID string        `json:"restaurantId,omitempty"`
	Updates      orders.Update `json:"updates"`
}

// ErrorPayload reports a rejected message to its sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var knownTypes = map[Type]struct{}{
	TypeRegister:      {},
	TypeRegistered:    {},
	TypePendingOrders: {},
	TypeNewOrder:      {},
	TypeOrderUpdate:   {},
	TypePing:          {},
	TypePong:          {},
	TypeError:         {},
}

// Encode builds the wire form of an envelope. A nil payload is omitted.
func Encode(messageType Type, payload any) ([]byte, error) {
	envelope := Envelope{Type: messageType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", messageType, err)
		}
		envelope.Payload = raw
	}
	return json.Marshal(envelope)
}

// Decode parses a frame and checks its type against the catalog.
func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if _, ok := knownTypes[envelope.Type]; !ok {
		return envelope, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	return envelope, nil
}

// DecodePayload strictly decodes the payload into target. Unknown fields are rejected.
func (e Envelope) DecodePayload(target any) error {
	if len(bytes.TrimSpace(e.Payload)) == 0 {
		return fmt.Errorf("%w: %s payload missing", orders.ErrValidation, e.Type)
	}
	decoder := json.NewDecoder(bytes.NewReader(e.Payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", orders.ErrValidation, e.Type, err)
	}
	return nil
}

// DecodeOrderUpdate decodes an order_update payload and validates the update
// against the whitelist.
func (e Envelope) DecodeOrderUpdate() (OrderUpdate, error) {
	var message OrderUpdate
	if err := e.DecodePayload(&message); err != nil {
		return OrderUpdate{}, err
	}
	if _, err := orders.ValidateClientID(message.ClientID); err != nil {
		return OrderUpdate{}, err
	}
	if err := message.Updates.Validate(); err != nil {
		return OrderUpdate{}, err
	}
	return message, nil
}

// ErrorFrame builds an error envelope. Encoding a fixed struct cannot fail.
func ErrorFrame(code, message string) []byte {
	frame, _ := Encode(TypeError, ErrorPayload{Code: code, Message: message})
	return frame
}
