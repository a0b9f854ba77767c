package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/MarcoPoloResearchLab/tableside/internal/protocol"
	"go.uber.org/zap"
)

// Session is the hub side of one device connection. Frames of a session are
// handled sequentially by the transport read loop.
type Session struct {
	service *Service
	conn    Conn

	mu     sync.Mutex
	device *Device
}

// DeviceID returns the registered device id, or "" before registration.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return ""
	}
	return s.device.ID
}

func (s *Session) registered() (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return Device{}, false
	}
	return *s.device, true
}

// Handle processes one inbound frame. Rejected messages are answered with an
// error envelope to this sender only; the returned error reports a failed
// reply, after which the transport should drop the connection.
func (s *Session) Handle(ctx context.Context, frame []byte) error {
	envelope, err := protocol.Decode(frame)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		return s.reject(ctx, protocol.CodeUnknownType, err)
	case err != nil:
		return s.reject(ctx, protocol.CodeMalformed, err)
	}

	if envelope.Type == protocol.TypeRegister {
		return s.handleRegister(ctx, envelope)
	}
	device, ok := s.registered()
	if !ok {
		return s.reject(ctx, protocol.CodeNotRegistered, fmt.Errorf("register before sending %s", envelope.Type))
	}

	switch envelope.Type {
	case protocol.TypeNewOrder:
		return s.handleNewOrder(ctx, device, envelope)
	case protocol.TypeOrderUpdate:
		return s.handleOrderUpdate(ctx, device, envelope)
	case protocol.TypePing:
		return s.reply(ctx, protocol.TypePong, nil)
	case protocol.TypePong:
		return nil
	default:
		return s.reject(ctx, protocol.CodeInvalid, fmt.Errorf("%s is not accepted by the hub", envelope.Type))
	}
}

// Close removes the session's directory entry if it still owns it.
func (s *Session) Close() {
	device, ok := s.registered()
	if !ok {
		return
	}
	if s.service.unregister(s, device.ID) {
		s.service.logger.Info("device disconnected",
			zap.String("device_id", device.ID),
			zap.String("restaurant_id", device.RestaurantID))
		s.service.emitDevices()
	}
}

func (s *Session) handleRegister(ctx context.Context, envelope protocol.Envelope) error {
	var message protocol.Register
	if err := envelope.DecodePayload(&message); err != nil {
		return s.reject(ctx, protocol.CodeInvalid, err)
	}
	message.DeviceID = strings.TrimSpace(message.DeviceID)
	message.RestaurantID = strings.TrimSpace(message.RestaurantID)
	if message.DeviceID == "" || message.RestaurantID == "" {
		return s.reject(ctx, protocol.CodeInvalid, fmt.Errorf("%w: device id and restaurant id are required", orders.ErrValidation))
	}

	if previous, ok := s.registered(); ok && previous.ID != message.DeviceID {
		s.service.unregister(s, previous.ID)
	}
	device, replaced := s.service.register(s, message)
	s.mu.Lock()
	s.device = &device
	s.mu.Unlock()
	if replaced != nil {
		replaced.detach()
		_ = replaced.conn.Close("replaced by a newer connection")
	}

	s.service.logger.Info("device registered",
		zap.String("device_id", device.ID),
		zap.String("restaurant_id", device.RestaurantID),
		zap.String("role", device.Role))
	s.service.emitDevices()

	if err := s.reply(ctx, protocol.TypeRegistered, protocol.Registered{DeviceID: device.ID, StationID: s.service.stationID}); err != nil {
		return err
	}

	backlog, err := s.service.cache.ListUnsynced(ctx, device.RestaurantID)
	if err != nil {
		s.service.logger.Error("backlog lookup failed",
			zap.String("operation", opRegister),
			zap.String("restaurant_id", device.RestaurantID),
			zap.Error(err))
		return nil
	}
	if len(backlog) == 0 {
		return nil
	}
	pending := protocol.PendingOrders{Orders: make([]protocol.PendingOrder, 0, len(backlog))}
	for _, record := range backlog {
		pending.Orders = append(pending.Orders, protocol.PendingOrder{Order: record.Order, Items: record.Items})
	}
	return s.reply(ctx, protocol.TypePendingOrders, pending)
}

func (s *Session) handleNewOrder(ctx context.Context, device Device, envelope protocol.Envelope) error {
	var message protocol.NewOrder
	if err := envelope.DecodePayload(&message); err != nil {
		return s.reject(ctx, protocol.CodeInvalid, err)
	}
	if message.Order.RestaurantID == "" {
		message.Order.RestaurantID = device.RestaurantID
	}
	if message.Order.RestaurantID != device.RestaurantID {
		return s.reject(ctx, protocol.CodeInvalid, fmt.Errorf("%w: order belongs to restaurant %s", orders.ErrValidation, message.Order.RestaurantID))
	}
	if message.Order.DeviceID == "" {
		message.Order.DeviceID = device.ID
	}
	message.Order.Kind = orders.KindOrder

	inserted, err := s.service.cache.InsertIfAbsent(ctx, message.Order, message.Items)
	if err != nil {
		return s.rejectStoreError(ctx, opNewOrder, err)
	}
	if !inserted {
		s.service.logger.Debug("order already relayed", zap.String("client_id", message.Order.ClientID))
		return nil
	}

	frame, err := protocol.Encode(protocol.TypeNewOrder, message)
	if err != nil {
		return s.reject(ctx, protocol.CodeInternal, err)
	}
	delivered := s.service.broadcast(ctx, device.RestaurantID, device.ID, frame)
	s.service.signalFlush()
	s.service.logger.Info("order relayed",
		zap.String("client_id", message.Order.ClientID),
		zap.String("restaurant_id", device.RestaurantID),
		zap.String("device_id", device.ID),
		zap.Int("recipients", delivered))
	s.service.bus.Emit(events.OrderRelayed, eventSource, map[string]any{
		"clientId":   message.Order.ClientID,
		"deviceId":   device.ID,
		"recipients": delivered,
	})
	return nil
}

func (s *Session) handleOrderUpdate(ctx context.Context, device Device, envelope protocol.Envelope) error {
	message, err := envelope.DecodeOrderUpdate()
	if err != nil {
		return s.reject(ctx, protocol.CodeInvalid, err)
	}
	updated, err := s.service.cache.ApplyUpdate(ctx, device.RestaurantID, message.ClientID, message.Updates)
	if err != nil {
		return s.rejectStoreError(ctx, opOrderUpdate, err)
	}
	message.RestaurantID = updated.RestaurantID
	frame, err := protocol.Encode(protocol.TypeOrderUpdate, message)
	if err != nil {
		return s.reject(ctx, protocol.CodeInternal, err)
	}
	delivered := s.service.broadcast(ctx, updated.RestaurantID, device.ID, frame)
	s.service.signalFlush()
	s.service.bus.Emit(events.OrderRelayed, eventSource, map[string]any{
		"clientId":   message.ClientID,
		"deviceId":   device.ID,
		"update":     true,
		"recipients": delivered,
	})
	return nil
}

func (s *Session) rejectStoreError(ctx context.Context, operation string, err error) error {
	switch {
	case errors.Is(err, orders.ErrRecordNotFound):
		return s.reject(ctx, protocol.CodeUnknownOrder, err)
	case errors.Is(err, orders.ErrValidation):
		return s.reject(ctx, protocol.CodeInvalid, err)
	default:
		s.service.logger.Error("hub cache write failed", zap.String("operation", operation), zap.Error(err))
		return s.reject(ctx, protocol.CodeInternal, errors.New("hub storage unavailable"))
	}
}

func (s *Session) reject(ctx context.Context, code string, cause error) error {
	s.service.logger.Debug("message rejected",
		zap.String("device_id", s.DeviceID()),
		zap.String("code", code),
		zap.Error(cause))
	return s.send(ctx, protocol.ErrorFrame(code, cause.Error()))
}

func (s *Session) reply(ctx context.Context, messageType protocol.Type, payload any) error {
	frame, err := protocol.Encode(messageType, payload)
	if err != nil {
		return err
	}
	return s.send(ctx, frame)
}

func (s *Session) send(ctx context.Context, frame []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.service.sendTimeout)
	defer cancel()
	return s.conn.Send(sendCtx, frame)
}

// detach forgets the registration of a session replaced by a newer connection
// so its disconnect leaves the directory untouched.
func (s *Session) detach() {
	s.mu.Lock()
	s.device = nil
	s.mu.Unlock()
}
