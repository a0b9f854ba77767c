package hubclient

import (
	"context"

	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/protocol"
	"go.uber.org/zap"
)

// ReceivedOrder is the order_received event payload.
type ReceivedOrder struct {
	ClientID string `json:"clientId"`
	Source   string `json:"source"`
	Status   string `json:"status,omitempty"`
}

// EventHandler publishes orders relayed by sibling devices as order_received
// events so local displays can follow the restaurant without the cloud.
func EventHandler(bus *events.Bus, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, envelope protocol.Envelope) {
		switch envelope.Type {
		case protocol.TypeNewOrder:
			var message protocol.NewOrder
			if err := envelope.DecodePayload(&message); err != nil {
				logger.Warn("relayed order rejected", zap.Error(err))
				return
			}
			bus.Emit(events.OrderReceived, eventSource, ReceivedOrder{
				ClientID: message.Order.ClientID,
				Source:   string(protocol.TypeNewOrder),
				Status:   message.Order.Status,
			})
		case protocol.TypePendingOrders:
			var message protocol.PendingOrders
			if err := envelope.DecodePayload(&message); err != nil {
				logger.Warn("hub backlog rejected", zap.Error(err))
				return
			}
			for _, pending := range message.Orders {
				bus.Emit(events.OrderReceived, eventSource, ReceivedOrder{
					ClientID: pending.ClientID,
					Source:   string(protocol.TypePendingOrders),
					Status:   pending.Status,
				})
			}
		case protocol.TypeOrderUpdate:
			message, err := envelope.DecodeOrderUpdate()
			if err != nil {
				logger.Warn("relayed update rejected", zap.Error(err))
				return
			}
			status := ""
			if message.Updates.Status != nil {
				status = *message.Updates.Status
			}
			bus.Emit(events.OrderReceived, eventSource, ReceivedOrder{
				ClientID: message.ClientID,
				Source:   string(protocol.TypeOrderUpdate),
				Status:   status,
			})
		}
	}
}
