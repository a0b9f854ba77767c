package hubclient

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/MarcoPoloResearchLab/tableside/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestEventHandlerPublishesRelayedOrders(t *testing.T) {
	bus := events.NewBus()
	stream, stop := bus.Subscribe(context.Background(), events.OrderReceived)
	defer stop()
	handle := EventHandler(bus, nil)

	encode := func(messageType protocol.Type, payload any) protocol.Envelope {
		frame, err := protocol.Encode(messageType, payload)
		require.NoError(t, err)
		envelope, err := protocol.Decode(frame)
		require.NoError(t, err)
		return envelope
	}

	ready := orders.OrderStatusReady
	handle(context.Background(), encode(protocol.TypeNewOrder, protocol.NewOrder{
		Order: orders.Order{ClientID: "abc-1", RestaurantID: "r1", Status: orders.OrderStatusNew},
	}))
	handle(context.Background(), encode(protocol.TypePendingOrders, protocol.PendingOrders{
		Orders: []protocol.PendingOrder{{Order: orders.Order{ClientID: "abc-2", RestaurantID: "r1"}}},
	}))
	handle(context.Background(), encode(protocol.TypeOrderUpdate, protocol.OrderUpdate{
		ClientID: "abc-1",
		Updates:  orders.Update{Status: &ready},
	}))
	handle(context.Background(), encode(protocol.TypePong, nil))

	want := []ReceivedOrder{
		{ClientID: "abc-1", Source: "new_order", Status: orders.OrderStatusNew},
		{ClientID: "abc-2", Source: "pending_orders"},
		{ClientID: "abc-1", Source: "order_update", Status: orders.OrderStatusReady},
	}
	for _, expected := range want {
		select {
		case event := <-stream:
			require.Equal(t, expected, event.Data)
		case <-time.After(time.Second):
			t.Fatalf("expected order_received for %s", expected.ClientID)
		}
	}
	select {
	case event := <-stream:
		t.Fatalf("unexpected extra event: %+v", event)
	default:
	}
}
