package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPNotifierPostsPayload(t *testing.T) {
	received := make(chan Notification, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload Notification
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	notifier, err := NewHTTPNotifier(HTTPNotifierConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := notifier.NotifyOrderConfirmed(context.Background(), Notification{OrderID: "abc-1", RestaurantID: "r1", Locale: "en"}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	payload := <-received
	if payload.OrderID != "abc-1" || payload.RestaurantID != "r1" || payload.Locale != "en" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestHTTPNotifierReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	notifier, err := NewHTTPNotifier(HTTPNotifierConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := notifier.NotifyOrderConfirmed(context.Background(), Notification{OrderID: "abc-1"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestNewHTTPNotifierRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPNotifier(HTTPNotifierConfig{}); err == nil {
		t.Fatal("expected missing endpoint error")
	}
}
