// Package notify delivers fire-and-forget order confirmation notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

var errMissingEndpoint = errors.New("notify: endpoint url required")

// Notification is the payload accepted by the confirmation side channel.
type Notification struct {
	OrderID      string `json:"orderId"`
	RestaurantID string `json:"restaurantId"`
	Locale       string `json:"locale,omitempty"`
}

// Notifier sends order confirmations.
type Notifier interface {
	NotifyOrderConfirmed(ctx context.Context, notification Notification) error
}

// Nop discards notifications.
type Nop struct{}

// NotifyOrderConfirmed implements Notifier.
func (Nop) NotifyOrderConfirmed(context.Context, Notification) error {
	return nil
}

// HTTPNotifierConfig configures the webhook notifier.
type HTTPNotifierConfig struct {
	Endpoint string
	Client   *http.Client
}

// HTTPNotifier posts notifications as JSON to a webhook endpoint.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPNotifier constructs a webhook notifier.
func NewHTTPNotifier(cfg HTTPNotifierConfig) (*HTTPNotifier, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPNotifier{endpoint: endpoint, client: client}, nil
}

// NotifyOrderConfirmed implements Notifier.
func (n *HTTPNotifier) NotifyOrderConfirmed(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := n.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notify: unexpected status %d", response.StatusCode)
	}
	return nil
}
