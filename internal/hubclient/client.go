// Package hubclient keeps a device connected to the premises hub.
package hubclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/MarcoPoloResearchLab/tableside/internal/protocol"
	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	defaultMinBackoff   = time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 1 << 20

	eventSource = "hubclient"

	opDial = "hubclient.dial"
	opSend = "hubclient.send"
)

var (
	// ErrNotConnected reports a send attempted while no registered connection exists.
	ErrNotConnected = errors.New("hubclient: not connected to hub")

	errMissingDevice   = errors.New("device id and restaurant id are required")
	errMissingEndpoint = errors.New("hub url or resolver is required")
)

// Handler receives every frame the hub sends after registration.
type Handler func(ctx context.Context, envelope protocol.Envelope)

// Resolver finds the hub websocket URL, for example by mDNS browsing.
type Resolver func(ctx context.Context) (string, error)

// Config describes the Client dependencies.
type Config struct {
	URL          string
	Resolver     Resolver
	Device       protocol.Register
	Handler      Handler
	Bus          *events.Bus
	Logger       *zap.Logger
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	DialTimeout  time.Duration
}

// Client maintains one websocket to the hub, re-registering after every reconnect.
type Client struct {
	url          string
	resolver     Resolver
	device       protocol.Register
	handler      Handler
	bus          *events.Bus
	logger       *zap.Logger
	minBackoff   time.Duration
	maxBackoff   time.Duration
	pingInterval time.Duration
	dialTimeout  time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stationID string
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Device.DeviceID) == "" || strings.TrimSpace(cfg.Device.RestaurantID) == "" {
		return nil, orders.NewServiceError("hubclient.new", "missing_device", errMissingDevice)
	}
	if strings.TrimSpace(cfg.URL) == "" && cfg.Resolver == nil {
		return nil, orders.NewServiceError("hubclient.new", "missing_endpoint", errMissingEndpoint)
	}
	client := &Client{
		url:          strings.TrimSpace(cfg.URL),
		resolver:     cfg.Resolver,
		device:       cfg.Device,
		handler:      cfg.Handler,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		minBackoff:   cfg.MinBackoff,
		maxBackoff:   cfg.MaxBackoff,
		pingInterval: cfg.PingInterval,
		dialTimeout:  cfg.DialTimeout,
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	if client.handler == nil {
		client.handler = func(context.Context, protocol.Envelope) {}
	}
	if client.minBackoff <= 0 {
		client.minBackoff = defaultMinBackoff
	}
	if client.maxBackoff < client.minBackoff {
		client.maxBackoff = defaultMaxBackoff
		if client.maxBackoff < client.minBackoff {
			client.maxBackoff = client.minBackoff
		}
	}
	if client.pingInterval <= 0 {
		client.pingInterval = defaultPingInterval
	}
	if client.dialTimeout <= 0 {
		client.dialTimeout = defaultDialTimeout
	}
	return client, nil
}

// Connected reports whether the hub has acknowledged registration on the current connection.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// StationID returns the id of the hub last registered with.
func (c *Client) StationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stationID
}

// Run connects and reconnects with capped exponential backoff until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.minBackoff
	retry.MaxInterval = c.maxBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		c.logger.Info("hub connection lost",
			zap.String("operation", opDial),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails. It reports whether the hub
// acknowledged registration, which resets the backoff.
func (c *Client) session(ctx context.Context) (bool, error) {
	target, err := c.endpoint(ctx)
	if err != nil {
		return false, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		return false, orders.NewServiceError(opDial, "dial_failed", errors.Join(orders.ErrTransientNetwork, err))
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	sessionCtx, stop := context.WithCancel(ctx)
	defer func() {
		stop()
		c.detach(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := c.write(sessionCtx, conn, protocol.TypeRegister, c.device); err != nil {
		return false, err
	}
	go c.keepAlive(sessionCtx, conn)

	registered := false
	for {
		_, frame, err := conn.Read(sessionCtx)
		if err != nil {
			return registered, errors.Join(orders.ErrTransientNetwork, err)
		}
		envelope, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("hub frame rejected", zap.Error(err))
			continue
		}
		switch envelope.Type {
		case protocol.TypeRegistered:
			var ack protocol.Registered
			if err := envelope.DecodePayload(&ack); err != nil {
				c.logger.Warn("registration ack rejected", zap.Error(err))
				continue
			}
			registered = true
			c.markConnected(target, ack.StationID)
		case protocol.TypePing:
			if err := c.write(sessionCtx, conn, protocol.TypePong, nil); err != nil {
				return registered, err
			}
			continue
		case protocol.TypePong:
			continue
		case protocol.TypeError:
			var payload protocol.ErrorPayload
			if err := envelope.DecodePayload(&payload); err == nil {
				c.logger.Warn("hub reported error",
					zap.String("code", payload.Code),
					zap.String("message", payload.Message))
			}
		}
		c.handler(sessionCtx, envelope)
	}
}

func (c *Client) endpoint(ctx context.Context) (string, error) {
	if c.url != "" {
		return c.url, nil
	}
	resolved, err := c.resolver(ctx)
	if err != nil {
		return "", orders.NewServiceError(opDial, "resolve_failed", errors.Join(orders.ErrTransientNetwork, err))
	}
	return resolved, nil
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, conn, protocol.TypePing, nil); err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Client) markConnected(target, stationID string) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.stationID = stationID
	c.mu.Unlock()
	if wasConnected {
		return
	}
	c.logger.Info("hub connected", zap.String("hub_url", target), zap.String("station_id", stationID))
	c.bus.Emit(events.HubConnected, eventSource, map[string]string{"stationId": stationID, "url": target})
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	stationID := c.stationID
	c.mu.Unlock()
	if wasConnected {
		c.bus.Emit(events.HubDisconnected, eventSource, map[string]string{"stationId": stationID})
	}
}

// SendNewOrder relays a captured order to the hub.
func (c *Client) SendNewOrder(ctx context.Context, order orders.Order, items []orders.Item) error {
	if items == nil {
		items = []orders.Item{}
	}
	return c.send(ctx, protocol.TypeNewOrder, protocol.NewOrder{Order: order, Items: items})
}

// SendOrderUpdate relays a whitelisted update of the order identified by clientID.
func (c *Client) SendOrderUpdate(ctx context.Context, clientID string, update orders.Update) error {
	return c.send(ctx, protocol.TypeOrderUpdate, protocol.OrderUpdate{ClientID: clientID, RestaurantID: c.device.RestaurantID, Updates: update})
}

// Ping sends an application-level ping; the hub answers with pong.
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, protocol.TypePing, nil)
}

func (c *Client) send(ctx context.Context, messageType protocol.Type, payload any) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if conn == nil || !connected {
		return orders.NewServiceError(opSend, "not_connected", ErrNotConnected)
	}
	return c.write(ctx, conn, messageType, payload)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, messageType protocol.Type, payload any) error {
	frame, err := protocol.Encode(messageType, payload)
	if err != nil {
		return orders.NewServiceError(opSend, "encode_failed", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return orders.NewServiceError(opSend, "write_failed", errors.Join(orders.ErrTransientNetwork, err))
	}
	return nil
}
