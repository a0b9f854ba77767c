// Package hub keeps the directory of connected devices and relays orders between them.
package hub

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/hubcache"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/MarcoPoloResearchLab/tableside/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultSendTimeout = 5 * time.Second
	eventSource        = "hub"

	opRegister    = "hub.register"
	opNewOrder    = "hub.new_order"
	opOrderUpdate = "hub.order_update"
	opSend        = "hub.send"
)

var (
	errMissingCache     = errors.New("hub cache is required")
	errMissingStationID = errors.New("station id is required")
)

// Conn is the transport of one device connection.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Device is a registered device as shown by the directory snapshot.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	RestaurantID string    `json:"restaurantId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type entry struct {
	device  Device
	session *Session
}

// Config describes the Service dependencies.
type Config struct {
	Cache       *hubcache.Store
	Bus         *events.Bus
	Logger      *zap.Logger
	Clock       func() time.Time
	StationID   string
	SendTimeout time.Duration
}

// Service is the registry and relay. The directory is mutated only by
// registration and disconnect.
type Service struct {
	cache       *hubcache.Store
	bus         *events.Bus
	logger      *zap.Logger
	clock       func() time.Time
	stationID   string
	sendTimeout time.Duration

	mu      sync.RWMutex
	devices map[string]*entry

	flushSignal chan struct{}
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Cache == nil {
		return nil, orders.NewServiceError("hub.new", "missing_cache", errMissingCache)
	}
	if strings.TrimSpace(cfg.StationID) == "" {
		return nil, orders.NewServiceError("hub.new", "missing_station_id", errMissingStationID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Service{
		cache:       cfg.Cache,
		bus:         cfg.Bus,
		logger:      logger,
		clock:       clock,
		stationID:   cfg.StationID,
		sendTimeout: sendTimeout,
		devices:     make(map[string]*entry),
		flushSignal: make(chan struct{}, 1),
	}, nil
}

// StationID identifies this hub.
func (s *Service) StationID() string {
	return s.stationID
}

// FlushSignal fires when relayed data is waiting for a cloud flush.
func (s *Service) FlushSignal() <-chan struct{} {
	return s.flushSignal
}

// Devices returns a snapshot of registered devices ordered by id.
func (s *Service) Devices() []Device {
	s.mu.RLock()
	snapshot := make([]Device, 0, len(s.devices))
	for _, current := range s.devices {
		snapshot = append(snapshot, current.device)
	}
	s.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// Connect starts a session for a newly accepted connection.
func (s *Service) Connect(conn Conn) *Session {
	return &Session{service: s, conn: conn}
}

func (s *Service) register(session *Session, message protocol.Register) (Device, *Session) {
	device := Device{
		ID:           message.DeviceID,
		Name:         message.DeviceName,
		Role:         message.DeviceRole,
		RestaurantID: message.RestaurantID,
		RegisteredAt: s.clock().UTC(),
	}
	s.mu.Lock()
	var replaced *Session
	if previous, ok := s.devices[device.ID]; ok && previous.session != session {
		replaced = previous.session
	}
	s.devices[device.ID] = &entry{device: device, session: session}
	s.mu.Unlock()
	return device, replaced
}

// unregister removes the directory entry if it still belongs to session.
func (s *Service) unregister(session *Session, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.devices[deviceID]
	if !ok || current.session != session {
		return false
	}
	delete(s.devices, deviceID)
	return true
}

// siblings returns the sessions of other devices of the same restaurant.
func (s *Service) siblings(restaurantID, excludeDeviceID string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	targets := make([]*Session, 0, len(s.devices))
	for id, current := range s.devices {
		if id == excludeDeviceID || current.device.RestaurantID != restaurantID {
			continue
		}
		targets = append(targets, current.session)
	}
	return targets
}

func (s *Service) broadcast(ctx context.Context, restaurantID, senderID string, frame []byte) int {
	delivered := 0
	for _, target := range s.siblings(restaurantID, senderID) {
		if err := target.send(ctx, frame); err != nil {
			s.logger.Warn("relay to device failed",
				zap.String("operation", opSend),
				zap.String("device_id", target.DeviceID()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (s *Service) signalFlush() {
	select {
	case s.flushSignal <- struct{}{}:
	default:
	}
}

func (s *Service) emitDevices() {
	s.bus.Emit(events.DevicesChanged, eventSource, map[string]any{"devices": s.Devices()})
}
