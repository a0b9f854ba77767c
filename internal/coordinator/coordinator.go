// Package coordinator decides when a device pushes its queue to the hub and to the cloud.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloudsync"
	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/MarcoPoloResearchLab/tableside/internal/queue"
	"go.uber.org/zap"
)

const (
	defaultInterval = 30 * time.Second
	eventSource     = "coordinator"

	opPass    = "coordinator.pass"
	opForward = "coordinator.forward"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

var (
	// ErrSyncInProgress is returned by ForceSync while another pass runs.
	ErrSyncInProgress = errors.New("coordinator: sync already in progress")

	errMissingQueue        = errors.New("queue is required")
	errMissingConnectivity = errors.New("connectivity monitor is required for cloud sync")
)

// Queue is the device queue surface the coordinator reads and drives.
type Queue interface {
	cloudsync.QueueStore
	ListToSync(ctx context.Context) ([]orders.Record, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Hub forwards records to the premises hub.
type Hub interface {
	Connected() bool
	SendNewOrder(ctx context.Context, order orders.Order, items []orders.Item) error
	SendOrderUpdate(ctx context.Context, clientID string, update orders.Update) error
}

// Connectivity reports cloud reachability and its transitions.
type Connectivity interface {
	Online() bool
	Listen(fn func(online bool)) func()
}

// CloudSync commits one record to the cloud.
type CloudSync interface {
	SyncRecord(ctx context.Context, ledger cloudsync.Ledger, record orders.Record) error
}

// Config describes the Coordinator dependencies. Hub and Sync are optional;
// a device without either only queues.
type Config struct {
	Queue        Queue
	Hub          Hub
	Connectivity Connectivity
	Sync         CloudSync
	Bus          *events.Bus
	Logger       *zap.Logger
	Clock        func() time.Time
	Interval     time.Duration
}

// Result summarizes one pass.
type Result struct {
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Forwarded int           `json:"forwarded"`
	Duration  time.Duration `json:"duration"`
}

// Status is the snapshot exposed to dashboards and the CLI.
type Status struct {
	State        State     `json:"state"`
	Online       bool      `json:"online"`
	HubConnected bool      `json:"hubConnected"`
	Pending      int64     `json:"pending"`
	Failed       int64     `json:"failed"`
	Exhausted    int64     `json:"exhausted"`
	LastSyncAt   time.Time `json:"lastSyncAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Coordinator runs single-flight sync passes.
type Coordinator struct {
	queue        Queue
	ledger       cloudsync.Ledger
	hub          Hub
	connectivity Connectivity
	sync         CloudSync
	bus          *events.Bus
	logger       *zap.Logger
	clock        func() time.Time
	interval     time.Duration

	syncing  atomic.Bool
	triggers chan struct{}

	mu         sync.Mutex
	lastSyncAt time.Time
	lastError  string
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Queue == nil {
		return nil, orders.NewServiceError("coordinator.new", "missing_queue", errMissingQueue)
	}
	if cfg.Sync != nil && cfg.Connectivity == nil {
		return nil, orders.NewServiceError("coordinator.new", "missing_connectivity", errMissingConnectivity)
	}
	coordinator := &Coordinator{
		queue:        cfg.Queue,
		ledger:       cloudsync.NewQueueLedger(cfg.Queue),
		hub:          cfg.Hub,
		connectivity: cfg.Connectivity,
		sync:         cfg.Sync,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		interval:     cfg.Interval,
		triggers:     make(chan struct{}, 1),
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	if coordinator.clock == nil {
		coordinator.clock = time.Now
	}
	if coordinator.interval <= 0 {
		coordinator.interval = defaultInterval
	}
	return coordinator, nil
}

// Trigger requests a pass from the Run loop. It never blocks.
func (c *Coordinator) Trigger() {
	select {
	case c.triggers <- struct{}{}:
	default:
	}
}

// Run drives passes from the ticker, online transitions, hub connections and
// Trigger until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.connectivity != nil {
		remove := c.connectivity.Listen(func(online bool) {
			if online {
				c.Trigger()
			}
		})
		defer remove()
	}
	var hubEvents <-chan events.Event
	if c.bus != nil {
		stream, stop := c.bus.Subscribe(ctx, events.HubConnected)
		defer stop()
		hubEvents = stream
	}

	c.bus.Emit(events.Initialized, eventSource, c.Status(ctx))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.triggers:
		case <-hubEvents:
		}
		if _, err := c.ForceSync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
			c.logger.Error("sync pass failed", zap.String("operation", opPass), zap.Error(err))
		}
	}
}

// ForceSync runs one pass now. A call during a running pass returns ErrSyncInProgress.
func (c *Coordinator) ForceSync(ctx context.Context) (Result, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer c.syncing.Store(false)

	started := c.clock()
	c.bus.Emit(events.SyncStart, eventSource, nil)

	result, err := c.pass(ctx)
	result.Duration = c.clock().Sub(started)

	c.mu.Lock()
	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastSyncAt = c.clock().UTC()
		c.lastError = ""
	}
	c.mu.Unlock()

	if err != nil {
		c.bus.Emit(events.SyncError, eventSource, map[string]string{"error": err.Error()})
		return result, err
	}
	c.logger.Info("sync pass finished",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("forwarded", result.Forwarded),
		zap.Duration("duration", result.Duration))
	c.bus.Emit(events.SyncComplete, eventSource, result)
	return result, nil
}

func (c *Coordinator) pass(ctx context.Context) (Result, error) {
	result := Result{}
	records, err := c.queue.ListToSync(ctx)
	if err != nil {
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}

	if c.hub != nil && c.hub.Connected() {
		result.Forwarded = c.forward(ctx, records)
	}

	if c.sync == nil || !c.connectivity.Online() {
		result.Skipped = len(records)
		return result, nil
	}

	for index, record := range records {
		if ctx.Err() != nil || !c.connectivity.Online() {
			result.Skipped += len(records) - index
			break
		}
		wentOffline, err := c.syncOne(ctx, record)
		switch {
		case err == nil:
			result.Synced++
		case errors.Is(err, cloudsync.ErrLedger):
			result.Failed++
			return result, err
		default:
			result.Failed++
		}
		c.bus.Emit(events.SyncProgress, eventSource, map[string]any{
			"clientId": record.ClientID(),
			"index":    index + 1,
			"total":    len(records),
			"ok":       err == nil,
		})
		if wentOffline {
			result.Skipped += len(records) - index - 1
			break
		}
	}
	return result, nil
}

// syncOne commits one record under a context that is cancelled as soon as the
// device goes offline, so only the in-flight record is aborted.
func (c *Coordinator) syncOne(ctx context.Context, record orders.Record) (bool, error) {
	recordCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var offline atomic.Bool
	remove := c.connectivity.Listen(func(online bool) {
		if !online {
			offline.Store(true)
			cancel()
		}
	})
	defer remove()

	err := c.sync.SyncRecord(recordCtx, c.ledger, record)
	return offline.Load(), err
}

// forward relays orders and updates to the hub. Forwarding leaves sync status
// untouched; the hub deduplicates by client id.
func (c *Coordinator) forward(ctx context.Context, records []orders.Record) int {
	forwarded := 0
	for _, record := range records {
		var err error
		switch record.Order.Kind {
		case orders.KindOrder, "":
			err = c.hub.SendNewOrder(ctx, record.Order, record.Items)
		case orders.KindOrderUpdate:
			update, decodeErr := orders.DecodeUpdate([]byte(record.Order.UpdatesJSON))
			if decodeErr != nil {
				c.logger.Warn("queued update is invalid",
					zap.String("operation", opForward),
					zap.String("client_id", record.ClientID()),
					zap.Error(decodeErr))
				continue
			}
			err = c.hub.SendOrderUpdate(ctx, record.Order.TargetClientID, update)
		default:
			continue
		}
		if err != nil {
			c.logger.Warn("hub forward failed",
				zap.String("operation", opForward),
				zap.String("client_id", record.ClientID()),
				zap.Error(err))
			return forwarded
		}
		forwarded++
	}
	return forwarded
}

// Status returns the current coordinator snapshot. Queue counts are omitted
// when the queue cannot be read.
func (c *Coordinator) Status(ctx context.Context) Status {
	status := Status{State: StateIdle}
	if c.syncing.Load() {
		status.State = StateSyncing
	}
	if c.connectivity != nil {
		status.Online = c.connectivity.Online()
	}
	if c.hub != nil {
		status.HubConnected = c.hub.Connected()
	}
	if stats, err := c.queue.Stats(ctx); err == nil {
		status.Pending = stats.Pending
		status.Failed = stats.Failed
		status.Exhausted = stats.Exhausted
	} else {
		c.logger.Warn("queue stats unavailable", zap.Error(err))
	}
	c.mu.Lock()
	status.LastSyncAt = c.lastSyncAt
	status.LastError = c.lastError
	c.mu.Unlock()
	return status
}
