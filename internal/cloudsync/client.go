// Package cloudsync commits pending records to the cloud store exactly once per client id.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloud"
	"github.com/MarcoPoloResearchLab/tableside/internal/notify"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"go.uber.org/zap"
)

const (
	defaultNotifyTimeout = 10 * time.Second

	opSyncRecord = "cloudsync.sync_record"
	opNotify     = "cloudsync.notify"
)

var (
	errMissingStore  = errors.New("cloud store is required")
	errMissingLedger = errors.New("ledger is required")
	errUnknownKind   = errors.New("unknown record kind")

	// ErrLedger marks a bookkeeping failure on the owning tier. Callers stop the pass.
	ErrLedger = errors.New("cloudsync: ledger update failed")
)

// Ledger records per-record sync bookkeeping on the tier that owns the record.
type Ledger interface {
	MarkSyncing(ctx context.Context, clientID string) error
	MarkSynced(ctx context.Context, clientID string, cloudID int64) error
	MarkFailed(ctx context.Context, clientID string, cause error) error
}

// Config describes the Client dependencies.
type Config struct {
	Store         cloud.Store
	Notifier      notify.Notifier
	Logger        *zap.Logger
	Clock         func() time.Time
	NotifyTimeout time.Duration
}

// Client pushes records to the cloud store.
type Client struct {
	store         cloud.Store
	notifier      notify.Notifier
	logger        *zap.Logger
	clock         func() time.Time
	notifyTimeout time.Duration
	detached      sync.WaitGroup
}

// Summary totals one SyncAll pass.
type Summary struct {
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, orders.NewServiceError("cloudsync.new", "missing_store", errMissingStore)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	return &Client{
		store:         cfg.Store,
		notifier:      notifier,
		logger:        logger,
		clock:         clock,
		notifyTimeout: timeout,
	}, nil
}

// SyncRecord commits one record. A nil error means the record is synced. Cloud
// failures are recorded on the ledger and returned; ledger failures are returned
// wrapped in ErrLedger.
func (c *Client) SyncRecord(ctx context.Context, ledger Ledger, record orders.Record) error {
	if ledger == nil {
		return orders.NewServiceError(opSyncRecord, "missing_ledger", errMissingLedger)
	}
	clientID := record.ClientID()
	// Bookkeeping outlives a cancelled attempt so the record lands in failed.
	bookkeeping := context.WithoutCancel(ctx)

	if err := ledger.MarkSyncing(bookkeeping, clientID); err != nil {
		return fmt.Errorf("%w: %w", ErrLedger, err)
	}

	var (
		cloudID  int64
		inserted bool
		err      error
	)
	switch record.Order.Kind {
	case orders.KindOrder, "":
		cloudID, inserted, err = c.commitOrder(ctx, record)
	case orders.KindOrderUpdate:
		cloudID, err = c.commitUpdate(ctx, record)
	case orders.KindPayment:
		cloudID, err = c.commitPayment(ctx, record)
	default:
		err = orders.NewServiceError(opSyncRecord, "unknown_kind", fmt.Errorf("%w: %w %q", orders.ErrValidation, errUnknownKind, record.Order.Kind))
	}
	if err != nil {
		c.logger.Warn("cloud sync failed",
			zap.String("client_id", clientID),
			zap.String("kind", string(record.Order.Kind)),
			zap.Error(err),
		)
		if markErr := ledger.MarkFailed(bookkeeping, clientID, err); markErr != nil {
			return fmt.Errorf("%w: %w", ErrLedger, markErr)
		}
		return err
	}

	if inserted {
		c.notifyDetached(record.Order)
	}
	if err := ledger.MarkSynced(bookkeeping, clientID, cloudID); err != nil {
		return fmt.Errorf("%w: %w", ErrLedger, err)
	}
	c.logger.Debug("cloud sync committed", zap.String("client_id", clientID), zap.Int64("cloud_id", cloudID))
	return nil
}

// SyncAll commits records sequentially. It stops early when ctx ends or the ledger fails.
func (c *Client) SyncAll(ctx context.Context, ledger Ledger, records []orders.Record) (Summary, error) {
	started := c.clock()
	summary := Summary{}
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		err := c.SyncRecord(ctx, ledger, record)
		switch {
		case err == nil:
			summary.Synced++
		case errors.Is(err, ErrLedger):
			summary.Failed++
			summary.Duration = c.clock().Sub(started)
			return summary, err
		default:
			summary.Failed++
		}
	}
	summary.Duration = c.clock().Sub(started)
	return summary, nil
}

// Wait blocks until detached notification tasks finish.
func (c *Client) Wait() {
	c.detached.Wait()
}

func (c *Client) commitOrder(ctx context.Context, record orders.Record) (int64, bool, error) {
	ref, found, err := c.store.FindOrder(ctx, record.ClientID())
	if err != nil {
		return 0, false, err
	}
	if found {
		if err := c.repairItems(ctx, ref, record.Items); err != nil {
			return 0, false, err
		}
		return ref.ID, false, nil
	}

	ref, err = c.store.InsertOrder(ctx, record.Order)
	if errors.Is(err, orders.ErrDuplicateRecord) {
		if err := c.repairItems(ctx, ref, record.Items); err != nil {
			return 0, false, err
		}
		return ref.ID, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := c.store.InsertItems(ctx, ref.ID, record.Items); err != nil {
		return 0, false, err
	}
	return ref.ID, true, nil
}

// repairItems completes an order whose parent was committed by an earlier
// attempt that failed before its items landed.
func (c *Client) repairItems(ctx context.Context, ref cloud.OrderRef, items []orders.Item) error {
	if ref.ItemCount > 0 || len(items) == 0 {
		return nil
	}
	c.logger.Info("completing items of committed order", zap.String("client_id", ref.ClientID), zap.Int64("cloud_id", ref.ID))
	return c.store.InsertItems(ctx, ref.ID, items)
}

func (c *Client) commitUpdate(ctx context.Context, record orders.Record) (int64, error) {
	update, err := orders.DecodeUpdate([]byte(record.Order.UpdatesJSON))
	if err != nil {
		return 0, orders.NewServiceError(opSyncRecord, "invalid_update", err)
	}
	ref, err := c.store.UpdateOrder(ctx, record.Order.TargetClientID, update)
	if err != nil {
		return 0, err
	}
	return ref.ID, nil
}

func (c *Client) commitPayment(ctx context.Context, record orders.Record) (int64, error) {
	ref, found, err := c.store.FindPayment(ctx, record.ClientID())
	if err != nil {
		return 0, err
	}
	if found {
		return ref.ID, nil
	}
	ref, err = c.store.InsertPayment(ctx, record.Order)
	if err != nil && !errors.Is(err, orders.ErrDuplicateRecord) {
		return 0, err
	}
	return ref.ID, nil
}

func (c *Client) notifyDetached(order orders.Order) {
	notification := notify.Notification{
		OrderID:      order.ClientID,
		RestaurantID: order.RestaurantID,
		Locale:       order.Locale,
	}
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				c.logger.Error("order confirmation panicked",
					zap.String("operation", opNotify),
					zap.String("client_id", notification.OrderID),
					zap.Any("panic", recovered),
				)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
		defer cancel()
		if err := c.notifier.NotifyOrderConfirmed(ctx, notification); err != nil {
			c.logger.Warn("order confirmation failed",
				zap.String("operation", opNotify),
				zap.String("client_id", notification.OrderID),
				zap.Error(err),
			)
		}
	}()
}
