package hub

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloudsync"
	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/hubcache"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultFlushBatch    = 100
	defaultRetention     = 7 * 24 * time.Hour

	opFlush   = "hub.flush"
	opCleanup = "hub.cleanup"
)

var errMissingSyncClient = errors.New("cloud sync client is required")

// FlusherConfig describes the Flusher dependencies.
type FlusherConfig struct {
	Cache     *hubcache.Store
	Sync      *cloudsync.Client
	Bus       *events.Bus
	Logger    *zap.Logger
	Clock     func() time.Time
	Signal    <-chan struct{}
	Interval  time.Duration
	BatchSize int
	Retention time.Duration
}

// Flusher pushes unsynced cache rows to the cloud on a timer and whenever the
// relay signals new data, and prunes old synced rows.
type Flusher struct {
	cache     *hubcache.Store
	sync      *cloudsync.Client
	bus       *events.Bus
	logger    *zap.Logger
	clock     func() time.Time
	signal    <-chan struct{}
	interval  time.Duration
	batchSize int
	retention time.Duration
}

// NewFlusher constructs a Flusher.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Cache == nil {
		return nil, orders.NewServiceError("hub.new_flusher", "missing_cache", errMissingCache)
	}
	if cfg.Sync == nil {
		return nil, orders.NewServiceError("hub.new_flusher", "missing_sync_client", errMissingSyncClient)
	}
	flusher := &Flusher{
		cache:     cfg.Cache,
		sync:      cfg.Sync,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		signal:    cfg.Signal,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		retention: cfg.Retention,
	}
	if flusher.logger == nil {
		flusher.logger = zap.NewNop()
	}
	if flusher.clock == nil {
		flusher.clock = time.Now
	}
	if flusher.interval <= 0 {
		flusher.interval = defaultFlushInterval
	}
	if flusher.batchSize <= 0 {
		flusher.batchSize = defaultFlushBatch
	}
	if flusher.retention <= 0 {
		flusher.retention = defaultRetention
	}
	return flusher, nil
}

// Run flushes until ctx ends. Flush failures are logged; rows stay unsynced
// and are retried on the next tick.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.sync.Wait()
			return nil
		case <-ticker.C:
			f.runOnce(ctx)
			f.cleanup(ctx)
		case <-f.signal:
			f.runOnce(ctx)
		}
	}
}

func (f *Flusher) runOnce(ctx context.Context) {
	if _, err := f.FlushOnce(ctx); err != nil && ctx.Err() == nil {
		f.logger.Error("cloud flush failed", zap.String("operation", opFlush), zap.Error(err))
	}
}

func (f *Flusher) cleanup(ctx context.Context) {
	if _, err := f.Cleanup(ctx); err != nil && ctx.Err() == nil {
		f.logger.Error("cache cleanup failed", zap.String("operation", opCleanup), zap.Error(err))
	}
}

// FlushOnce drains unsynced rows batch by batch. Each row is attempted at most
// once per call, so failing rows never block the rows behind them.
func (f *Flusher) FlushOnce(ctx context.Context) (cloudsync.Summary, error) {
	started := f.clock()
	total := cloudsync.Summary{}
	var attempted []string
	for ctx.Err() == nil {
		batch, err := f.cache.NextFlushBatch(ctx, f.batchSize, attempted...)
		if err != nil {
			return total, err
		}
		if len(batch.Records) == 0 {
			break
		}
		summary, err := f.sync.SyncAll(ctx, batch, batch.Records)
		total.Synced += summary.Synced
		total.Failed += summary.Failed
		if err != nil {
			return total, err
		}
		attempted = append(attempted, batch.ClientIDs...)
		if len(batch.ClientIDs) < f.batchSize {
			break
		}
	}
	total.Duration = f.clock().Sub(started)
	if total.Synced > 0 || total.Failed > 0 {
		f.logger.Info("cloud flush finished",
			zap.Int("synced", total.Synced),
			zap.Int("failed", total.Failed),
			zap.Duration("duration", total.Duration))
		f.bus.Emit(events.CloudFlushed, eventSource, total)
	}
	return total, nil
}

// Cleanup removes synced rows older than the retention window.
func (f *Flusher) Cleanup(ctx context.Context) (int64, error) {
	removed, err := f.cache.Cleanup(ctx, f.clock().Add(-f.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		f.logger.Info("cache rows pruned", zap.Int64("removed", removed))
	}
	return removed, nil
}
