package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/cloud"
	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/notify"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/MarcoPoloResearchLab/tableside/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	queue    *queue.Queue
	cloud    *cloud.GormStore
	store    *flakyStore
	notifier *recordingNotifier
	client   *Client
}

func openSQLite(t *testing.T, name string, schema database.Schema) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), name), schema, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q, err := queue.New(queue.Config{Database: openSQLite(t, "queue.db", queue.Schema()), Clock: steppingClock(), IDProvider: orders.NewUUIDProvider()})
	require.NoError(t, err)
	store, err := cloud.NewGormStore(cloud.GormStoreConfig{Database: openSQLite(t, "cloud.db", cloud.Schema())})
	require.NoError(t, err)
	flaky := &flakyStore{Store: store}
	notifier := &recordingNotifier{}
	client, err := NewClient(Config{Store: flaky, Notifier: notifier})
	require.NoError(t, err)
	return &fixture{queue: q, cloud: store, store: flaky, notifier: notifier, client: client}
}

// steppingClock advances one second per reading so capture order is deterministic.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Unix(1760000000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

// flakyStore fails selected operations a fixed number of times.
type flakyStore struct {
	cloud.Store

	mu               sync.Mutex
	findFailures     int
	insertFailures   int
	itemFailures     int
	insertOrderCalls int
}

var errCloudDown = fmt.Errorf("%w: cloud unreachable", orders.ErrTransientNetwork)

func (s *flakyStore) FindOrder(ctx context.Context, clientID string) (cloud.OrderRef, bool, error) {
	s.mu.Lock()
	if s.findFailures > 0 {
		s.findFailures--
		s.mu.Unlock()
		return cloud.OrderRef{}, false, errCloudDown
	}
	s.mu.Unlock()
	return s.Store.FindOrder(ctx, clientID)
}

func (s *flakyStore) InsertOrder(ctx context.Context, order orders.Order) (cloud.OrderRef, error) {
	s.mu.Lock()
	s.insertOrderCalls++
	if s.insertFailures > 0 {
		s.insertFailures--
		s.mu.Unlock()
		return cloud.OrderRef{}, errCloudDown
	}
	s.mu.Unlock()
	return s.Store.InsertOrder(ctx, order)
}

func (s *flakyStore) InsertItems(ctx context.Context, orderID int64, items []orders.Item) error {
	s.mu.Lock()
	if s.itemFailures > 0 {
		s.itemFailures--
		s.mu.Unlock()
		return errCloudDown
	}
	s.mu.Unlock()
	return s.Store.InsertItems(ctx, orderID, items)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notify.Notification
	panic bool
}

func (n *recordingNotifier) NotifyOrderConfirmed(_ context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification)
	if n.panic {
		panic("mailer exploded")
	}
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func enqueueABC1(t *testing.T, q *queue.Queue) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), orders.Order{
		ClientID:     "abc-1",
		RestaurantID: "r1",
		TableID:      "t4",
		Total:        24,
		Locale:       "en",
	}, []orders.Item{{MenuItemID: "m1", Name: "Pho", Quantity: 2, PriceAtTime: 12}})
	require.NoError(t, err)
}

func syncPending(t *testing.T, f *fixture) Summary {
	t.Helper()
	records, err := f.queue.ListToSync(context.Background())
	require.NoError(t, err)
	summary, err := f.client.SyncAll(context.Background(), NewQueueLedger(f.queue), records)
	require.NoError(t, err)
	return summary
}

func TestOfflineOrderReachesCloudOnceAndLeavesQueue(t *testing.T) {
	f := newFixture(t)
	enqueueABC1(t, f.queue)

	summary := syncPending(t, f)
	assert.Equal(t, 1, summary.Synced)
	f.client.Wait()

	row, err := f.cloud.LoadOrder(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Equal(t, 24.0, row.Total)
	require.Len(t, row.Items, 1)
	assert.Equal(t, 2, row.Items[0].Quantity)
	assert.Equal(t, 12.0, row.Items[0].PriceAtTime)

	count, err := f.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, 1, f.notifier.count())
}

func TestRepeatedSyncOfSameClientIDKeepsOneCloudRow(t *testing.T) {
	f := newFixture(t)
	record := orders.Record{
		Order: orders.Order{ClientID: "abc-1", Kind: orders.KindOrder, RestaurantID: "r1", Total: 24},
		Items: []orders.Item{{MenuItemID: "m1", Quantity: 2, PriceAtTime: 12}},
	}
	ledger := &memoryLedger{}
	for attempt := 0; attempt < 3; attempt++ {
		require.NoError(t, f.client.SyncRecord(context.Background(), ledger, record))
	}
	f.client.Wait()

	count, err := f.cloud.CountOrders(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	loaded, err := f.cloud.LoadOrder(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 1)
	assert.Equal(t, 1, f.store.insertOrderCalls)
	assert.Equal(t, 1, f.notifier.count())
}

// pausingStore holds the first InsertItems call until released.
type pausingStore struct {
	cloud.Store

	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) InsertItems(ctx context.Context, orderID int64, items []orders.Item) error {
	s.once.Do(func() {
		close(s.paused)
		<-s.release
	})
	return s.Store.InsertItems(ctx, orderID, items)
}

func TestInterleavedTiersCommitItemsOnce(t *testing.T) {
	f := newFixture(t)
	record := orders.Record{
		Order: orders.Order{ClientID: "abc-1", Kind: orders.KindOrder, RestaurantID: "r1", Total: 24},
		Items: []orders.Item{{MenuItemID: "m1", Quantity: 2, PriceAtTime: 12}},
	}
	slow := &pausingStore{Store: f.cloud, paused: make(chan struct{}), release: make(chan struct{})}
	deviceClient, err := NewClient(Config{Store: slow})
	require.NoError(t, err)
	hubClient, err := NewClient(Config{Store: f.cloud})
	require.NoError(t, err)

	deviceDone := make(chan error, 1)
	go func() {
		deviceDone <- deviceClient.SyncRecord(context.Background(), &memoryLedger{}, record)
	}()
	<-slow.paused

	require.NoError(t, hubClient.SyncRecord(context.Background(), &memoryLedger{}, record))
	close(slow.release)
	require.NoError(t, <-deviceDone)
	deviceClient.Wait()
	hubClient.Wait()

	count, err := f.cloud.CountOrders(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	loaded, err := f.cloud.LoadOrder(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 1)
}

func TestTransientFailuresEventuallyDeliver(t *testing.T) {
	f := newFixture(t)
	enqueueABC1(t, f.queue)
	f.store.findFailures = 2

	for pass := 0; pass < 2; pass++ {
		summary := syncPending(t, f)
		assert.Equal(t, 1, summary.Failed, "pass %d", pass)
	}
	record, err := f.queue.Get(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Sync.RetryCount)
	assert.Contains(t, record.Sync.ErrorMessage, "cloud unreachable")

	summary := syncPending(t, f)
	assert.Equal(t, 1, summary.Synced)
	_, err = f.queue.Get(context.Background(), "abc-1")
	require.ErrorIs(t, err, orders.ErrRecordNotFound)
}

func TestItemFailureIsRepairedOnNextAttempt(t *testing.T) {
	f := newFixture(t)
	enqueueABC1(t, f.queue)
	f.store.itemFailures = 1

	summary := syncPending(t, f)
	assert.Equal(t, 1, summary.Failed)

	summary = syncPending(t, f)
	assert.Equal(t, 1, summary.Synced)

	loaded, err := f.cloud.LoadOrder(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 1)
	count, err := f.cloud.CountOrders(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestRetryBudgetStopsAutomaticAttempts(t *testing.T) {
	f := newFixture(t)
	enqueueABC1(t, f.queue)
	f.store.findFailures = 100

	for pass := 0; pass < orders.DefaultMaxRetries+2; pass++ {
		syncPending(t, f)
	}
	record, err := f.queue.Get(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Equal(t, orders.SyncStatusFailed, record.Sync.Status)
	assert.Equal(t, orders.DefaultMaxRetries, record.Sync.RetryCount)
	assert.Equal(t, 100-orders.DefaultMaxRetries, f.store.findFailures)
}

func TestUpdateAndPaymentRecordsApplyByClientID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enqueueABC1(t, f.queue)
	served := orders.OrderStatusServed
	_, err := f.queue.EnqueueUpdate(ctx, "r1", "abc-1", orders.Update{Status: &served})
	require.NoError(t, err)
	paymentID, err := f.queue.EnqueuePayment(ctx, "r1", "abc-1", 24, "card")
	require.NoError(t, err)

	summary := syncPending(t, f)
	assert.Equal(t, 3, summary.Synced)

	loaded, err := f.cloud.LoadOrder(ctx, "abc-1")
	require.NoError(t, err)
	assert.Equal(t, orders.OrderStatusServed, loaded.Status)
	_, found, err := f.cloud.FindPayment(ctx, paymentID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestUpdateForUnknownOrderFails(t *testing.T) {
	f := newFixture(t)
	served := orders.OrderStatusServed
	_, err := f.queue.EnqueueUpdate(context.Background(), "r1", "ghost", orders.Update{Status: &served})
	require.NoError(t, err)

	summary := syncPending(t, f)
	assert.Equal(t, 1, summary.Failed)
}

func TestNotifierPanicDoesNotFailSync(t *testing.T) {
	f := newFixture(t)
	f.notifier.panic = true
	enqueueABC1(t, f.queue)

	summary := syncPending(t, f)
	f.client.Wait()
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 1, f.notifier.count())
}

func TestCancelledAttemptIsRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	enqueueABC1(t, f.queue)
	records, err := f.queue.ListToSync(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.client.SyncRecord(ctx, NewQueueLedger(f.queue), records[0])
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrLedger))

	record, err := f.queue.Get(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.Equal(t, orders.SyncStatusFailed, record.Sync.Status)
}

func TestLedgerFailureStopsPass(t *testing.T) {
	f := newFixture(t)
	records := []orders.Record{
		{Order: orders.Order{ClientID: "a", Kind: orders.KindOrder, RestaurantID: "r1"}},
		{Order: orders.Order{ClientID: "b", Kind: orders.KindOrder, RestaurantID: "r1"}},
	}
	summary, err := f.client.SyncAll(context.Background(), &memoryLedger{failSyncing: true}, records)
	require.ErrorIs(t, err, ErrLedger)
	assert.Equal(t, 1, summary.Failed)
}

type memoryLedger struct {
	mu          sync.Mutex
	failSyncing bool
	synced      map[string]int64
}

func (l *memoryLedger) MarkSyncing(context.Context, string) error {
	if l.failSyncing {
		return errors.New("disk full")
	}
	return nil
}

func (l *memoryLedger) MarkSynced(_ context.Context, clientID string, cloudID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.synced == nil {
		l.synced = map[string]int64{}
	}
	l.synced[clientID] = cloudID
	return nil
}

func (l *memoryLedger) MarkFailed(context.Context, string, error) error {
	return nil
}
