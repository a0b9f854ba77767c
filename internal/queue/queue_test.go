package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return "generated-" + string(rune('a'+s.next-1)), nil
}

func openTestDatabase(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(path, Schema(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open queue database: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestQueue(t *testing.T, db *gorm.DB) *Queue {
	t.Helper()
	q, err := New(Config{
		Database:   db,
		IDProvider: &sequenceIDs{},
		Clock:      func() time.Time { return time.Unix(1760000000, 0) },
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	return q
}

func sampleOrder() (orders.Order, []orders.Item) {
	return orders.Order{
			ClientID:     "abc-1",
			RestaurantID: "r1",
			TableID:      "t4",
			Total:        24.00,
		}, []orders.Item{
			{MenuItemID: "m1", Name: "Pho", Quantity: 2, PriceAtTime: 12.00},
		}
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	first := openTestDatabase(t, path)
	q := newTestQueue(t, first)
	order, items := sampleOrder()
	clientID, err := q.Enqueue(ctx, order, items)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	sqlDB, _ := first.DB()
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	restarted := newTestQueue(t, openTestDatabase(t, path))
	records, err := restarted.ListToSync(ctx)
	if err != nil {
		t.Fatalf("list to sync failed: %v", err)
	}
	if len(records) != 1 || records[0].ClientID() != clientID {
		t.Fatalf("expected %s after restart, got %#v", clientID, records)
	}
	if len(records[0].Items) != 1 || records[0].Items[0].Quantity != 2 || records[0].Items[0].PriceAtTime != 12.00 {
		t.Fatalf("unexpected items after restart: %#v", records[0].Items)
	}
}

func TestEnqueueGeneratesClientIDAndDefaults(t *testing.T) {
	q := newTestQueue(t, openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db")))
	ctx := context.Background()

	clientID, err := q.Enqueue(ctx, orders.Order{RestaurantID: "r1", Total: 5}, nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if clientID != "generated-a" {
		t.Fatalf("expected generated client id, got %q", clientID)
	}
	record, err := q.Get(ctx, clientID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Order.Kind != orders.KindOrder || record.Order.Status != orders.OrderStatusNew {
		t.Fatalf("unexpected defaults: %#v", record.Order)
	}
	if record.Order.CreatedAt != 1760000000 || record.Sync.Status != orders.SyncStatusPending {
		t.Fatalf("unexpected bookkeeping: %#v", record)
	}
}

func TestEnqueueDuplicateClientIDIsNoOp(t *testing.T) {
	q := newTestQueue(t, openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db")))
	ctx := context.Background()
	order, items := sampleOrder()

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := q.Enqueue(ctx, order, items); err != nil {
			t.Fatalf("enqueue attempt %d failed: %v", attempt, err)
		}
	}
	items, err := q.ItemsFor(ctx, order.ClientID)
	if err != nil {
		t.Fatalf("items for failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item row, got %d", len(items))
	}
}

func TestEnqueueRejectsInvalidItems(t *testing.T) {
	q := newTestQueue(t, openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db")))
	order, _ := sampleOrder()
	_, err := q.Enqueue(context.Background(), order, []orders.Item{{MenuItemID: "m1", Quantity: 0}})
	if !errors.Is(err, orders.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	count, err := q.PendingCount(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("expected nothing persisted, count=%d err=%v", count, err)
	}
}

func TestRetryBudgetExcludesExhaustedRecords(t *testing.T) {
	q := newTestQueue(t, openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db")))
	ctx := context.Background()
	order, items := sampleOrder()
	if _, err := q.Enqueue(ctx, order, items); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for attempt := 1; attempt <= orders.DefaultMaxRetries; attempt++ {
		if err := q.UpdateStatus(ctx, "abc-1", orders.SyncStatusSyncing, ""); err != nil {
			t.Fatalf("attempt %d syncing: %v", attempt, err)
		}
		if err := q.UpdateStatus(ctx, "abc-1", orders.SyncStatusFailed, "cloud unreachable"); err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
		records, err := q.ListToSync(ctx)
		if err != nil {
			t.Fatalf("list to sync failed: %v", err)
		}
		wantListed := attempt < orders.DefaultMaxRetries
		if (len(records) == 1) != wantListed {
			t.Fatalf("attempt %d: expected listed=%v, got %d records", attempt, wantListed, len(records))
		}
	}

	record, err := q.Get(ctx, "abc-1")
	if err != nil {
		t.Fatalf("exhausted record must remain queryable: %v", err)
	}
	if record.Sync.Status != orders.SyncStatusFailed || record.Sync.RetryCount != 5 {
		t.Fatalf("unexpected sync state %#v", record.Sync)
	}
	if record.Sync.ErrorMessage != "cloud unreachable" {
		t.Fatalf("expected last error to be kept, got %q", record.Sync.ErrorMessage)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Failed != 1 || stats.Exhausted != 1 || stats.LastError != "cloud unreachable" {
		t.Fatalf("unexpected stats %#v", stats)
	}
}

func TestUpdateStatusRejectsBackwardTransitions(t *testing.T) {
	q := newTestQueue(t, openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db")))
	ctx := context.Background()
	order, items := sampleOrder()
	if _, err := q.Enqueue(ctx, order, items); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := q.UpdateStatus(ctx, "abc-1", orders.SyncStatusSynced, ""); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("expected pending->synced to be rejected, got %v", err)
	}
	if err := q.UpdateStatus(ctx, "missing", orders.SyncStatusSyncing, ""); !errors.Is(err, orders.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoveDeletesRecordAndItemsTogether(t *testing.T) {
	db := openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db"))
	q := newTestQueue(t, db)
	ctx := context.Background()
	order, items := sampleOrder()
	if _, err := q.Enqueue(ctx, order, items); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := q.Remove(ctx, "abc-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := q.Remove(ctx, "abc-1"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}

	var itemCount int64
	if err := db.Model(&ItemRow{}).Count(&itemCount).Error; err != nil {
		t.Fatalf("count items failed: %v", err)
	}
	if itemCount != 0 {
		t.Fatalf("expected orphan items to be removed, found %d", itemCount)
	}
	if _, err := q.Get(ctx, "abc-1"); !errors.Is(err, orders.ErrRecordNotFound) {
		t.Fatalf("expected record gone, got %v", err)
	}
}

func TestRecoverInterruptedReturnsRecordsToRetry(t *testing.T) {
	q := newTestQueue(t, openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db")))
	ctx := context.Background()
	order, items := sampleOrder()
	if _, err := q.Enqueue(ctx, order, items); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, "abc-1", orders.SyncStatusSyncing, ""); err != nil {
		t.Fatalf("mark syncing failed: %v", err)
	}

	recovered, err := q.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected one recovered record, got %d", recovered)
	}
	records, err := q.ListToSync(ctx)
	if err != nil {
		t.Fatalf("list to sync failed: %v", err)
	}
	if len(records) != 1 || records[0].Sync.Status != orders.SyncStatusFailed || records[0].Sync.RetryCount != 1 {
		t.Fatalf("unexpected records after recovery: %#v", records)
	}
}

func TestEnqueueUpdateAndPaymentKinds(t *testing.T) {
	q := newTestQueue(t, openTestDatabase(t, filepath.Join(t.TempDir(), "queue.db")))
	ctx := context.Background()
	served := orders.OrderStatusServed

	updateID, err := q.EnqueueUpdate(ctx, "r1", "abc-1", orders.Update{Status: &served})
	if err != nil {
		t.Fatalf("enqueue update failed: %v", err)
	}
	paymentID, err := q.EnqueuePayment(ctx, "r1", "abc-1", 24, "card")
	if err != nil {
		t.Fatalf("enqueue payment failed: %v", err)
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending failed: %v", err)
	}
	kinds := map[string]orders.Kind{}
	for _, record := range pending {
		kinds[record.ClientID()] = record.Order.Kind
	}
	if kinds[updateID] != orders.KindOrderUpdate || kinds[paymentID] != orders.KindPayment {
		t.Fatalf("unexpected kinds %#v", kinds)
	}
}
