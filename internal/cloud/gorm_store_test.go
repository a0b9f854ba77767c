package cloud

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/database"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "cloud.db"), Schema(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := NewGormStore(GormStoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1760000100, 0) },
	})
	require.NoError(t, err)
	return store
}

func sampleCloudOrder() orders.Order {
	return orders.Order{ClientID: "abc-1", Kind: orders.KindOrder, RestaurantID: "r1", TableID: "t4", Total: 24, CreatedAt: 1760000000}
}

func TestGormStoreInsertOrderIsIdempotentByClientID(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	first, err := store.InsertOrder(ctx, sampleCloudOrder())
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	second, err := store.InsertOrder(ctx, sampleCloudOrder())
	require.ErrorIs(t, err, orders.ErrDuplicateRecord)
	assert.Equal(t, first.ID, second.ID)

	count, err := store.CountOrders(ctx, "abc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestGormStoreConcurrentInsertsKeepOneRow(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for index := range ids {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			ref, err := store.InsertOrder(ctx, sampleCloudOrder())
			ids[index] = ref.ID
			errs[index] = err
		}(index)
	}
	wg.Wait()

	inserted := 0
	for index, err := range errs {
		if err == nil {
			inserted++
		} else {
			require.ErrorIs(t, err, orders.ErrDuplicateRecord)
		}
		assert.Equal(t, ids[0], ids[index])
	}
	assert.Equal(t, 1, inserted)
}

func TestGormStoreFindOrderReportsItemCount(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()

	_, found, err := store.FindOrder(ctx, "abc-1")
	require.NoError(t, err)
	assert.False(t, found)

	ref, err := store.InsertOrder(ctx, sampleCloudOrder())
	require.NoError(t, err)
	require.NoError(t, store.InsertItems(ctx, ref.ID, []orders.Item{{MenuItemID: "m1", Name: "Pho", Quantity: 2, PriceAtTime: 12}}))

	found2, ok, err := store.FindOrder(ctx, "abc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, found2.ItemCount)

	loaded, err := store.LoadOrder(ctx, "abc-1")
	require.NoError(t, err)
	assert.Equal(t, 24.0, loaded.Total)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, 12.0, loaded.Items[0].PriceAtTime)
}

func TestGormStoreInsertItemsRequiresParent(t *testing.T) {
	store := newTestGormStore(t)
	err := store.InsertItems(context.Background(), 99, []orders.Item{{MenuItemID: "m1", Quantity: 1}})
	require.ErrorIs(t, err, orders.ErrRecordNotFound)
}

func TestGormStoreInsertItemsKeepsOneRowPerPosition(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()
	ref, err := store.InsertOrder(ctx, sampleCloudOrder())
	require.NoError(t, err)
	items := []orders.Item{
		{MenuItemID: "m1", Name: "Pho", Quantity: 2, PriceAtTime: 12},
		{MenuItemID: "m2", Name: "Tea", Quantity: 1, PriceAtTime: 3},
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for index := range errs {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			errs[index] = store.InsertItems(ctx, ref.ID, items)
		}(index)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, store.InsertItems(ctx, ref.ID, items))

	loaded, err := store.LoadOrder(ctx, "abc-1")
	require.NoError(t, err)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, "m1", loaded.Items[0].MenuItemID)
	assert.Equal(t, "m2", loaded.Items[1].MenuItemID)
}

func TestGormStoreUpdateOrderAppliesWhitelistedFields(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()
	_, err := store.InsertOrder(ctx, sampleCloudOrder())
	require.NoError(t, err)

	served := orders.OrderStatusServed
	total := 30.0
	_, err = store.UpdateOrder(ctx, "abc-1", orders.Update{Status: &served, Total: &total})
	require.NoError(t, err)

	loaded, err := store.LoadOrder(ctx, "abc-1")
	require.NoError(t, err)
	assert.Equal(t, orders.OrderStatusServed, loaded.Status)
	assert.Equal(t, 30.0, loaded.Total)
	assert.Equal(t, "t4", loaded.TableID)

	_, err = store.UpdateOrder(ctx, "missing", orders.Update{Status: &served})
	require.True(t, errors.Is(err, orders.ErrRecordNotFound))
}

func TestGormStorePaymentsDedupAndRequireOrder(t *testing.T) {
	store := newTestGormStore(t)
	ctx := context.Background()
	payment := orders.Order{ClientID: "pay-1", Kind: orders.KindPayment, RestaurantID: "r1", TargetClientID: "abc-1", Total: 24, PaymentMethod: "card"}

	_, err := store.InsertPayment(ctx, payment)
	require.ErrorIs(t, err, orders.ErrRecordNotFound)

	_, err = store.InsertOrder(ctx, sampleCloudOrder())
	require.NoError(t, err)
	first, err := store.InsertPayment(ctx, payment)
	require.NoError(t, err)
	second, err := store.InsertPayment(ctx, payment)
	require.ErrorIs(t, err, orders.ErrDuplicateRecord)
	assert.Equal(t, first.ID, second.ID)

	ref, found, err := store.FindPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.ID, ref.ID)
}
