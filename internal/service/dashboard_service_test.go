package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/cache"
	"github.com/cloud-wave-best-zizon/order-service/internal/dashboard"
	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	"github.com/cloud-wave-best-zizon/order-service/internal/repository"
)

type dashboardFixture struct {
	store  *repository.MemoryStore
	log    *dashboard.EventLog
	broker *dashboard.Broker
	svc    *DashboardService
	orders *OrderService
}

func newDashboardFixture(t *testing.T) *dashboardFixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.PutProduct(ctx, &domain.Product{
		ProductID: testProduct, Category: "tea", PlatformID: 2, Price: decimal.NewFromInt(10), Stock: 50,
	}))
	require.NoError(t, store.PutProduct(ctx, &domain.Product{
		ProductID: scarceItem, Category: "cups", PlatformID: 3, Price: decimal.NewFromInt(10), Stock: 50,
	}))
	require.NoError(t, store.PutCity(ctx, &domain.City{CityID: testCity, ProvinceID: testProvince, ProvinceName: "Gyeongsang"}))

	kv, err := cache.OpenPebble("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	aggregates := cache.NewAggregateCache(kv, store, time.Hour, zap.NewNop())
	log := dashboard.NewEventLog(1000, time.Now())
	broker := dashboard.NewBroker(log, 16, zap.NewNop())
	svc := NewDashboardService(aggregates, dashboard.NewPublisher(log, broker), zap.NewNop())
	orders := NewOrderService(store, &seqIDs{}, nil, svc, aggregates, OrderSettings{}, zap.NewNop())
	return &dashboardFixture{store: store, log: log, broker: broker, svc: svc, orders: orders}
}

func TestOrderTransitionsPublishHomePatches(t *testing.T) {
	f := newDashboardFixture(t)
	ctx := context.Background()
	sub := f.broker.Open([]string{domain.TopicHome}, nil)
	hello := <-sub.Events()
	require.Equal(t, domain.EventHello, hello.Type)

	created, err := f.orders.CreateOrders(ctx, buyer, []domain.OrderLine{line(testProduct, 1), line(scarceItem, 1)})
	require.NoError(t, err)
	_, err = f.orders.Cancel(ctx, buyer, created[1].OrderNo)
	require.NoError(t, err)

	// one patch per committed transition batch
	require.Equal(t, 2, f.log.Len())
	events := f.log.ReadAfter(hello.Cursor, 10)
	require.Len(t, events, 2)

	first := events[0].Payload.(*cache.HomePayload)
	assert.Equal(t, ReasonCreateOrder, first.Reason)
	assert.Equal(t, []int64{2, 3}, first.PlatformIDs)
	assert.Equal(t, []int64{1, 1}, first.Bar)
	assert.Empty(t, first.RecentOrders)

	second := events[1].Payload.(*cache.HomePayload)
	assert.Equal(t, ReasonCancelOrder, second.Reason)
	assert.Equal(t, []int64{1, 0}, second.Bar)
	assert.Greater(t, events[1].Cursor, events[0].Cursor)

	for _, want := range events {
		got := <-sub.Events()
		assert.Equal(t, want.Cursor, got.Cursor)
		assert.Equal(t, domain.OpMerge, got.Op)
	}

	// the user's recent orders were refreshed in the cache
	recent, err := f.orders.RecentOrders(ctx, buyer, 0, "")
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestDashboardSnapshotScopes(t *testing.T) {
	f := newDashboardFixture(t)
	ctx := context.Background()
	_, err := f.orders.CreateOrders(ctx, buyer, []domain.OrderLine{line(testProduct, 1), line(scarceItem, 1)})
	require.NoError(t, err)

	snap, err := f.svc.Snapshot(ctx, SnapshotQuery{UserID: buyer})
	require.NoError(t, err)
	assert.Equal(t, ScopeHome, snap.Scope)
	home := snap.Data.(*cache.HomePayload)
	assert.Equal(t, "cache", home.Source)
	assert.Len(t, home.RecentOrders, 2)

	snap, err = f.svc.Snapshot(ctx, SnapshotQuery{Scope: "Platform", PlatformID: 3})
	require.NoError(t, err)
	platform := snap.Data.(*ScopeSnapshot)
	assert.Equal(t, int64(3), platform.PlatformID)
	require.Len(t, platform.Line, 1)
	assert.Equal(t, "cups", platform.Line[0].Category)

	snap, err = f.svc.Snapshot(ctx, SnapshotQuery{Scope: "platform", PlatformID: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Data.(*ScopeSnapshot).PlatformID)

	snap, err = f.svc.Snapshot(ctx, SnapshotQuery{Scope: "category", PlatformID: 2, Category: "coffee"})
	require.NoError(t, err)
	assert.Empty(t, snap.Data.(*ScopeSnapshot).Line)

	snap, err = f.svc.Snapshot(ctx, SnapshotQuery{Scope: "province", ProvinceID: testProvince})
	require.NoError(t, err)
	smooth := snap.Data.(*ScopeSnapshot).Smooth
	require.Len(t, smooth, 1)
	assert.Equal(t, int64(2), smooth[0].OrderTotal)

	snap, err = f.svc.Snapshot(ctx, SnapshotQuery{Scope: "reports"})
	require.NoError(t, err)
	assert.Equal(t, ScopeHome, snap.Scope)
}

type recordingRebuilder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingRebuilder) RebuildAndPublish(_ context.Context, reason string, _ ...int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *recordingRebuilder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func TestRefreshDispatcherKeepsOrder(t *testing.T) {
	target := &recordingRebuilder{}
	d := NewRefreshDispatcher(target, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	want := []string{ReasonCreateOrder, ReasonPayOrder, ReasonCancelOrder, ReasonTimeoutScan, ReasonTimeoutDelay}
	for _, reason := range want {
		d.Notify(ctx, reason, buyer)
	}
	assert.Eventually(t, func() bool { return len(target.seen()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, target.seen())
}

func TestRefreshDispatcherDropsWhenFullAndCanceled(t *testing.T) {
	target := &recordingRebuilder{}
	d := NewRefreshDispatcher(target, 1, zap.NewNop())

	d.Notify(context.Background(), ReasonCreateOrder)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		d.Notify(ctx, ReasonPayOrder)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify blocked after cancel")
	}
	assert.Len(t, d.queue, 1)
}
