package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	"github.com/cloud-wave-best-zizon/order-service/internal/repository"
)

type brokenStore struct{}

var errBroken = errors.New("disk on fire")

func (brokenStore) Get(context.Context, string) ([]byte, error)              { return nil, errBroken }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error { return errBroken }
func (brokenStore) Delete(context.Context, string) error                     { return errBroken }
func (brokenStore) Close() error                                             { return nil }

func seededSource(t *testing.T) *repository.MemoryStore {
	t.Helper()
	ctx := context.Background()
	src := repository.NewMemoryStore()
	require.NoError(t, src.PutProduct(ctx, &domain.Product{ProductID: 1, PlatformID: 2, Category: "tea", Stock: 10}))
	require.NoError(t, src.PutProduct(ctx, &domain.Product{ProductID: 2, PlatformID: 4, Category: "cups", Stock: 10}))
	return src
}

func placeOrder(t *testing.T, src *repository.MemoryStore, no string, userID, productID, platform, province int64, category string) {
	t.Helper()
	now := time.Now()
	o := &domain.Order{
		OrderNo: no, UserID: userID, ProductID: productID, Quantity: 1, Amount: decimal.NewFromInt(5),
		Status: domain.OrderStatusPending, PayDeadline: now.Add(time.Minute), CreatedAt: now,
		PlatformID: platform, Category: category, ProvinceID: province, ProvinceName: "p",
	}
	require.NoError(t, src.CreateOrder(context.Background(), o, domain.OperationLogEntry{OrderNo: no}))
}

func TestAggregateCacheBuildHome(t *testing.T) {
	src := seededSource(t)
	placeOrder(t, src, "1", 7, 1, 2, 11, "tea")
	placeOrder(t, src, "2", 7, 1, 2, 11, "tea")
	placeOrder(t, src, "3", 8, 2, 4, 12, "cups")

	c := NewAggregateCache(openTestStore(t), src, time.Hour, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.RefreshHomeCharts(ctx))

	home, err := c.BuildHome(ctx, 4, 7, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, home.PlatformIDs)
	assert.Equal(t, []int64{2, 1}, home.Bar)
	require.Len(t, home.Smooth, 2)
	assert.Equal(t, int64(11), home.Smooth[0].ProvinceID)
	assert.Equal(t, int64(4), home.LinePlatformID)
	require.Len(t, home.Line, 1)
	assert.Equal(t, "cups", home.Line[0].Category)
	assert.Len(t, home.LineByPlatform, 2)
	assert.Len(t, home.RecentOrders, 2)
	assert.Equal(t, "cache", home.Source)

	// unknown platform falls back to the first one
	home, err = c.BuildHome(ctx, 99, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), home.LinePlatformID)
	assert.Empty(t, home.RecentOrders)
	assert.Empty(t, home.Source)
}

func TestAggregateCacheServesCachedUntilRefresh(t *testing.T) {
	src := seededSource(t)
	placeOrder(t, src, "1", 7, 1, 2, 11, "tea")

	c := NewAggregateCache(openTestStore(t), src, time.Hour, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.RefreshHomeCharts(ctx))

	placeOrder(t, src, "2", 7, 1, 2, 11, "tea")
	bar, err := c.BarCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0}, bar)

	require.NoError(t, c.RefreshHomeCharts(ctx))
	bar, err = c.BarCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 0}, bar)
}

func TestAggregateCacheRecomputesWhenStoreFails(t *testing.T) {
	src := seededSource(t)
	placeOrder(t, src, "1", 7, 1, 2, 11, "tea")

	c := NewAggregateCache(brokenStore{}, src, time.Hour, zap.NewNop())
	home, err := c.BuildHome(context.Background(), 2, 7, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0}, home.Bar)
	assert.Len(t, home.RecentOrders, 1)
}

func TestAggregateCacheDefaultsPlatforms(t *testing.T) {
	c := NewAggregateCache(openTestStore(t), repository.NewMemoryStore(), time.Hour, zap.NewNop())
	ids, err := c.PlatformIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)

	bar, err := c.BarCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0, 0, 0}, bar)
}

func TestAggregateCacheWarmup(t *testing.T) {
	src := seededSource(t)
	placeOrder(t, src, "1", 7, 1, 2, 11, "tea")
	kv := openTestStore(t)
	c := NewAggregateCache(kv, src, time.Hour, zap.NewNop())

	require.NoError(t, c.Warmup(context.Background()))

	_, err := kv.Get(context.Background(), recentKey(7))
	assert.NoError(t, err)
	_, err = kv.Get(context.Background(), lineKey(2))
	assert.NoError(t, err)
}
