package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

const (
	keyPlatformIDs  = "dash:v3:home:platform:ids"
	keyBar          = "dash:v3:home:bar"
	keySmooth       = "dash:v3:home:smooth"
	keyLinePrefix   = "dash:v3:home:line:"
	keyRecentPrefix = "dash:v3:user:recent30:"

	RecentOrdersLimit = 30
	warmupUserLimit   = 1000
)

var defaultPlatformIDs = []int64{1, 2, 3, 4, 5}

// Source is the durable store the projections are computed from.
type Source interface {
	ListPlatformIDs(ctx context.Context) ([]int64, error)
	CountActiveByPlatform(ctx context.Context) (map[int64]int64, error)
	CountActiveByProvince(ctx context.Context) ([]domain.ProvinceTotal, error)
	CountActiveByCategory(ctx context.Context, platformID int64) ([]domain.CategoryCount, error)
	ListRecentOrders(ctx context.Context, userID int64, limit int, status domain.OrderStatus) ([]domain.Order, error)
	ListActiveUserIDs(ctx context.Context, limit int) ([]int64, error)
}

// HomePayload is the home dashboard document, sent whole as a snapshot and
// as the body of home merge patches.
type HomePayload struct {
	Reason         string                            `json:"reason,omitempty"`
	PlatformIDs    []int64                           `json:"platformIds"`
	Bar            []int64                           `json:"bar"`
	Smooth         []domain.ProvinceTotal            `json:"smooth"`
	LinePlatformID int64                             `json:"linePlatformId"`
	Line           []domain.CategoryCount            `json:"line"`
	LineByPlatform map[string][]domain.CategoryCount `json:"lineByPlatform"`
	RecentOrders   []domain.Order                    `json:"recentOrders,omitempty"`
	GeneratedAt    time.Time                         `json:"generatedAt"`
	Source         string                            `json:"source,omitempty"`
}

// AggregateCache serves the dashboard projections from the KV cache and
// recomputes them from Source on a miss. Global projections never expire;
// per-user recent orders live for recentTTL.
type AggregateCache struct {
	kv        Store
	src       Source
	recentTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewAggregateCache(kv Store, src Source, recentTTL time.Duration, logger *zap.Logger) *AggregateCache {
	if recentTTL <= 0 {
		recentTTL = 6 * time.Hour
	}
	return &AggregateCache{
		kv:        kv,
		src:       src,
		recentTTL: recentTTL,
		logger:    logger.With(zap.String("component", "aggregate-cache")),
		now:       time.Now,
	}
}

func lineKey(platformID int64) string {
	return keyLinePrefix + strconv.FormatInt(platformID, 10)
}

func recentKey(userID int64) string {
	return keyRecentPrefix + strconv.FormatInt(userID, 10)
}

// read reports whether key held a usable value. Errors other than a miss are
// logged and treated as a miss.
func (c *AggregateCache) read(ctx context.Context, key string, dst any) bool {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *AggregateCache) write(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func normalizePlatformIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return append([]int64(nil), defaultPlatformIDs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// resolvePlatformID falls back to the first known platform.
func resolvePlatformID(platformID int64, ids []int64) int64 {
	for _, id := range ids {
		if id == platformID {
			return id
		}
	}
	if len(ids) == 0 {
		return defaultPlatformIDs[0]
	}
	return ids[0]
}

func (c *AggregateCache) computeBar(ctx context.Context, ids []int64) ([]int64, error) {
	counts, err := c.src.CountActiveByPlatform(ctx)
	if err != nil {
		return nil, err
	}
	bar := make([]int64, len(ids))
	for i, id := range ids {
		bar[i] = counts[id]
	}
	return bar, nil
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// RefreshHomeCharts recomputes every global projection and overwrites the
// cached copies.
func (c *AggregateCache) RefreshHomeCharts(ctx context.Context) error {
	ids, err := c.src.ListPlatformIDs(ctx)
	if err != nil {
		return err
	}
	ids = normalizePlatformIDs(ids)

	bar, err := c.computeBar(ctx, ids)
	if err != nil {
		return err
	}
	smooth, err := c.src.CountActiveByProvince(ctx)
	if err != nil {
		return err
	}

	c.write(ctx, keyPlatformIDs, ids, 0)
	c.write(ctx, keyBar, bar, 0)
	c.write(ctx, keySmooth, emptyIfNil(smooth), 0)

	for _, id := range ids {
		line, err := c.src.CountActiveByCategory(ctx, id)
		if err != nil {
			return err
		}
		c.write(ctx, lineKey(id), emptyIfNil(line), 0)
	}
	return nil
}

func (c *AggregateCache) RefreshRecentOrders(ctx context.Context, userID int64) ([]domain.Order, error) {
	if userID <= 0 {
		return []domain.Order{}, nil
	}
	orders, err := c.src.ListRecentOrders(ctx, userID, RecentOrdersLimit, "")
	if err != nil {
		return nil, err
	}
	orders = emptyIfNil(orders)
	c.write(ctx, recentKey(userID), orders, c.recentTTL)
	return orders, nil
}

func (c *AggregateCache) PlatformIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if c.read(ctx, keyPlatformIDs, &ids) && len(ids) > 0 {
		return normalizePlatformIDs(ids), nil
	}
	fresh, err := c.src.ListPlatformIDs(ctx)
	if err != nil {
		return nil, err
	}
	ids = normalizePlatformIDs(fresh)
	c.write(ctx, keyPlatformIDs, ids, 0)
	return ids, nil
}

// BarCounts is aligned index by index with PlatformIDs.
func (c *AggregateCache) BarCounts(ctx context.Context) ([]int64, error) {
	ids, err := c.PlatformIDs(ctx)
	if err != nil {
		return nil, err
	}
	var bar []int64
	if c.read(ctx, keyBar, &bar) && len(bar) == len(ids) {
		return bar, nil
	}
	bar, err = c.computeBar(ctx, ids)
	if err != nil {
		return nil, err
	}
	c.write(ctx, keyBar, bar, 0)
	return bar, nil
}

func (c *AggregateCache) ProvinceTotals(ctx context.Context) ([]domain.ProvinceTotal, error) {
	var rows []domain.ProvinceTotal
	if c.read(ctx, keySmooth, &rows) {
		return emptyIfNil(rows), nil
	}
	rows, err := c.src.CountActiveByProvince(ctx)
	if err != nil {
		return nil, err
	}
	rows = emptyIfNil(rows)
	c.write(ctx, keySmooth, rows, 0)
	return rows, nil
}

func (c *AggregateCache) CategoryCounts(ctx context.Context, platformID int64) ([]domain.CategoryCount, error) {
	var rows []domain.CategoryCount
	if c.read(ctx, lineKey(platformID), &rows) {
		return emptyIfNil(rows), nil
	}
	rows, err := c.src.CountActiveByCategory(ctx, platformID)
	if err != nil {
		return nil, err
	}
	rows = emptyIfNil(rows)
	c.write(ctx, lineKey(platformID), rows, 0)
	return rows, nil
}

func (c *AggregateCache) RecentOrders(ctx context.Context, userID int64) ([]domain.Order, error) {
	if userID <= 0 {
		return []domain.Order{}, nil
	}
	var orders []domain.Order
	if c.read(ctx, recentKey(userID), &orders) {
		return emptyIfNil(orders), nil
	}
	return c.RefreshRecentOrders(ctx, userID)
}

// BuildHome assembles the home document from cached projections. snapshot
// marks payloads served by the snapshot endpoint rather than pushed.
func (c *AggregateCache) BuildHome(ctx context.Context, platformID, userID int64, snapshot bool) (*HomePayload, error) {
	ids, err := c.PlatformIDs(ctx)
	if err != nil {
		return nil, err
	}
	bar, err := c.BarCounts(ctx)
	if err != nil {
		return nil, err
	}
	smooth, err := c.ProvinceTotals(ctx)
	if err != nil {
		return nil, err
	}

	byPlatform := make(map[string][]domain.CategoryCount, len(ids))
	for _, id := range ids {
		rows, err := c.CategoryCounts(ctx, id)
		if err != nil {
			return nil, err
		}
		byPlatform[strconv.FormatInt(id, 10)] = rows
	}
	linePlatform := resolvePlatformID(platformID, ids)

	home := &HomePayload{
		PlatformIDs:    ids,
		Bar:            bar,
		Smooth:         smooth,
		LinePlatformID: linePlatform,
		Line:           byPlatform[strconv.FormatInt(linePlatform, 10)],
		LineByPlatform: byPlatform,
		GeneratedAt:    c.now().UTC(),
	}
	if userID > 0 {
		recent, err := c.RecentOrders(ctx, userID)
		if err != nil {
			return nil, err
		}
		home.RecentOrders = recent
	}
	if snapshot {
		home.Source = "cache"
	}
	return home, nil
}

// Warmup fills the global projections and the recent orders of the most
// recently active users.
func (c *AggregateCache) Warmup(ctx context.Context) error {
	start := c.now()
	if err := c.RefreshHomeCharts(ctx); err != nil {
		return err
	}
	users, err := c.src.ListActiveUserIDs(ctx, warmupUserLimit)
	if err != nil {
		return err
	}
	for _, uid := range users {
		if _, err := c.RefreshRecentOrders(ctx, uid); err != nil {
			return err
		}
	}
	c.logger.Info("dashboard cache warmup finished",
		zap.Int("users", len(users)),
		zap.Duration("took", c.now().Sub(start)),
	)
	return nil
}
