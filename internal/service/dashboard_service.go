package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/cache"
	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

const (
	ScopeHome     = "home"
	ScopePlatform = "platform"
	ScopeProvince = "province"
	ScopeCategory = "category"
)

type PatchPublisher interface {
	PublishPatch(topic string, op domain.PatchOp, payload any) domain.DashboardEvent
}

type SnapshotQuery struct {
	Scope      string
	PlatformID int64
	Category   string
	ProvinceID int64
	UserID     int64
}

// ScopeSnapshot is the payload of the non-home snapshot scopes.
type ScopeSnapshot struct {
	Scope        string                 `json:"scope"`
	PlatformID   int64                  `json:"platformId,omitempty"`
	ProvinceID   int64                  `json:"provinceId,omitempty"`
	CategoryName string                 `json:"categoryName,omitempty"`
	Line         []domain.CategoryCount `json:"line,omitempty"`
	Smooth       []domain.ProvinceTotal `json:"smooth,omitempty"`
}

type Snapshot struct {
	Scope string `json:"scope"`
	Data  any    `json:"data"`
}

// DashboardService turns order activity into home patches and answers
// snapshot reads from the aggregate cache.
type DashboardService struct {
	cache     *cache.AggregateCache
	publisher PatchPublisher
	logger    *zap.Logger
}

func NewDashboardService(aggregates *cache.AggregateCache, publisher PatchPublisher, logger *zap.Logger) *DashboardService {
	return &DashboardService{
		cache:     aggregates,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "dashboard-service")),
	}
}

// RebuildAndPublish recomputes the projections touched by an order change
// and publishes one home merge patch. Recent orders of userIDs are refreshed
// in the cache only; they are not part of the broadcast.
func (s *DashboardService) RebuildAndPublish(ctx context.Context, reason string, userIDs ...int64) error {
	if err := s.cache.RefreshHomeCharts(ctx); err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(userIDs))
	for _, uid := range userIDs {
		if _, dup := seen[uid]; dup || uid <= 0 {
			continue
		}
		seen[uid] = struct{}{}
		if _, err := s.cache.RefreshRecentOrders(ctx, uid); err != nil {
			s.logger.Warn("Failed to refresh recent orders", zap.Int64("user_id", uid), zap.Error(err))
		}
	}

	home, err := s.cache.BuildHome(ctx, 0, 0, false)
	if err != nil {
		return err
	}
	home.Reason = reason
	evt := s.publisher.PublishPatch(domain.TopicHome, domain.OpMerge, home)
	s.logger.Debug("Dashboard patch published",
		zap.String("reason", reason),
		zap.Int64("cursor", evt.Cursor))
	return nil
}

// Notify refreshes synchronously on the caller's goroutine.
func (s *DashboardService) Notify(ctx context.Context, reason string, userIDs ...int64) {
	if err := s.RebuildAndPublish(ctx, reason, userIDs...); err != nil {
		s.logger.Error("Dashboard refresh failed", zap.String("reason", reason), zap.Error(err))
	}
}

// Snapshot answers a scoped read. Unknown scopes get the home document.
func (s *DashboardService) Snapshot(ctx context.Context, q SnapshotQuery) (*Snapshot, error) {
	scope := strings.ToLower(strings.TrimSpace(q.Scope))
	switch scope {
	case ScopePlatform, ScopeCategory:
		platformID, err := s.platformOrDefault(ctx, q.PlatformID)
		if err != nil {
			return nil, err
		}
		line, err := s.cache.CategoryCounts(ctx, platformID)
		if err != nil {
			return nil, err
		}
		out := &ScopeSnapshot{Scope: scope, PlatformID: platformID, Line: line}
		if scope == ScopeCategory {
			out.CategoryName = strings.TrimSpace(q.Category)
			out.Line = filterCategory(line, out.CategoryName)
		}
		return &Snapshot{Scope: scope, Data: out}, nil

	case ScopeProvince:
		smooth, err := s.cache.ProvinceTotals(ctx)
		if err != nil {
			return nil, err
		}
		if q.ProvinceID > 0 {
			smooth = filterProvince(smooth, q.ProvinceID)
		}
		return &Snapshot{Scope: scope, Data: &ScopeSnapshot{Scope: scope, ProvinceID: q.ProvinceID, Smooth: smooth}}, nil
	}

	home, err := s.cache.BuildHome(ctx, q.PlatformID, q.UserID, true)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Scope: ScopeHome, Data: home}, nil
}

func (s *DashboardService) platformOrDefault(ctx context.Context, platformID int64) (int64, error) {
	ids, err := s.cache.PlatformIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if id == platformID {
			return id, nil
		}
	}
	return ids[0], nil
}

func filterCategory(rows []domain.CategoryCount, category string) []domain.CategoryCount {
	if category == "" {
		return rows
	}
	out := []domain.CategoryCount{}
	for _, r := range rows {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out
}

func filterProvince(rows []domain.ProvinceTotal, provinceID int64) []domain.ProvinceTotal {
	out := []domain.ProvinceTotal{}
	for _, r := range rows {
		if r.ProvinceID == provinceID {
			out = append(out, r)
		}
	}
	return out
}
