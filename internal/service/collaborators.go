package service

import (
	"context"
	"time"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

// Refresh reasons carried on dashboard patches.
const (
	ReasonCreateOrder  = "CREATE_ORDER"
	ReasonPayOrder     = "PAY_ORDER"
	ReasonCancelOrder  = "CANCEL_ORDER"
	ReasonTimeoutScan  = "TIMEOUT_SCAN"
	ReasonTimeoutDelay = "TIMEOUT_DELAY"
	ReasonTimeoutClose = "TIMEOUT_CLOSE"
)

// TimeoutScheduler sends the delayed close signal for one order. Delivery is
// at least once; the signal may arrive early, late or more than once.
type TimeoutScheduler interface {
	ScheduleClose(ctx context.Context, orderNo string, dueAt time.Time) error
}

// DashboardNotifier is told about every committed order transition. It must
// not fail the caller.
type DashboardNotifier interface {
	Notify(ctx context.Context, reason string, userIDs ...int64)
}

type RecentOrdersReader interface {
	RecentOrders(ctx context.Context, userID int64) ([]domain.Order, error)
}

type noopScheduler struct{}

func (noopScheduler) ScheduleClose(context.Context, string, time.Time) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, ...int64) {}
