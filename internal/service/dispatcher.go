package service

import (
	"context"

	"go.uber.org/zap"
)

const defaultRefreshQueueSize = 256

type Rebuilder interface {
	RebuildAndPublish(ctx context.Context, reason string, userIDs ...int64) error
}

type refreshRequest struct {
	reason  string
	userIDs []int64
}

// RefreshDispatcher moves dashboard refreshes off the request path. One
// worker drains a bounded queue, so patches go out in notification order.
type RefreshDispatcher struct {
	target Rebuilder
	queue  chan refreshRequest
	logger *zap.Logger
}

func NewRefreshDispatcher(target Rebuilder, size int, logger *zap.Logger) *RefreshDispatcher {
	if size <= 0 {
		size = defaultRefreshQueueSize
	}
	return &RefreshDispatcher{
		target: target,
		queue:  make(chan refreshRequest, size),
		logger: logger.With(zap.String("component", "refresh-dispatcher")),
	}
}

// Notify blocks while the queue is full. When ctx ends first the refresh is
// dropped; the next one carries the same aggregates.
func (d *RefreshDispatcher) Notify(ctx context.Context, reason string, userIDs ...int64) {
	req := refreshRequest{reason: reason, userIDs: append([]int64(nil), userIDs...)}
	select {
	case d.queue <- req:
	case <-ctx.Done():
		d.logger.Warn("Dashboard refresh dropped",
			zap.String("reason", reason),
			zap.Error(ctx.Err()))
	}
}

// Run processes queued refreshes until ctx is canceled.
func (d *RefreshDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Refresh dispatcher stopped", zap.Int("pending", len(d.queue)))
			return
		case req := <-d.queue:
			if err := d.target.RebuildAndPublish(ctx, req.reason, req.userIDs...); err != nil {
				d.logger.Error("Dashboard refresh failed",
					zap.String("reason", req.reason),
					zap.Error(err))
			}
		}
	}
}
