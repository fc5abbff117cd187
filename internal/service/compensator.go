package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultScanInterval = 30 * time.Second

type ExpiryCloser interface {
	CloseExpiredOrders(ctx context.Context) (int, error)
	CloseIfExpired(ctx context.Context, orderNo, source string) (CloseResult, error)
}

// TimeoutCompensator closes orders whose payment window passed. The delayed
// signal closes each order close to its deadline; the periodic scan covers
// lost or failed signals.
type TimeoutCompensator struct {
	closer    ExpiryCloser
	scheduler TimeoutScheduler
	interval  time.Duration
	logger    *zap.Logger
}

func NewTimeoutCompensator(closer ExpiryCloser, scheduler TimeoutScheduler, interval time.Duration, logger *zap.Logger) *TimeoutCompensator {
	if scheduler == nil {
		scheduler = noopScheduler{}
	}
	if interval <= 0 {
		interval = defaultScanInterval
	}
	return &TimeoutCompensator{
		closer:    closer,
		scheduler: scheduler,
		interval:  interval,
		logger:    logger.With(zap.String("component", "timeout-compensator")),
	}
}

func (c *TimeoutCompensator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("Timeout scan started", zap.Duration("interval", c.interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Timeout scan stopped")
			return
		case <-ticker.C:
			_, _ = c.Sweep(ctx)
		}
	}
}

// Sweep runs one scan pass.
func (c *TimeoutCompensator) Sweep(ctx context.Context) (int, error) {
	closed, err := c.closer.CloseExpiredOrders(ctx)
	if err != nil {
		c.logger.Error("Timeout scan failed", zap.Error(err))
		return 0, err
	}
	if closed > 0 {
		c.logger.Info("Expired orders closed", zap.Int("closed", closed))
	}
	return closed, nil
}

// HandleSignal is the consumer callback of the delay queue. Returning an
// error asks the queue to redeliver.
func (c *TimeoutCompensator) HandleSignal(ctx context.Context, orderNo string) error {
	res, err := c.closer.CloseIfExpired(ctx, orderNo, operatorTimeoutSignal)
	if err != nil {
		c.logger.Error("Failed to handle close signal", zap.String("order_no", orderNo), zap.Error(err))
		return err
	}
	if res.Outcome != CloseNotDue {
		return nil
	}

	// early delivery: try again at the deadline, the scan covers a lost retry
	if err := c.scheduler.ScheduleClose(ctx, orderNo, res.PayDeadline.Add(closeSignalGrace)); err != nil {
		c.logger.Warn("Failed to reschedule close signal", zap.String("order_no", orderNo), zap.Error(err))
	}
	return nil
}
