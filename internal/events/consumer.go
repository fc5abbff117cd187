package events

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Run consumes close signals with a consumer group until ctx is canceled.
// Offsets are committed only after the handler finished, so a crash
// redelivers.
func (q *KafkaDelayQueue) Run(ctx context.Context, handle Handler) error {
	reader := kafka.NewReader(q.readerConfig)
	defer reader.Close()

	q.logger.Info("Kafka consumer started", zap.String("group_id", q.readerConfig.GroupID))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				q.logger.Info("Kafka consumer stopped")
				return nil
			}
			q.logger.Error("Error reading message", zap.Error(err))
			waitUntil(ctx, time.Now().Add(time.Second))
			continue
		}

		if !q.processMessage(ctx, msg, handle) {
			// shutting down before the signal was handled; leave it uncommitted
			return nil
		}

		// 메시지 처리 성공 시 커밋
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			q.logger.Error("Error committing message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// processMessage reports whether the message may be committed.
func (q *KafkaDelayQueue) processMessage(ctx context.Context, msg kafka.Message, handle Handler) bool {
	signal, err := decodeSignal(msg.Value)
	if err != nil {
		q.logger.Error("Dropping malformed close signal",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return true
	}

	if !waitUntil(ctx, signal.Due()) {
		return false
	}

	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		err = handle(ctx, signal.OrderNo)
		if err == nil {
			return true
		}
		q.logger.Warn("Close signal handling failed",
			zap.String("order_no", signal.OrderNo),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !waitUntil(ctx, time.Now().Add(time.Duration(attempt)*q.retryBackoff)) {
			return false
		}
	}

	// the timeout scan picks the order up
	q.logger.Error("Giving up on close signal",
		zap.String("order_no", signal.OrderNo),
		zap.Error(err))
	return true
}
