package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	writeTimeout       = 10 * time.Second
	defaultMaxAttempts = 3
)

// KafkaDelayQueue keeps close signals on a topic keyed by order number.
// Kafka has no native delay, so the consumer holds each message until its
// due time before handling it.
type KafkaDelayQueue struct {
	writer       *kafka.Writer
	readerConfig kafka.ReaderConfig
	maxAttempts  int
	retryBackoff time.Duration
	logger       *zap.Logger
}

func NewKafkaDelayQueue(brokers []string, topic, groupID string, logger *zap.Logger) *KafkaDelayQueue {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &KafkaDelayQueue{
		writer: writer,
		readerConfig: kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: 0, // 처리 완료 후 동기 커밋
		},
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: 500 * time.Millisecond,
		logger:       logger.With(zap.String("component", "kafka-delay-queue"), zap.String("topic", topic)),
	}
}

func (q *KafkaDelayQueue) ScheduleClose(ctx context.Context, orderNo string, dueAt time.Time) error {
	payload, err := encodeSignal(orderNo, dueAt)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(orderNo),
		Value: payload,
	})
	if err != nil {
		q.logger.Error("Failed to publish close signal",
			zap.String("order_no", orderNo),
			zap.Error(err))
		return err
	}

	q.logger.Debug("Close signal published",
		zap.String("order_no", orderNo),
		zap.Time("due_at", dueAt))
	return nil
}

func (q *KafkaDelayQueue) Close() error {
	if q.writer != nil {
		return q.writer.Close()
	}
	return nil
}
