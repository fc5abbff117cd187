package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dialAttempts    = 10
	dialBackoff     = 2 * time.Second
	consumePrefetch = 16
	requeueDelay    = time.Second
)

// RabbitDelayQueue publishes close signals into a holding queue with a
// per-message expiration. Expired messages are dead-lettered into the work
// queue the consumer reads. RabbitMQ only expires messages at the head of a
// queue, which holds here because every order gets the same payment window.
type RabbitDelayQueue struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	channel    *amqp.Channel
	workQueue  string
	delayQueue string
	logger     *zap.Logger
}

func NewRabbitDelayQueue(url, queue string, logger *zap.Logger) (*RabbitDelayQueue, error) {
	logger = logger.With(zap.String("component", "rabbitmq-delay-queue"), zap.String("queue", queue))

	var (
		conn *amqp.Connection
		err  error
	)
	// RabbitMQ may still be starting when the service comes up
	for i := 1; i <= dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to RabbitMQ, retrying",
			zap.Int("attempt", i),
			zap.Error(err))
		time.Sleep(dialBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	q := &RabbitDelayQueue{
		conn:       conn,
		channel:    ch,
		workQueue:  queue,
		delayQueue: queue + ".delay",
		logger:     logger,
	}
	if err := q.declare(ch); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitDelayQueue) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.workQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.workQueue, err)
	}
	_, err := ch.QueueDeclare(
		q.delayQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.workQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.delayQueue, err)
	}
	return nil
}

func (q *RabbitDelayQueue) ScheduleClose(ctx context.Context, orderNo string, dueAt time.Time) error {
	payload, err := encodeSignal(orderNo, dueAt)
	if err != nil {
		return err
	}
	delay := time.Until(dueAt).Milliseconds()
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.channel.PublishWithContext(ctx,
		"",           // exchange
		q.delayQueue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			MessageId:    orderNo,
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Expiration:   strconv.FormatInt(delay, 10),
			Timestamp:    time.Now(),
		})
	if err != nil {
		return fmt.Errorf("failed to publish close signal: %w", err)
	}
	return nil
}

// Run consumes the work queue with manual acks until ctx is canceled.
func (q *RabbitDelayQueue) Run(ctx context.Context, handle Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(consumePrefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := ch.Consume(
		q.workQueue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	q.logger.Info("RabbitMQ consumer started")
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("RabbitMQ consumer stopped")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			q.deliver(ctx, d, handle)
		}
	}
}

func (q *RabbitDelayQueue) deliver(ctx context.Context, d amqp.Delivery, handle Handler) {
	signal, err := decodeSignal(d.Body)
	if err != nil {
		q.logger.Error("Dropping malformed close signal", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := handle(ctx, signal.OrderNo); err != nil {
		q.logger.Warn("Close signal handling failed, requeueing",
			zap.String("order_no", signal.OrderNo),
			zap.Error(err))
		waitUntil(ctx, time.Now().Add(requeueDelay))
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		q.logger.Error("Failed to ack close signal", zap.String("order_no", signal.OrderNo), zap.Error(err))
	}
}

func (q *RabbitDelayQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	if q.channel != nil {
		errs = append(errs, q.channel.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}
