package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Handler consumes one close signal. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, orderNo string) error

// DelayQueue carries delayed close signals. Delivery is at least once and
// handlers must tolerate duplicates and early arrivals.
type DelayQueue interface {
	ScheduleClose(ctx context.Context, orderNo string, dueAt time.Time) error
	Run(ctx context.Context, handle Handler) error
	Close() error
}

// CloseSignal는 결제 기한이 지난 주문의 종료 요청 메시지
type CloseSignal struct {
	OrderNo string `json:"order_no"`
	DueAt   int64  `json:"due_at"` // unix ms
}

func (s CloseSignal) Due() time.Time {
	return time.UnixMilli(s.DueAt)
}

func encodeSignal(orderNo string, dueAt time.Time) ([]byte, error) {
	return json.Marshal(CloseSignal{OrderNo: orderNo, DueAt: dueAt.UnixMilli()})
}

func decodeSignal(raw []byte) (CloseSignal, error) {
	var s CloseSignal
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal close signal: %w", err)
	}
	if s.OrderNo == "" {
		return s, errors.New("close signal without order number")
	}
	return s, nil
}

// waitUntil blocks until t or ctx ends, reporting whether t was reached.
func waitUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
