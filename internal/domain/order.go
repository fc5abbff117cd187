package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusTimedOut OrderStatus = "TIMED_OUT"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusTimedOut || s == OrderStatusCanceled
}

// Active orders count towards the dashboard aggregates.
func (s OrderStatus) Active() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch s := OrderStatus(raw); s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusTimedOut, OrderStatusCanceled:
		return s, true
	}
	return "", false
}

type Order struct {
	OrderNo       string          `json:"order_no"`
	UserID        int64           `json:"user_id"`
	ProductID     int64           `json:"product_id"`
	CityID        int64           `json:"city_id"`
	Quantity      int             `json:"quantity"`
	Amount        decimal.Decimal `json:"amount"`
	Remark        string          `json:"remark,omitempty"`
	Status        OrderStatus     `json:"status"`
	PayDeadline   time.Time       `json:"pay_deadline"`
	PayTime       *time.Time      `json:"pay_time,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	PaymentNo     string          `json:"payment_no,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	ProductName  string `json:"product_name"`
	Brand        string `json:"brand"`
	Category     string `json:"category"`
	PlatformID   int64  `json:"platform_id"`
	CityName     string `json:"city_name"`
	ProvinceID   int64  `json:"province_id"`
	ProvinceName string `json:"province_name"`
}

// Expired reports whether the payment window closed before now.
func (o *Order) Expired(now time.Time) bool {
	return now.After(o.PayDeadline)
}

type OrderLine struct {
	ProductID int64           `json:"product_id"`
	CityID    int64           `json:"city_id"`
	Quantity  int             `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	Remark    string          `json:"remark"`
}

type PaymentRecord struct {
	PaymentNo string          `json:"payment_no"`
	OrderNo   string          `json:"order_no"`
	UserID    int64           `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	PaidAt    time.Time       `json:"paid_at"`
}

type Operation string

const (
	OperationCreate       Operation = "CREATE_ORDER"
	OperationPay          Operation = "PAY_ORDER"
	OperationCancel       Operation = "CANCEL_ORDER"
	OperationTimeoutClose Operation = "TIMEOUT_CLOSE"
)

type OperatorType string

const (
	OperatorUser   OperatorType = "USER"
	OperatorSystem OperatorType = "SYSTEM"
	OperatorJob    OperatorType = "JOB"
)

// OperationLogEntry is the append-only audit row for a status transition.
// FromStatus is empty for creation.
type OperationLogEntry struct {
	LogID        string       `json:"log_id"`
	OrderNo      string       `json:"order_no"`
	UserID       int64        `json:"user_id"`
	Operation    Operation    `json:"operation"`
	FromStatus   OrderStatus  `json:"from_status,omitempty"`
	ToStatus     OrderStatus  `json:"to_status"`
	OperatorType OperatorType `json:"operator_type"`
	OperatorID   string       `json:"operator_id"`
	Detail       string       `json:"detail"`
	CreatedAt    time.Time    `json:"created_at"`
}

type CreateOrderRequest struct {
	Lines []OrderLine `json:"lines" binding:"required,min=1"`
}

type PayOrderItem struct {
	OrderNo       string `json:"order_no" binding:"required"`
	PaymentMethod string `json:"payment_method"`
}

type PayOrdersRequest struct {
	Orders []PayOrderItem `json:"orders" binding:"required,min=1"`
}
