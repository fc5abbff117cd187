package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrCityNotFound      = errors.New("city not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderExists       = errors.New("order already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrCartLineNotFound  = errors.New("cart line not found")

	// ErrWriteConflict means concurrent writers kept the write from landing.
	// Nothing was changed; the call can be retried.
	ErrWriteConflict = errors.New("write conflict")
)

// Guard is the deadline precondition of a Transition, on top of
// status = PENDING.
type Guard int

const (
	GuardNone Guard = iota
	// pay_deadline >= At
	GuardDeadlineNotPassed
	// pay_deadline < At
	GuardDeadlinePassed
)

// Transition moves one order out of PENDING. It applies only when the order
// is still PENDING, owned by OwnerID (0 skips the owner check) and the Guard
// holds. Payment, stock release and Log are written in the same local
// transaction as the status change.
type Transition struct {
	OrderNo      string
	OwnerID      int64
	To           domain.OrderStatus
	At           time.Time
	Guard        Guard
	Payment      *domain.PaymentRecord
	ReleaseStock bool
	ProductID    int64
	Quantity     int
	Log          domain.OperationLogEntry
}

type Catalog interface {
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	GetCity(ctx context.Context, cityID int64) (*domain.City, error)
	ListPlatformIDs(ctx context.Context) ([]int64, error)
}

type OrderStore interface {
	// CreateOrder deducts stock (stock >= quantity, product active), inserts
	// the order and its log entry atomically. ErrInsufficientStock when the
	// stock condition fails.
	CreateOrder(ctx context.Context, order *domain.Order, log domain.OperationLogEntry) error
	GetOrder(ctx context.Context, orderNo string) (*domain.Order, error)
	ListOrdersByNos(ctx context.Context, userID int64, orderNos []string) ([]domain.Order, error)
	// ListRecentOrders is newest first; an empty status means any.
	ListRecentOrders(ctx context.Context, userID int64, limit int, status domain.OrderStatus) ([]domain.Order, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	// ApplyTransition reports whether the conditional update took effect.
	// An unknown order is ErrOrderNotFound.
	ApplyTransition(ctx context.Context, t Transition) (bool, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) error
	// GetPayment returns nil when the order was never paid.
	GetPayment(ctx context.Context, orderNo string) (*domain.PaymentRecord, error)
	ListOperationLogs(ctx context.Context, orderNo string) ([]domain.OperationLogEntry, error)
}

type CartStore interface {
	// AddCartLine increments quantity by one, inserting the line if needed.
	AddCartLine(ctx context.Context, line domain.CartLine) error
	// DecrementCartLine removes one unit; a line reaching zero is deleted.
	// cityID 0 picks the most recently updated line for the product.
	DecrementCartLine(ctx context.Context, userID, productID, cityID int64) error
	ListCart(ctx context.Context, userID int64) ([]domain.CartLine, error)
}

// AggregateReader computes the dashboard projections over active
// (pending or paid) orders.
type AggregateReader interface {
	CountActiveByPlatform(ctx context.Context) (map[int64]int64, error)
	CountActiveByProvince(ctx context.Context) ([]domain.ProvinceTotal, error)
	CountActiveByCategory(ctx context.Context, platformID int64) ([]domain.CategoryCount, error)
	ListActiveUserIDs(ctx context.Context, limit int) ([]int64, error)
}

type Seeder interface {
	PutProduct(ctx context.Context, p *domain.Product) error
	PutCity(ctx context.Context, c *domain.City) error
}

type Store interface {
	Catalog
	OrderStore
	CartStore
	AggregateReader
	Seeder
	Close() error
}
