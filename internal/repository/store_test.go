package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

// fixture ids are offset by base so the same checks can run against a shared
// database without colliding with earlier runs.
type fixture struct {
	productID int64
	cityID    int64
	userID    int64
	platform  int64
	now       time.Time
}

func newFixture(t *testing.T, s Store, base int64, stock int) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{
		productID: base + 1,
		cityID:    base + 2,
		userID:    base + 3,
		platform:  base + 4,
		now:       time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.PutProduct(ctx, &domain.Product{
		ProductID:  f.productID,
		Name:       "Widget",
		Brand:      "Acme",
		Category:   "tools",
		PlatformID: f.platform,
		Price:      decimal.RequireFromString("9.90"),
		Stock:      stock,
		Status:     domain.ProductStatusActive,
	}))
	require.NoError(t, s.PutCity(ctx, &domain.City{
		CityID:       f.cityID,
		Name:         "Busan",
		ProvinceID:   base + 5,
		ProvinceName: "Gyeongsang",
	}))
	return f
}

func (f fixture) order(no string, qty int, deadline time.Time) *domain.Order {
	return &domain.Order{
		OrderNo:      no,
		UserID:       f.userID,
		ProductID:    f.productID,
		CityID:       f.cityID,
		Quantity:     qty,
		Amount:       decimal.RequireFromString("19.80"),
		Status:       domain.OrderStatusPending,
		PayDeadline:  deadline,
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
		Category:     "tools",
		PlatformID:   f.platform,
		ProvinceID:   f.cityID + 3,
		ProvinceName: "Gyeongsang",
	}
}

func createLog(o *domain.Order) domain.OperationLogEntry {
	return domain.OperationLogEntry{
		LogID:        uuid.NewString(),
		OrderNo:      o.OrderNo,
		UserID:       o.UserID,
		Operation:    domain.OperationCreate,
		ToStatus:     domain.OrderStatusPending,
		OperatorType: domain.OperatorUser,
		CreatedAt:    o.CreatedAt,
	}
}

func stockOf(t *testing.T, s Store, productID int64) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

func exerciseCreateAndRelease(t *testing.T, s Store, base int64) {
	ctx := context.Background()
	f := newFixture(t, s, base, 5)

	o := f.order(uuid.NewString(), 5, f.now.Add(time.Minute))
	require.NoError(t, s.CreateOrder(ctx, o, createLog(o)))
	assert.Equal(t, 0, stockOf(t, s, f.productID))

	again := f.order(uuid.NewString(), 1, f.now.Add(time.Minute))
	assert.ErrorIs(t, s.CreateOrder(ctx, again, createLog(again)), ErrInsufficientStock)
	assert.Equal(t, 0, stockOf(t, s, f.productID))

	applied, err := s.ApplyTransition(ctx, Transition{
		OrderNo:      o.OrderNo,
		OwnerID:      f.userID,
		To:           domain.OrderStatusCanceled,
		At:           f.now,
		ReleaseStock: true,
		ProductID:    f.productID,
		Quantity:     o.Quantity,
		Log:          domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: o.OrderNo, UserID: f.userID, Operation: domain.OperationCancel, FromStatus: domain.OrderStatusPending, ToStatus: domain.OrderStatusCanceled, OperatorType: domain.OperatorUser, CreatedAt: f.now},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 5, stockOf(t, s, f.productID))

	// second cancel must not release again
	applied, err = s.ApplyTransition(ctx, Transition{
		OrderNo:      o.OrderNo,
		To:           domain.OrderStatusCanceled,
		At:           f.now,
		ReleaseStock: true,
		ProductID:    f.productID,
		Quantity:     o.Quantity,
		Log:          domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: o.OrderNo},
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 5, stockOf(t, s, f.productID))

	logs, err := s.ListOperationLogs(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func exerciseGuards(t *testing.T, s Store, base int64) {
	ctx := context.Background()
	f := newFixture(t, s, base, 10)

	o := f.order(uuid.NewString(), 1, f.now.Add(time.Minute))
	require.NoError(t, s.CreateOrder(ctx, o, createLog(o)))

	// not yet due
	applied, err := s.ApplyTransition(ctx, Transition{
		OrderNo: o.OrderNo, To: domain.OrderStatusTimedOut, At: f.now, Guard: GuardDeadlinePassed,
		Log: domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: o.OrderNo},
	})
	require.NoError(t, err)
	assert.False(t, applied)

	// wrong owner
	applied, err = s.ApplyTransition(ctx, Transition{
		OrderNo: o.OrderNo, OwnerID: f.userID + 100, To: domain.OrderStatusCanceled, At: f.now,
		Log: domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: o.OrderNo},
	})
	require.NoError(t, err)
	assert.False(t, applied)

	// past the deadline pay is refused
	late := f.now.Add(2 * time.Minute)
	applied, err = s.ApplyTransition(ctx, Transition{
		OrderNo: o.OrderNo, To: domain.OrderStatusPaid, At: late, Guard: GuardDeadlineNotPassed,
		Payment: &domain.PaymentRecord{PaymentNo: uuid.NewString(), OrderNo: o.OrderNo, UserID: f.userID, Amount: o.Amount, Method: "MOCK", PaidAt: late},
		Log:     domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: o.OrderNo},
	})
	require.NoError(t, err)
	assert.False(t, applied)

	pay, err := s.GetPayment(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Nil(t, pay)

	expired, err := s.ListExpiredPending(ctx, late, 500)
	require.NoError(t, err)
	found := false
	for _, e := range expired {
		found = found || e.OrderNo == o.OrderNo
	}
	assert.True(t, found)

	applied, err = s.ApplyTransition(ctx, Transition{
		OrderNo: o.OrderNo, To: domain.OrderStatusTimedOut, At: late, Guard: GuardDeadlinePassed,
		Log: domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: o.OrderNo},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetOrder(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusTimedOut, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func exerciseConcurrentPay(t *testing.T, s Store, base int64) {
	ctx := context.Background()
	f := newFixture(t, s, base, 10)
	o := f.order(uuid.NewString(), 1, f.now.Add(time.Hour))
	require.NoError(t, s.CreateOrder(ctx, o, createLog(o)))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ApplyTransition(ctx, Transition{
				OrderNo: o.OrderNo, OwnerID: f.userID, To: domain.OrderStatusPaid, At: f.now,
				Guard:   GuardDeadlineNotPassed,
				Payment: &domain.PaymentRecord{PaymentNo: uuid.NewString(), OrderNo: o.OrderNo, UserID: f.userID, Amount: o.Amount, Method: "MOCK", PaidAt: f.now},
				Log:     domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: o.OrderNo, Operation: domain.OperationPay},
			})
			// losing the race is a plain false, never an error
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	pay, err := s.GetPayment(ctx, o.OrderNo)
	require.NoError(t, err)
	require.NotNil(t, pay)
	assert.True(t, pay.Amount.Equal(o.Amount))

	got, err := s.GetOrder(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
	assert.Equal(t, pay.PaymentNo, got.PaymentNo)
}

func exerciseConcurrentCreate(t *testing.T, s Store, base int64) {
	ctx := context.Background()
	f := newFixture(t, s, base, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := f.order(uuid.NewString(), 1, f.now.Add(time.Minute))
			err := s.CreateOrder(ctx, o, createLog(o))
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrWriteConflict) {
				assert.ErrorIs(t, err, ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 0, stockOf(t, s, f.productID))
}

func exerciseUnknownOrder(t *testing.T, s Store, base int64) {
	ctx := context.Background()
	f := newFixture(t, s, base, 3)
	orderNo := uuid.NewString()

	applied, err := s.ApplyTransition(ctx, Transition{
		OrderNo: orderNo, OwnerID: f.userID, To: domain.OrderStatusPaid, At: f.now,
		Guard:   GuardDeadlineNotPassed,
		Payment: &domain.PaymentRecord{PaymentNo: uuid.NewString(), OrderNo: orderNo, UserID: f.userID, Amount: decimal.NewFromInt(1), Method: "MOCK", PaidAt: f.now},
		Log:     domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: orderNo, Operation: domain.OperationPay},
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.False(t, applied)

	applied, err = s.ApplyTransition(ctx, Transition{
		OrderNo: orderNo, To: domain.OrderStatusTimedOut, At: f.now,
		ReleaseStock: true, ProductID: f.productID, Quantity: 2,
		Log: domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: orderNo, Operation: domain.OperationTimeoutClose},
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.False(t, applied)
	assert.Equal(t, 3, stockOf(t, s, f.productID))

	pay, err := s.GetPayment(ctx, orderNo)
	require.NoError(t, err)
	assert.Nil(t, pay)
}

func exerciseCart(t *testing.T, s Store, base int64) {
	ctx := context.Background()
	f := newFixture(t, s, base, 10)
	line := domain.CartLine{UserID: f.userID, ProductID: f.productID, CityID: f.cityID, Amount: decimal.RequireFromString("9.90"), UpdatedAt: f.now}

	require.NoError(t, s.AddCartLine(ctx, line))
	require.NoError(t, s.AddCartLine(ctx, line))

	lines, err := s.ListCart(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)

	require.NoError(t, s.DecrementCartLine(ctx, f.userID, f.productID, 0))
	require.NoError(t, s.DecrementCartLine(ctx, f.userID, f.productID, f.cityID))

	lines, err = s.ListCart(ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, lines)

	assert.ErrorIs(t, s.DecrementCartLine(ctx, f.userID, f.productID, f.cityID), ErrCartLineNotFound)
}

func exerciseAggregates(t *testing.T, s Store, base int64) {
	ctx := context.Background()
	f := newFixture(t, s, base, 10)

	paid := f.order(uuid.NewString(), 1, f.now.Add(time.Hour))
	pending := f.order(uuid.NewString(), 1, f.now.Add(time.Hour))
	canceled := f.order(uuid.NewString(), 1, f.now.Add(time.Hour))
	for _, o := range []*domain.Order{paid, pending, canceled} {
		require.NoError(t, s.CreateOrder(ctx, o, createLog(o)))
	}
	_, err := s.ApplyTransition(ctx, Transition{OrderNo: canceled.OrderNo, To: domain.OrderStatusCanceled, At: f.now,
		Log: domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: canceled.OrderNo}})
	require.NoError(t, err)
	_, err = s.ApplyTransition(ctx, Transition{OrderNo: paid.OrderNo, To: domain.OrderStatusPaid, At: f.now,
		Payment: &domain.PaymentRecord{PaymentNo: uuid.NewString(), OrderNo: paid.OrderNo, UserID: f.userID, Amount: paid.Amount, Method: "MOCK", PaidAt: f.now},
		Log:     domain.OperationLogEntry{LogID: uuid.NewString(), OrderNo: paid.OrderNo}})
	require.NoError(t, err)

	byPlatform, err := s.CountActiveByPlatform(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byPlatform[f.platform])

	cats, err := s.CountActiveByCategory(ctx, f.platform)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "tools", cats[0].Category)
	assert.Equal(t, int64(2), cats[0].Count)

	recent, err := s.ListRecentOrders(ctx, f.userID, 10, domain.OrderStatusPaid)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, paid.OrderNo, recent[0].OrderNo)

	platforms, err := s.ListPlatformIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, platforms, f.platform)
}

func TestMemoryStore(t *testing.T) {
	cases := map[string]func(*testing.T, Store, int64){
		"create and release": exerciseCreateAndRelease,
		"transition guards":  exerciseGuards,
		"concurrent pay":     exerciseConcurrentPay,
		"concurrent create":  exerciseConcurrentCreate,
		"unknown order":      exerciseUnknownOrder,
		"cart":               exerciseCart,
		"active aggregates":  exerciseAggregates,
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			run(t, NewMemoryStore(), 1000)
		})
	}
}

func TestMemoryStoreProvinceTotalsOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.PutProduct(ctx, &domain.Product{ProductID: 1, Stock: 10, PlatformID: 1}))

	add := func(no string, province int64) {
		o := &domain.Order{OrderNo: no, UserID: 7, ProductID: 1, Quantity: 1, Status: domain.OrderStatusPending,
			PayDeadline: now.Add(time.Minute), CreatedAt: now, ProvinceID: province}
		require.NoError(t, s.CreateOrder(ctx, o, createLog(o)))
	}
	add("a", 2)
	add("b", 1)
	add("c", 1)

	totals, err := s.CountActiveByProvince(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, int64(1), totals[0].ProvinceID)
	assert.Equal(t, int64(2), totals[0].OrderTotal)
}

func TestSeed(t *testing.T) {
	s := NewMemoryStore()
	data := &SeedData{
		Products: []domain.Product{{ProductID: 3, Name: "Tea", Stock: 4}},
		Cities:   []domain.City{{CityID: 9, Name: "Jeju"}},
	}
	require.NoError(t, Seed(context.Background(), s, data))

	p, err := s.GetProduct(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusActive, p.Status)

	_, err = s.GetCity(context.Background(), 9)
	require.NoError(t, err)
	_, err = s.GetCity(context.Background(), 10)
	assert.ErrorIs(t, err, ErrCityNotFound)
}
