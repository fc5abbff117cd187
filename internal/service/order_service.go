package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	"github.com/cloud-wave-best-zizon/order-service/internal/repository"
	"github.com/cloud-wave-best-zizon/order-service/pkg/idgen"
)

const (
	minPaymentTimeout = 30 * time.Second
	defaultScanBatch  = 500
	maxQuantity       = 10000
	maxRemarkRunes    = 500

	defaultRecentLimit = 30
	maxRecentLimit     = 500

	// close signals are due a little after the deadline so the first
	// delivery finds the order expired
	closeSignalGrace = time.Second

	operatorTimeoutScan   = "timeout-scan"
	operatorTimeoutSignal = "timeout-signal"
	operatorPaymentCheck  = "payment-check"
)

var paymentMethods = map[string]struct{}{
	"MOCK":     {},
	"ALIPAY":   {},
	"WECHAT":   {},
	"BANKCARD": {},
}

// OrderRepository is the part of the durable store the lifecycle needs.
type OrderRepository interface {
	repository.Catalog
	repository.OrderStore
}

type OrderSettings struct {
	PaymentTimeout time.Duration
	ScanBatch      int
}

type OrderDetail struct {
	Order   *domain.Order              `json:"order"`
	Payment *domain.PaymentRecord      `json:"payment,omitempty"`
	Logs    []domain.OperationLogEntry `json:"logs"`
}

// CloseOutcome is what CloseIfExpired did with a delayed signal.
type CloseOutcome int

const (
	CloseSkipped CloseOutcome = iota
	CloseNotDue
	CloseApplied
)

type CloseResult struct {
	Outcome     CloseOutcome
	PayDeadline time.Time
}

// OrderService drives the order state machine. It holds no locks: every
// mutation is a single conditional write in the store, so concurrent
// requests, the timeout scan and redelivered signals race safely.
type OrderService struct {
	store          OrderRepository
	ids            idgen.Generator
	scheduler      TimeoutScheduler
	notifier       DashboardNotifier
	recent         RecentOrdersReader
	paymentTimeout time.Duration
	scanBatch      int
	logger         *zap.Logger
	now            func() time.Time
}

func NewOrderService(
	store OrderRepository,
	ids idgen.Generator,
	scheduler TimeoutScheduler,
	notifier DashboardNotifier,
	recent RecentOrdersReader,
	settings OrderSettings,
	logger *zap.Logger,
) *OrderService {
	if scheduler == nil {
		scheduler = noopScheduler{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if settings.PaymentTimeout < minPaymentTimeout {
		settings.PaymentTimeout = minPaymentTimeout
	}
	if settings.ScanBatch <= 0 {
		settings.ScanBatch = defaultScanBatch
	}
	return &OrderService{
		store:          store,
		ids:            ids,
		scheduler:      scheduler,
		notifier:       notifier,
		recent:         recent,
		paymentTimeout: settings.PaymentTimeout,
		scanBatch:      settings.ScanBatch,
		logger:         logger.With(zap.String("component", "order-service")),
		now:            time.Now,
	}
}

func normalizeQuantity(q int) int {
	if q <= 0 {
		return 1
	}
	if q > maxQuantity {
		return maxQuantity
	}
	return q
}

func normalizeRemark(r string) string {
	r = strings.TrimSpace(r)
	if utf8.RuneCountInString(r) <= maxRemarkRunes {
		return r
	}
	return string([]rune(r)[:maxRemarkRunes])
}

func normalizePaymentMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if _, ok := paymentMethods[m]; ok {
		return m
	}
	return "MOCK"
}

func validateLine(line domain.OrderLine) error {
	if line.ProductID <= 0 {
		return fmt.Errorf("%w: product id %d", ErrInvalidProduct, line.ProductID)
	}
	if line.CityID <= 0 {
		return fmt.Errorf("%w: city id %d", ErrInvalidCity, line.CityID)
	}
	if !line.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, line.Amount)
	}
	return nil
}

func (s *OrderService) logEntry(o *domain.Order, op domain.Operation, to domain.OrderStatus, opType domain.OperatorType, opID, detail string, at time.Time) domain.OperationLogEntry {
	from := o.Status
	if op == domain.OperationCreate {
		from = ""
	}
	return domain.OperationLogEntry{
		LogID:        uuid.NewString(),
		OrderNo:      o.OrderNo,
		UserID:       o.UserID,
		Operation:    op,
		FromStatus:   from,
		ToStatus:     to,
		OperatorType: opType,
		OperatorID:   opID,
		Detail:       detail,
		CreatedAt:    at,
	}
}

// CreateOrders places one order per line. On a stock failure the orders
// created so far stay committed and are returned with the error.
func (s *OrderService) CreateOrders(ctx context.Context, ownerID int64, lines []domain.OrderLine) ([]domain.Order, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidUser
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no order lines", ErrInvalidProduct)
	}
	for _, line := range lines {
		if err := validateLine(line); err != nil {
			return nil, err
		}
	}

	created := make([]domain.Order, 0, len(lines))
	var err error
	for _, line := range lines {
		var order *domain.Order
		order, err = s.createOne(ctx, ownerID, line)
		if err != nil {
			break
		}
		created = append(created, *order)
	}

	if len(created) > 0 {
		s.notifier.Notify(ctx, ReasonCreateOrder, ownerID)
	}
	return created, err
}

func (s *OrderService) createOne(ctx context.Context, ownerID int64, line domain.OrderLine) (*domain.Order, error) {
	product, err := s.store.GetProduct(ctx, line.ProductID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, fmt.Errorf("%w: product %d not found", ErrInvalidProduct, line.ProductID)
		}
		return nil, err
	}
	if !product.Active() {
		return nil, fmt.Errorf("%w: product %d is not on sale", ErrInvalidProduct, line.ProductID)
	}
	city, err := s.store.GetCity(ctx, line.CityID)
	if err != nil {
		if errors.Is(err, repository.ErrCityNotFound) {
			return nil, fmt.Errorf("%w: city %d not found", ErrInvalidCity, line.CityID)
		}
		return nil, err
	}

	now := s.now()
	order := &domain.Order{
		OrderNo:      s.ids.NextID(),
		UserID:       ownerID,
		ProductID:    product.ProductID,
		CityID:       city.CityID,
		Quantity:     normalizeQuantity(line.Quantity),
		Amount:       line.Amount,
		Remark:       normalizeRemark(line.Remark),
		Status:       domain.OrderStatusPending,
		PayDeadline:  now.Add(s.paymentTimeout),
		CreatedAt:    now,
		UpdatedAt:    now,
		ProductName:  product.Name,
		Brand:        product.Brand,
		Category:     product.Category,
		PlatformID:   product.PlatformID,
		CityName:     city.Name,
		ProvinceID:   city.ProvinceID,
		ProvinceName: city.ProvinceName,
	}
	log := s.logEntry(order, domain.OperationCreate, domain.OrderStatusPending, domain.OperatorUser,
		strconv.FormatInt(ownerID, 10), "order created", now)

	if err := s.store.CreateOrder(ctx, order, log); err != nil {
		if errors.Is(err, repository.ErrInsufficientStock) {
			return nil, fmt.Errorf("%w: product %d", ErrInsufficientStock, product.ProductID)
		}
		if errors.Is(err, repository.ErrWriteConflict) {
			return nil, fmt.Errorf("%w: product %d", ErrStoreBusy, product.ProductID)
		}
		s.logger.Error("Failed to create order",
			zap.Int64("user_id", ownerID),
			zap.Int64("product_id", product.ProductID),
			zap.Error(err))
		return nil, err
	}

	if err := s.scheduler.ScheduleClose(ctx, order.OrderNo, order.PayDeadline.Add(closeSignalGrace)); err != nil {
		// the timeout scan still closes the order
		s.logger.Warn("Failed to schedule close signal",
			zap.String("order_no", order.OrderNo),
			zap.Error(err))
	}

	s.logger.Info("Order created",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", ownerID),
		zap.Int64("product_id", order.ProductID),
		zap.Int("quantity", order.Quantity))
	return order, nil
}

func (s *OrderService) loadOwned(ctx context.Context, ownerID int64, orderNo string) (*domain.Order, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidUser
	}
	if orderNo == "" {
		return nil, ErrEmptyOrderNo
	}
	order, err := s.store.GetOrder(ctx, orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderNo)
		}
		return nil, err
	}
	if order.UserID != ownerID {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *OrderService) reload(ctx context.Context, orderNo string) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderNo)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderNo)
	}
	return order, err
}

// closeExpired applies PENDING -> TIMED_OUT with an inline stock release.
func (s *OrderService) closeExpired(ctx context.Context, order *domain.Order, opType domain.OperatorType, opID string) (bool, error) {
	now := s.now()
	return s.store.ApplyTransition(ctx, repository.Transition{
		OrderNo:      order.OrderNo,
		To:           domain.OrderStatusTimedOut,
		At:           now,
		Guard:        repository.GuardDeadlinePassed,
		ReleaseStock: true,
		ProductID:    order.ProductID,
		Quantity:     order.Quantity,
		Log: s.logEntry(order, domain.OperationTimeoutClose, domain.OrderStatusTimedOut, opType, opID,
			"payment window expired", now),
	})
}

// Pay is idempotent per order number; paying a paid order succeeds.
func (s *OrderService) Pay(ctx context.Context, ownerID int64, orderNo, method string) (*domain.Order, error) {
	order, paid, err := s.pay(ctx, ownerID, strings.TrimSpace(orderNo), normalizePaymentMethod(method))
	if paid {
		s.notifier.Notify(ctx, ReasonPayOrder, ownerID)
	}
	return order, err
}

// PayAll pays in order and stops at the first failure, returning the
// orders handled before it.
func (s *OrderService) PayAll(ctx context.Context, ownerID int64, items []domain.PayOrderItem) ([]domain.Order, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidUser
	}
	if len(items) == 0 {
		return nil, ErrEmptyOrderNo
	}

	out := make([]domain.Order, 0, len(items))
	anyPaid := false
	var err error
	for _, item := range items {
		var (
			order *domain.Order
			paid  bool
		)
		order, paid, err = s.pay(ctx, ownerID, strings.TrimSpace(item.OrderNo), normalizePaymentMethod(item.PaymentMethod))
		anyPaid = anyPaid || paid
		if err != nil {
			break
		}
		out = append(out, *order)
	}
	if anyPaid {
		s.notifier.Notify(ctx, ReasonPayOrder, ownerID)
	}
	return out, err
}

// pay reports whether this call performed the PENDING -> PAID transition.
func (s *OrderService) pay(ctx context.Context, ownerID int64, orderNo, method string) (*domain.Order, bool, error) {
	order, err := s.loadOwned(ctx, ownerID, orderNo)
	if err != nil {
		return nil, false, err
	}
	if order.Status != domain.OrderStatusPending {
		order, err = s.classifyPay(ctx, order)
		return order, false, err
	}
	if order.Expired(s.now()) {
		order, err = s.expireOnPay(ctx, order)
		return order, false, err
	}

	now := s.now()
	payment := &domain.PaymentRecord{
		PaymentNo: s.ids.NextID(),
		OrderNo:   order.OrderNo,
		UserID:    ownerID,
		Amount:    order.Amount,
		Method:    method,
		PaidAt:    now,
	}
	applied, err := s.store.ApplyTransition(ctx, repository.Transition{
		OrderNo: order.OrderNo,
		OwnerID: ownerID,
		To:      domain.OrderStatusPaid,
		At:      now,
		Guard:   repository.GuardDeadlineNotPassed,
		Payment: payment,
		Log: s.logEntry(order, domain.OperationPay, domain.OrderStatusPaid, domain.OperatorUser,
			strconv.FormatInt(ownerID, 10), "paid by "+method, now),
	})
	if err != nil {
		return nil, false, err
	}

	current, err := s.reload(ctx, orderNo)
	if err != nil {
		return nil, applied, err
	}
	if applied {
		s.logger.Info("Order paid",
			zap.String("order_no", orderNo),
			zap.String("payment_no", payment.PaymentNo),
			zap.String("method", method))
		return current, true, nil
	}
	current, err = s.classifyPay(ctx, current)
	return current, false, err
}

func (s *OrderService) classifyPay(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	switch order.Status {
	case domain.OrderStatusPaid:
		return order, nil
	case domain.OrderStatusTimedOut:
		return order, fmt.Errorf("%w: %s", ErrOrderTimedOut, order.OrderNo)
	case domain.OrderStatusCanceled:
		return order, fmt.Errorf("%w: %s", ErrOrderCanceled, order.OrderNo)
	}
	if order.Expired(s.now()) {
		return s.expireOnPay(ctx, order)
	}
	return order, fmt.Errorf("%w: %s", ErrNotPayable, order.OrderNo)
}

// expireOnPay closes an order whose window passed before the user paid.
func (s *OrderService) expireOnPay(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	applied, err := s.closeExpired(ctx, order, domain.OperatorSystem, operatorPaymentCheck)
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("Order timed out on payment attempt", zap.String("order_no", order.OrderNo))
		s.notifier.Notify(ctx, ReasonTimeoutClose, order.UserID)
	}
	current, err := s.reload(ctx, order.OrderNo)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.OrderStatusPaid {
		return current, nil
	}
	return current, fmt.Errorf("%w: %s", ErrOrderTimedOut, order.OrderNo)
}

// Cancel moves a pending order to CANCELED and returns its stock. Canceling
// twice returns the stored order.
func (s *OrderService) Cancel(ctx context.Context, ownerID int64, orderNo string) (*domain.Order, error) {
	orderNo = strings.TrimSpace(orderNo)
	order, err := s.loadOwned(ctx, ownerID, orderNo)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return classifyCancel(order)
	}

	now := s.now()
	applied, err := s.store.ApplyTransition(ctx, repository.Transition{
		OrderNo:      orderNo,
		OwnerID:      ownerID,
		To:           domain.OrderStatusCanceled,
		At:           now,
		ReleaseStock: true,
		ProductID:    order.ProductID,
		Quantity:     order.Quantity,
		Log: s.logEntry(order, domain.OperationCancel, domain.OrderStatusCanceled, domain.OperatorUser,
			strconv.FormatInt(ownerID, 10), "canceled by user", now),
	})
	if err != nil {
		return nil, err
	}

	current, err := s.reload(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if !applied {
		return classifyCancel(current)
	}
	s.logger.Info("Order canceled",
		zap.String("order_no", orderNo),
		zap.Int64("product_id", order.ProductID),
		zap.Int("released", order.Quantity))
	s.notifier.Notify(ctx, ReasonCancelOrder, ownerID)
	return current, nil
}

func classifyCancel(order *domain.Order) (*domain.Order, error) {
	switch order.Status {
	case domain.OrderStatusCanceled:
		return order, nil
	case domain.OrderStatusPaid:
		return order, fmt.Errorf("%w: %w", ErrNotCancelable, ErrOrderAlreadyPaid)
	case domain.OrderStatusTimedOut:
		return order, fmt.Errorf("%w: %w", ErrNotCancelable, ErrOrderTimedOut)
	}
	return order, fmt.Errorf("%w: %s", ErrNotCancelable, order.OrderNo)
}

// CloseExpiredOrders is one pass of the timeout scan. Stock is released
// once per product after the batch instead of per order.
func (s *OrderService) CloseExpiredOrders(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpiredPending(ctx, now, s.scanBatch)
	if err != nil {
		return 0, err
	}

	released := make(map[int64]int)
	var users []int64
	closed := 0
	for i := range expired {
		o := &expired[i]
		applied, err := s.store.ApplyTransition(ctx, repository.Transition{
			OrderNo: o.OrderNo,
			To:      domain.OrderStatusTimedOut,
			At:      now,
			Guard:   repository.GuardDeadlinePassed,
			Log: s.logEntry(o, domain.OperationTimeoutClose, domain.OrderStatusTimedOut, domain.OperatorJob,
				operatorTimeoutScan, "payment window expired", now),
		})
		if err != nil {
			s.logger.Warn("Failed to close expired order", zap.String("order_no", o.OrderNo), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		closed++
		released[o.ProductID] += o.Quantity
		users = append(users, o.UserID)
	}

	for productID, qty := range released {
		if err := s.store.ReleaseStock(ctx, productID, qty); err != nil {
			s.logger.Error("Failed to release stock of closed orders",
				zap.Int64("product_id", productID),
				zap.Int("quantity", qty),
				zap.Error(err))
		}
	}
	if closed > 0 {
		s.notifier.Notify(ctx, ReasonTimeoutScan, users...)
	}
	return closed, nil
}

// CloseIfExpired handles one delayed close signal. source names the
// operator recorded in the log.
func (s *OrderService) CloseIfExpired(ctx context.Context, orderNo, source string) (CloseResult, error) {
	if source == "" {
		source = operatorTimeoutSignal
	}
	order, err := s.store.GetOrder(ctx, orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Warn("Close signal for unknown order", zap.String("order_no", orderNo))
			return CloseResult{Outcome: CloseSkipped}, nil
		}
		return CloseResult{}, err
	}
	if order.Status != domain.OrderStatusPending {
		return CloseResult{Outcome: CloseSkipped}, nil
	}
	if !order.Expired(s.now()) {
		return CloseResult{Outcome: CloseNotDue, PayDeadline: order.PayDeadline}, nil
	}

	applied, err := s.closeExpired(ctx, order, domain.OperatorJob, source)
	if err != nil {
		return CloseResult{}, err
	}
	if !applied {
		return CloseResult{Outcome: CloseSkipped}, nil
	}
	s.logger.Info("Order closed by timeout signal", zap.String("order_no", orderNo))
	s.notifier.Notify(ctx, ReasonTimeoutDelay, order.UserID)
	return CloseResult{Outcome: CloseApplied, PayDeadline: order.PayDeadline}, nil
}

func (s *OrderService) GetOrder(ctx context.Context, ownerID int64, orderNo string) (*domain.Order, error) {
	return s.loadOwned(ctx, ownerID, strings.TrimSpace(orderNo))
}

func (s *OrderService) GetOrderDetail(ctx context.Context, ownerID int64, orderNo string) (*OrderDetail, error) {
	order, err := s.GetOrder(ctx, ownerID, orderNo)
	if err != nil {
		return nil, err
	}
	payment, err := s.store.GetPayment(ctx, order.OrderNo)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListOperationLogs(ctx, order.OrderNo)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []domain.OperationLogEntry{}
	}
	return &OrderDetail{Order: order, Payment: payment, Logs: logs}, nil
}

func (s *OrderService) ListOrders(ctx context.Context, ownerID int64) ([]domain.Order, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidUser
	}
	orders, err := s.store.ListRecentOrders(ctx, ownerID, defaultRecentLimit, "")
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

// RecentOrders clamps limit to [1, 500] (0 means 30). The default unfiltered
// page comes from the cached per-user projection.
func (s *OrderService) RecentOrders(ctx context.Context, ownerID int64, limit int, status string) ([]domain.Order, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidUser
	}
	var st domain.OrderStatus
	if status = strings.ToUpper(strings.TrimSpace(status)); status != "" {
		parsed, ok := domain.ParseOrderStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
		}
		st = parsed
	}
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}

	if st == "" && limit == defaultRecentLimit && s.recent != nil {
		return s.recent.RecentOrders(ctx, ownerID)
	}
	orders, err := s.store.ListRecentOrders(ctx, ownerID, limit, st)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}
