package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

type cartKey struct {
	userID    int64
	productID int64
	cityID    int64
}

// MemoryStore keeps everything in process. Used for LOCAL_MODE and tests;
// a single mutex makes every method one atomic unit, which is the same
// guarantee the durable stores give per local transaction.
type MemoryStore struct {
	mu       sync.Mutex
	products map[int64]domain.Product
	cities   map[int64]domain.City
	orders   map[string]domain.Order
	payments map[string]domain.PaymentRecord
	logs     map[string][]domain.OperationLogEntry
	cart     map[cartKey]domain.CartLine
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]domain.Product),
		cities:   make(map[int64]domain.City),
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.PaymentRecord),
		logs:     make(map[string][]domain.OperationLogEntry),
		cart:     make(map[cartKey]domain.CartLine),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) PutProduct(_ context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ProductID] = *p
	return nil
}

func (s *MemoryStore) PutCity(_ context.Context, c *domain.City) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cities[c.CityID] = *c
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, productID int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

func (s *MemoryStore) GetCity(_ context.Context, cityID int64) (*domain.City, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cities[cityID]
	if !ok {
		return nil, ErrCityNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ListPlatformIDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]struct{})
	for _, p := range s.products {
		if p.PlatformID > 0 {
			seen[p.PlatformID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *domain.Order, log domain.OperationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.OrderNo]; ok {
		return ErrOrderExists
	}
	p, ok := s.products[order.ProductID]
	if !ok {
		return ErrProductNotFound
	}
	if !p.Active() || p.Stock < order.Quantity {
		return ErrInsufficientStock
	}
	p.Stock -= order.Quantity
	p.UpdatedAt = order.CreatedAt
	s.products[p.ProductID] = p
	s.orders[order.OrderNo] = *order
	s.logs[order.OrderNo] = append(s.logs[order.OrderNo], log)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderNo string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (s *MemoryStore) ListOrdersByNos(_ context.Context, userID int64, orderNos []string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(orderNos))
	for _, no := range orderNos {
		if o, ok := s.orders[no]; ok && o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRecentOrders(_ context.Context, userID int64, limit int, status domain.OrderStatus) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == domain.OrderStatusPending && o.PayDeadline.Before(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayDeadline.Before(out[j].PayDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[t.OrderNo]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != domain.OrderStatusPending {
		return false, nil
	}
	if t.OwnerID > 0 && o.UserID != t.OwnerID {
		return false, nil
	}
	switch t.Guard {
	case GuardDeadlineNotPassed:
		if o.PayDeadline.Before(t.At) {
			return false, nil
		}
	case GuardDeadlinePassed:
		if !o.PayDeadline.Before(t.At) {
			return false, nil
		}
	}
	if t.Payment != nil {
		if _, dup := s.payments[t.OrderNo]; dup {
			return false, nil
		}
		s.payments[t.OrderNo] = *t.Payment
		paidAt := t.Payment.PaidAt
		o.PayTime = &paidAt
		o.PaymentMethod = t.Payment.Method
		o.PaymentNo = t.Payment.PaymentNo
	}
	o.Status = t.To
	o.Version++
	o.UpdatedAt = t.At
	s.orders[t.OrderNo] = o

	if t.ReleaseStock {
		if p, ok := s.products[t.ProductID]; ok {
			p.Stock += t.Quantity
			p.UpdatedAt = t.At
			s.products[p.ProductID] = p
		}
	}
	s.logs[t.OrderNo] = append(s.logs[t.OrderNo], t.Log)
	return true, nil
}

func (s *MemoryStore) ReleaseStock(_ context.Context, productID int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock += quantity
	p.UpdatedAt = time.Now()
	s.products[productID] = p
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, orderNo string) (*domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderNo]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListOperationLogs(_ context.Context, orderNo string) ([]domain.OperationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OperationLogEntry, len(s.logs[orderNo]))
	copy(out, s.logs[orderNo])
	return out, nil
}

func (s *MemoryStore) AddCartLine(_ context.Context, line domain.CartLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cartKey{line.UserID, line.ProductID, line.CityID}
	cur, ok := s.cart[key]
	if ok {
		line.Quantity = cur.Quantity + 1
	} else {
		line.Quantity = 1
	}
	s.cart[key] = line
	return nil
}

func (s *MemoryStore) DecrementCartLine(_ context.Context, userID, productID, cityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key cartKey
	found := false
	if cityID > 0 {
		key = cartKey{userID, productID, cityID}
		_, found = s.cart[key]
	} else {
		var latest time.Time
		for k, l := range s.cart {
			if k.userID == userID && k.productID == productID && (!found || l.UpdatedAt.After(latest)) {
				key, latest, found = k, l.UpdatedAt, true
			}
		}
	}
	if !found {
		return ErrCartLineNotFound
	}
	line := s.cart[key]
	line.Quantity--
	if line.Quantity <= 0 {
		delete(s.cart, key)
		return nil
	}
	s.cart[key] = line
	return nil
}

func (s *MemoryStore) ListCart(_ context.Context, userID int64) ([]domain.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CartLine
	for k, l := range s.cart {
		if k.userID == userID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) CountActiveByPlatform(_ context.Context) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int64]int64)
	for _, o := range s.orders {
		if o.Status.Active() {
			counts[o.PlatformID]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) CountActiveByProvince(_ context.Context) ([]domain.ProvinceTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[int64]*domain.ProvinceTotal)
	for _, o := range s.orders {
		if !o.Status.Active() {
			continue
		}
		t, ok := totals[o.ProvinceID]
		if !ok {
			t = &domain.ProvinceTotal{ProvinceID: o.ProvinceID, ProvinceName: o.ProvinceName}
			totals[o.ProvinceID] = t
		}
		t.OrderTotal++
	}
	out := make([]domain.ProvinceTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	SortProvinceTotals(out)
	return out, nil
}

func (s *MemoryStore) CountActiveByCategory(_ context.Context, platformID int64) ([]domain.CategoryCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, o := range s.orders {
		if o.Status.Active() && o.PlatformID == platformID {
			counts[o.Category]++
		}
	}
	out := make([]domain.CategoryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, domain.CategoryCount{PlatformID: platformID, Category: c, Count: n})
	}
	SortCategoryCounts(out)
	return out, nil
}

func (s *MemoryStore) ListActiveUserIDs(_ context.Context, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[int64]time.Time)
	for _, o := range s.orders {
		if o.Status.Active() && o.CreatedAt.After(latest[o.UserID]) {
			latest[o.UserID] = o.CreatedAt
		}
	}
	ids := make([]int64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return latest[ids[i]].After(latest[ids[j]]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func sortNewestFirst(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].OrderNo > orders[j].OrderNo
	})
}

// SortProvinceTotals orders by total descending, then province id.
func SortProvinceTotals(totals []domain.ProvinceTotal) {
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].OrderTotal != totals[j].OrderTotal {
			return totals[i].OrderTotal > totals[j].OrderTotal
		}
		return totals[i].ProvinceID < totals[j].ProvinceID
	})
}

func SortCategoryCounts(counts []domain.CategoryCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Category < counts[j].Category
	})
}
