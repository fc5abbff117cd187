package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	"github.com/cloud-wave-best-zizon/order-service/internal/repository"
)

type CartRepository interface {
	repository.Catalog
	repository.CartStore
}

type CartService struct {
	store  CartRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewCartService(store CartRepository, logger *zap.Logger) *CartService {
	return &CartService{
		store:  store,
		logger: logger.With(zap.String("component", "cart-service")),
		now:    time.Now,
	}
}

// Add puts one more unit of the product into the cart at its current price.
func (s *CartService) Add(ctx context.Context, userID int64, req domain.AddCartItemRequest) ([]domain.CartLine, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	product, err := s.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, fmt.Errorf("%w: product %d not found", ErrInvalidProduct, req.ProductID)
		}
		return nil, err
	}
	if !product.Active() {
		return nil, fmt.Errorf("%w: product %d is not on sale", ErrInvalidProduct, req.ProductID)
	}
	if _, err := s.store.GetCity(ctx, req.CityID); err != nil {
		if errors.Is(err, repository.ErrCityNotFound) {
			return nil, fmt.Errorf("%w: city %d not found", ErrInvalidCity, req.CityID)
		}
		return nil, err
	}

	err = s.store.AddCartLine(ctx, domain.CartLine{
		UserID:      userID,
		ProductID:   product.ProductID,
		CityID:      req.CityID,
		Amount:      product.Price,
		UpdatedAt:   s.now(),
		ProductName: product.Name,
		Brand:       product.Brand,
		Category:    product.Category,
		PlatformID:  product.PlatformID,
	})
	if err != nil {
		return nil, err
	}
	return s.List(ctx, userID)
}

func (s *CartService) List(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	lines, err := s.store.ListCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return lines, nil
}

// Remove takes one unit off a cart line. cityID 0 picks the latest line of
// the product.
func (s *CartService) Remove(ctx context.Context, userID, productID, cityID int64) ([]domain.CartLine, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	if productID <= 0 {
		return nil, fmt.Errorf("%w: product id %d", ErrInvalidProduct, productID)
	}
	if err := s.store.DecrementCartLine(ctx, userID, productID, cityID); err != nil {
		if errors.Is(err, repository.ErrCartLineNotFound) {
			return nil, ErrCartLineNotFound
		}
		return nil, err
	}
	return s.List(ctx, userID)
}

// ClearCheckedOut removes one cart unit per created order. A line that is
// already gone does not fail the checkout.
func (s *CartService) ClearCheckedOut(ctx context.Context, userID int64, orders []domain.Order) {
	for _, o := range orders {
		err := s.store.DecrementCartLine(ctx, userID, o.ProductID, o.CityID)
		if err == nil || errors.Is(err, repository.ErrCartLineNotFound) {
			continue
		}
		s.logger.Warn("Failed to clear cart line",
			zap.Int64("user_id", userID),
			zap.Int64("product_id", o.ProductID),
			zap.Error(err))
	}
}
