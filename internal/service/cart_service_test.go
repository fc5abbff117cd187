package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	"github.com/cloud-wave-best-zizon/order-service/internal/repository"
)

func newCartFixture(t *testing.T) (*CartService, *repository.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.PutProduct(ctx, &domain.Product{
		ProductID: testProduct, Name: "Green tea", Price: decimal.RequireFromString("12.50"), Stock: 5,
	}))
	require.NoError(t, store.PutProduct(ctx, &domain.Product{
		ProductID: scarceItem, Name: "Retired", Stock: 5, Status: domain.ProductStatusInactive,
	}))
	require.NoError(t, store.PutCity(ctx, &domain.City{CityID: testCity, Name: "Busan"}))
	return NewCartService(store, zap.NewNop()), store
}

func TestCartAddIncrementsLine(t *testing.T) {
	svc, _ := newCartFixture(t)
	ctx := context.Background()
	req := domain.AddCartItemRequest{ProductID: testProduct, CityID: testCity}

	_, err := svc.Add(ctx, buyer, req)
	require.NoError(t, err)
	lines, err := svc.Add(ctx, buyer, req)
	require.NoError(t, err)

	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.True(t, lines[0].Amount.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "Green tea", lines[0].ProductName)

	other, err := svc.List(ctx, otherBuyer)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCartAddRejectsInvalidItems(t *testing.T) {
	svc, _ := newCartFixture(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, buyer, domain.AddCartItemRequest{ProductID: 99, CityID: testCity})
	assert.ErrorIs(t, err, ErrInvalidProduct)
	_, err = svc.Add(ctx, buyer, domain.AddCartItemRequest{ProductID: scarceItem, CityID: testCity})
	assert.ErrorIs(t, err, ErrInvalidProduct)
	_, err = svc.Add(ctx, buyer, domain.AddCartItemRequest{ProductID: testProduct, CityID: 999})
	assert.ErrorIs(t, err, ErrInvalidCity)
	_, err = svc.Add(ctx, 0, domain.AddCartItemRequest{ProductID: testProduct, CityID: testCity})
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestCartRemove(t *testing.T) {
	svc, _ := newCartFixture(t)
	ctx := context.Background()
	req := domain.AddCartItemRequest{ProductID: testProduct, CityID: testCity}
	_, err := svc.Add(ctx, buyer, req)
	require.NoError(t, err)
	_, err = svc.Add(ctx, buyer, req)
	require.NoError(t, err)

	lines, err := svc.Remove(ctx, buyer, testProduct, testCity)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].Quantity)

	lines, err = svc.Remove(ctx, buyer, testProduct, 0)
	require.NoError(t, err)
	assert.Empty(t, lines)

	_, err = svc.Remove(ctx, buyer, testProduct, testCity)
	assert.ErrorIs(t, err, ErrCartLineNotFound)
}

func TestCartClearCheckedOutIgnoresMissingLines(t *testing.T) {
	svc, _ := newCartFixture(t)
	ctx := context.Background()
	_, err := svc.Add(ctx, buyer, domain.AddCartItemRequest{ProductID: testProduct, CityID: testCity})
	require.NoError(t, err)

	svc.ClearCheckedOut(ctx, buyer, []domain.Order{
		{ProductID: testProduct, CityID: testCity},
		{ProductID: testProduct, CityID: testCity},
		{ProductID: scarceItem, CityID: testCity},
	})

	lines, err := svc.List(ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, lines)
}
