package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "ACTIVE"
	ProductStatusInactive ProductStatus = "INACTIVE"
)

// Product carries the stock level the order service deducts from and the
// catalog attributes copied onto each order.
type Product struct {
	ProductID  int64           `json:"product_id"`
	Name       string          `json:"name"`
	Brand      string          `json:"brand"`
	Category   string          `json:"category"`
	PlatformID int64           `json:"platform_id"`
	Price      decimal.Decimal `json:"price"`
	Stock      int             `json:"stock"`
	Status     ProductStatus   `json:"status"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (p *Product) Active() bool {
	return p.Status == "" || p.Status == ProductStatusActive
}

type City struct {
	CityID       int64  `json:"city_id"`
	Name         string `json:"name"`
	ProvinceID   int64  `json:"province_id"`
	ProvinceName string `json:"province_name"`
}
