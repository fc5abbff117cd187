package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartLine struct {
	UserID    int64           `json:"user_id"`
	ProductID int64           `json:"product_id"`
	CityID    int64           `json:"city_id"`
	Quantity  int             `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`

	ProductName string `json:"product_name,omitempty"`
	Brand       string `json:"brand,omitempty"`
	Category    string `json:"category,omitempty"`
	PlatformID  int64  `json:"platform_id,omitempty"`
}

type AddCartItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required,min=1"`
	CityID    int64 `json:"city_id" binding:"required,min=1"`
}
