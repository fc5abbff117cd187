package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

// SeedData is the reference catalog loaded at startup when SEED_FILE is set.
type SeedData struct {
	Products []domain.Product `json:"products"`
	Cities   []domain.City    `json:"cities"`
}

func LoadSeedFile(path string) (*SeedData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var data SeedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &data, nil
}

// Seed upserts products and cities. Existing stock is overwritten.
func Seed(ctx context.Context, s Seeder, data *SeedData) error {
	for i := range data.Products {
		p := &data.Products[i]
		if p.Status == "" {
			p.Status = domain.ProductStatusActive
		}
		if err := s.PutProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %d: %w", p.ProductID, err)
		}
	}
	for i := range data.Cities {
		if err := s.PutCity(ctx, &data.Cities[i]); err != nil {
			return fmt.Errorf("seed city %d: %w", data.Cities[i].CityID, err)
		}
	}
	return nil
}
