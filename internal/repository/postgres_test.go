package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPostgresPool(ctx, url)
	require.NoError(t, err)
	s := NewPostgresStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	// fresh ids per run; rows are left behind
	base := time.Now().UnixNano() / 1000 * 10

	cases := []struct {
		name string
		run  func(*testing.T, Store, int64)
	}{
		{"create and release", exerciseCreateAndRelease},
		{"transition guards", exerciseGuards},
		{"concurrent pay", exerciseConcurrentPay},
		{"concurrent create", exerciseConcurrentCreate},
		{"unknown order", exerciseUnknownOrder},
		{"cart", exerciseCart},
		{"active aggregates", exerciseAggregates},
	}
	for i, c := range cases {
		offset := base + int64(i)*100
		t.Run(c.name, func(t *testing.T) {
			c.run(t, s, offset)
		})
	}
}
