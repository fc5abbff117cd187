package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/cache"
	"github.com/cloud-wave-best-zizon/order-service/internal/events"
	"github.com/cloud-wave-best-zizon/order-service/internal/repository"
	"github.com/cloud-wave-best-zizon/order-service/internal/service"
	"github.com/cloud-wave-best-zizon/order-service/pkg/config"
	"github.com/cloud-wave-best-zizon/order-service/pkg/idgen"
	"github.com/cloud-wave-best-zizon/order-service/pkg/logger"
)

// app holds the process-wide dependencies shared by serve and sweep.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      repository.Store
	kv         *cache.PebbleStore
	aggregates *cache.AggregateCache
	queue      events.DelayQueue
	ids        *idgen.Snowflake
}

func bootstrap(ctx context.Context) (*app, error) {
	// Config 로드
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if a.ids, err = idgen.NewSnowflake(cfg.NodeID); err != nil {
		return nil, err
	}
	if a.store, err = openStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	if cfg.SeedFile != "" {
		data, err := repository.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := repository.Seed(ctx, a.store, data); err != nil {
			return nil, err
		}
		log.Info("Catalog seeded",
			zap.Int("products", len(data.Products)),
			zap.Int("cities", len(data.Cities)))
	}

	if a.kv, err = cache.OpenPebble(cfg.CacheDir); err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	a.aggregates = cache.NewAggregateCache(a.kv, a.store, cfg.RecentOrdersTTL, log)

	if a.queue, err = openDelayQueue(cfg, log); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) orderService(notifier service.DashboardNotifier) *service.OrderService {
	settings := service.OrderSettings{
		PaymentTimeout: a.cfg.PaymentTimeout,
		ScanBatch:      a.cfg.CloseScanBatch,
	}
	return service.NewOrderService(a.store, a.ids, a.queue, notifier, a.aggregates, settings, a.logger)
}

func (a *app) close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("Failed to close delay queue", zap.Error(err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("Failed to close cache", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Info("Using in-memory store")
		return repository.NewMemoryStore(), nil

	case "postgres":
		pool, err := repository.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := repository.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		return store, nil

	case "dynamodb":
		// DynamoDB 클라이언트 초기화
		client, err := repository.NewDynamoDBClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create DynamoDB client: %w", err)
		}
		return repository.NewDynamoStore(client, repository.TablesFromConfig(cfg)), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openDelayQueue(cfg *config.Config, log *zap.Logger) (events.DelayQueue, error) {
	switch cfg.DelayDriver {
	case "memory":
		return events.NewMemoryDelayQueue(0, log), nil

	case "kafka":
		var brokers []string
		for _, b := range strings.Split(cfg.KafkaBrokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		if len(brokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is empty")
		}
		return events.NewKafkaDelayQueue(brokers, cfg.KafkaTimeoutTopic, cfg.KafkaGroupID, log), nil

	case "rabbitmq":
		queue, err := events.NewRabbitDelayQueue(cfg.RabbitMQURL, cfg.RabbitMQQueue, log)
		if err != nil {
			return nil, err
		}
		return queue, nil
	}
	return nil, fmt.Errorf("unknown delay driver %q", cfg.DelayDriver)
}
