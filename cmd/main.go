package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/dashboard"
	"github.com/cloud-wave-best-zizon/order-service/internal/handler"
	"github.com/cloud-wave-best-zizon/order-service/internal/service"
	pkgtls "github.com/cloud-wave-best-zizon/order-service/pkg/tls"
)

const (
	shutdownTimeout   = 5 * time.Second
	svidWatchInterval = time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "order-service",
		Short:        "Order lifecycle and live dashboard service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, timeout workers and dashboard stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Close every overdue pending order once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweep(cmd.Context())
		},
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	if err := a.aggregates.Warmup(ctx); err != nil {
		logger.Warn("Cache warmup failed", zap.Error(err))
	}

	// 대시보드 이벤트 로그 / 브로커
	eventLog := dashboard.NewEventLog(cfg.EventLogCapacity, time.Now())
	broker := dashboard.NewBroker(eventLog, cfg.SubscriberBuffer, logger)
	dashboardService := service.NewDashboardService(a.aggregates, dashboard.NewPublisher(eventLog, broker), logger)
	dispatcher := service.NewRefreshDispatcher(dashboardService, cfg.RefreshQueueSize, logger)

	// Service, Handler 초기화
	orderService := a.orderService(dispatcher)
	cartService := service.NewCartService(a.store, logger)
	compensator := service.NewTimeoutCompensator(orderService, a.queue, cfg.CloseScanInterval, logger)

	router := handler.NewRouter(handler.Handlers{
		Orders:    handler.NewOrderHandler(orderService, cartService, logger),
		Cart:      handler.NewCartHandler(cartService, logger),
		Dashboard: handler.NewDashboardHandler(dashboardService, eventLog, broker, cfg.HeartbeatInterval, cfg.ReconnectMax, logger),
	}, logger)

	tlsConfig, source, err := pkgtls.LoadTLSConfig(ctx, cfg.TLS, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	srv := &http.Server{
		Addr:      ":" + cfg.Port,
		Handler:   router,
		TLSConfig: tlsConfig,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var wg sync.WaitGroup
	spawn := func(run func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(workerCtx)
		}()
	}
	spawn(dispatcher.Run)
	spawn(compensator.Run)
	spawn(func(ctx context.Context) { broker.RunHeartbeat(ctx, cfg.HeartbeatInterval) })
	spawn(func(ctx context.Context) { source.Watch(ctx, svidWatchInterval) })
	spawn(func(ctx context.Context) {
		if err := a.queue.Run(ctx, compensator.HandleSignal); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Timeout signal consumer stopped", zap.Error(err))
		}
	})

	// Server 시작
	go func() {
		logger.Info("Starting server",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("delay_queue", cfg.DelayDriver),
			zap.Bool("tls", tlsConfig != nil))
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	// open streams never finish on their own
	broker.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	stopWorkers()
	wg.Wait()
	logger.Info("Server exited")
	return nil
}

// sweep runs a single timeout scan, for cron jobs and manual recovery.
func sweep(ctx context.Context) error {
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	closed, err := a.orderService(nil).CloseExpiredOrders(ctx)
	if err != nil {
		a.logger.Error("Timeout sweep failed", zap.Int("closed", closed), zap.Error(err))
		return err
	}
	a.logger.Info("Timeout sweep finished", zap.Int("closed", closed))
	return nil
}
