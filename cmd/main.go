package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kkkkikiki/coupon-issuer/internal/api"
	"github.com/kkkkikiki/coupon-issuer/internal/config"
	"github.com/kkkkikiki/coupon-issuer/internal/consumer"
	"github.com/kkkkikiki/coupon-issuer/internal/coordination"
	"github.com/kkkkikiki/coupon-issuer/internal/database"
	"github.com/kkkkikiki/coupon-issuer/internal/lock"
	"github.com/kkkkikiki/coupon-issuer/internal/logging"
	"github.com/kkkkikiki/coupon-issuer/internal/repository"
	"github.com/kkkkikiki/coupon-issuer/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coupon-issuer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.App)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting coupon issuer", zap.String("environment", cfg.App.Environment))

	lockType, err := lock.ParseType(cfg.Lock.DefaultType)
	if err != nil {
		return err
	}

	// Initialize database connections
	db, err := database.NewDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database connections", zap.Error(err))
		}
	}()

	if cfg.App.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	txm := database.NewTxManager(db.Postgres)
	store := coordination.NewStore(db.Redis,
		coordination.WithKeyPrefix(cfg.Redis.KeyPrefix),
		coordination.WithLogger(logger.Named("coordination")))

	// Both providers stay registered; every holder of a key must use the
	// same type since they store different value types under "lock:".
	locker := lock.NewExecutor(
		lock.NewFactory(
			lock.NewPollingLock(db.Redis, lock.WithRetryInterval(cfg.Lock.RetryInterval)),
			lock.NewPubSubLock(db.Redis),
		),
		logger.Named("lock"),
		lock.WithUnitOfWork(txm),
	)

	couponRepo := repository.NewCouponRepository(db.Postgres)
	userCouponRepo := repository.NewUserCouponRepository(db.Postgres, txm)

	couponService := service.NewCouponServer(txm, store, couponRepo, userCouponRepo, locker,
		lock.Options{Type: lockType, Wait: cfg.Lock.Wait, Lease: cfg.Lock.Lease},
		logger.Named("service"))

	var scheduler *consumer.Scheduler
	if cfg.Consumer.Enabled {
		issueConsumer := consumer.NewIssueConsumer(store, couponRepo, userCouponRepo, locker, lockType,
			cfg.Consumer, logger)
		scheduler = consumer.NewScheduler(issueConsumer, cfg.Consumer, logger)
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	// Create HTTP mux
	mux := http.NewServeMux()

	// Register coupon service handler
	path, handler := api.NewCouponServiceHandler(couponService)
	mux.Handle(path, handler)

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"coupon-issuer","hostname":"%s"}`, hostname)
		w.Write([]byte(response))
	})

	// Add database health check endpoint
	mux.HandleFunc("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Postgres.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"postgres unavailable"}`))
			return
		}
		if err := db.Redis.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"redis unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","postgres":"connected","redis":"connected"}`))
	})

	// Add Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Create server with configuration optimized for high concurrency
	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(mux, &http2.Server{
			MaxConcurrentStreams: 1000,
		}),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("consumer passes still running at shutdown deadline")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited gracefully")
	return nil
}
