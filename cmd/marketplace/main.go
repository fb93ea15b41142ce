// Package main запускает HTTP-сервер маркетплейса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/marketplace-core/internal/config"
	"github.com/mmeshcher/marketplace-core/internal/handler"
	"github.com/mmeshcher/marketplace-core/internal/middleware"
	"github.com/mmeshcher/marketplace-core/internal/payment"
	"github.com/mmeshcher/marketplace-core/internal/push"
	"github.com/mmeshcher/marketplace-core/internal/repository"
	"github.com/mmeshcher/marketplace-core/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var (
		repo     service.Repository
		listings repository.ListingWriter
	)
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo, listings = pg, pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		mem := repository.NewMemoryRepository()
		repo, listings = mem, mem
	}

	if cfg.ListingsFile != "" {
		if err := loadListings(cfg.ListingsFile, listings); err != nil {
			sugar.Fatalw("listings seed error", "file", cfg.ListingsFile, "error", err.Error())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	hub := push.NewHub(cfg.PushSendTimeout, logger)
	defer hub.Close()

	var broker push.Broker = push.NewLocalBroker(hub)
	if cfg.RedisURL != "" {
		redisBroker, err := push.NewRedisBroker(cfg.RedisURL, hub, logger)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer redisBroker.Close()

		broker = redisBroker
		g.Go(func() error {
			return redisBroker.Run(ctx)
		})
	}

	dispatcher := push.NewDispatcher(broker, cfg.PushQueueSize, cfg.PushWorkers, logger)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	var payments service.PaymentVerifier
	if cfg.PaymentServiceAddress != "" {
		payments = payment.NewClient(cfg.PaymentServiceAddress)
	}

	svc := service.NewService(repo, dispatcher, payments, logger)
	defer svc.Close()

	svc.StartReconciliation(ctx, cfg.ReconcileInterval)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, hub, cfg.PollInterval)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g.Go(func() error {
		sugar.Infow("starting marketplace server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Остановка по сигналу или по ошибке любой из горутин группы.
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Infow("server stopped gracefully", "push_dropped", dispatcher.Dropped())
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}

func loadListings(path string, w repository.ListingWriter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = repository.LoadListings(ctx, w, f)
	return err
}
