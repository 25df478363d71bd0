// Package main запускает HTTP-сервер сервиса предзаказов столовой.
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

	"github.com/nmalyshev/canteen-system/internal/config"
	"github.com/nmalyshev/canteen-system/internal/gateway"
	"github.com/nmalyshev/canteen-system/internal/handler"
	"github.com/nmalyshev/canteen-system/internal/middleware"
	"github.com/nmalyshev/canteen-system/internal/notifier"
	"github.com/nmalyshev/canteen-system/internal/repository"
	"github.com/nmalyshev/canteen-system/internal/service"
)

const reconcileInterval = 15 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	// При пустом адресе клиент остаётся ненастроенным и отвечает ошибкой
	// на любой вызов: оформление заказов при этом продолжает работать.
	gatewayClient := gateway.NewClient(cfg.GatewayAddress, cfg.GatewaySecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var events notifier.Notifier
	if cfg.RedisAddress != "" {
		events, err = notifier.NewRedisNotifier(ctx, cfg.RedisAddress)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
	} else {
		events = notifier.NewMemoryNotifier()
	}
	defer events.Close()

	svc := service.NewService(repo, gatewayClient, events, cfg.BYOCDiscountPercent, cfg.BaseURL)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, events, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки незавершённых оплат со шлюзом
	g.Go(func() error {
		svc.StartPaymentReconciliation(ctx, reconcileInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting canteen server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
