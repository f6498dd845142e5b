// Package main запускает HTTP-сервер сервиса adegloba-core.
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

	"github.com/j1vetr/adegloba-core/internal/config"
	"github.com/j1vetr/adegloba-core/internal/handler"
	"github.com/j1vetr/adegloba-core/internal/kafka"
	"github.com/j1vetr/adegloba-core/internal/loyalty"
	"github.com/j1vetr/adegloba-core/internal/middleware"
	"github.com/j1vetr/adegloba-core/internal/repository"
	"github.com/j1vetr/adegloba-core/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	tiers := loyalty.Default()
	if cfg.TiersFile != "" {
		tiers, err = loyalty.LoadFile(cfg.TiersFile)
		if err != nil {
			sugar.Fatalw("tier table error", "error", err.Error())
		}
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	svc := service.NewService(repo, tiers, logger)
	defer svc.Close()

	webhookAuth := middleware.NewWebhookAuth(cfg.WebhookSecret)
	adminAuth := middleware.NewAdminAuth(cfg.AdminKey)
	h := handler.NewHandler(svc, logger, webhookAuth, adminAuth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового цикла довыдачи отложенных заказов
	g.Go(func() error {
		svc.StartFulfillmentRetries(ctx, cfg.RetryInterval)
		return nil
	})

	// Потребители событий заказов из Kafka (если брокеры настроены)
	if brokers := cfg.BrokerList(); len(brokers) > 0 {
		paid := kafka.NewConsumer(brokers, cfg.KafkaGroupID, kafka.TopicOrdersPaid, logger)
		voided := kafka.NewConsumer(brokers, cfg.KafkaGroupID, kafka.TopicOrdersVoided, logger)

		g.Go(func() error {
			sugar.Infow("starting kafka consumer", "topic", kafka.TopicOrdersPaid)
			return paid.Run(ctx, kafka.PaidHandler(svc))
		})
		g.Go(func() error {
			sugar.Infow("starting kafka consumer", "topic", kafka.TopicOrdersVoided)
			return voided.Run(ctx, kafka.VoidedHandler(svc))
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting adegloba-core server", "addr", cfg.RunAddress)
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
