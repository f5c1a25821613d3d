package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/app"
	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/logger"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}
	log := logger.New(cfg.LoggerLevel, cfg.LoggerFormat)
	defer logger.Sync(log)

	if cfg.RabbitMQURL == "" {
		log.Fatal("RABBITMQ_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize engine", zap.Error(err))
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal("failed to start engine", zap.Error(err))
	}

	handle := startHandler(ctx, engine.Service, validator.New(), log)
	if err := engine.Broker.Subscribe(cfg.StartQueue, handle); err != nil {
		log.Fatal("failed to register consumer", zap.Error(err))
	}
	log.Info("worker running, waiting for campaign requests", zap.String("queue", cfg.StartQueue))

	<-ctx.Done()
	log.Info("worker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Close(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
	}
}

// startHandler turns campaign.start messages into StartCampaign calls.
// Malformed or invalid requests are dropped; other failures are retried by the broker.
func startHandler(ctx context.Context, svc *service.CampaignService, validate *validator.Validate, log *zap.Logger) func(payload any) error {
	return func(payload any) error {
		body, ok := payload.([]byte)
		if !ok {
			log.Warn("invalid payload type, expected []byte")
			return nil
		}

		var req controller.StartCampaignRequestDTO
		if err := json.Unmarshal(body, &req); err != nil {
			log.Warn("invalid campaign request", zap.Error(err))
			return nil
		}
		if err := validate.StructCtx(ctx, req); err != nil {
			log.Warn("campaign request rejected", zap.Error(err))
			return nil
		}

		id, err := svc.StartCampaign(ctx, req.ToRequest())
		if err != nil {
			if appErrors.IsValidation(err) {
				log.Warn("campaign request rejected", zap.String("name", req.Name), zap.Error(err))
				return nil
			}
			return fmt.Errorf("start campaign %q: %w", req.Name, err)
		}
		log.Info("campaign started from queue", zap.String("campaign_id", id), zap.String("name", req.Name))
		return nil
	}
}
