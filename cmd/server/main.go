// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/smsleopard-dispatch/internal/app"
	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}
	log := logger.New(cfg.LoggerLevel, cfg.LoggerFormat)
	defer logger.Sync(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize engine", zap.Error(err))
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal("failed to start engine", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           controller.NewRouter(engine.Service, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server running", zap.String("addr", srv.Addr), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown failed", zap.Error(err))
		}
		return engine.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}
