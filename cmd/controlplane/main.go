package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/container"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment")
	}

	cfg := config.New()

	var logger *zap.Logger
	var err error
	if !cfg.IsDevelopment() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	c, err := container.Build(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- c.Run(ctx)
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      c.HTTPHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	select {
	case err := <-runErrCh:
		if err != nil {
			logger.Warn("background container run exited with error", zap.Error(err))
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("background loops did not stop within shutdown timeout")
	}

	logger.Info("shutdown complete")
}
