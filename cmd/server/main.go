package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"api-guardian/internal/factory"
	"api-guardian/internal/handler"
	"api-guardian/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	// Background loops: telemetry consumers, usage sweeper, analytics flusher.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if consumers := f.Consumers(); consumers != nil {
		go func() {
			if err := consumers.Run(bgCtx); err != nil {
				util.Error("consumer group stopped", util.ErrorField(err))
			}
		}()
	} else {
		util.Warn("Kafka unavailable, telemetry consumers disabled")
	}
	go f.Aggregator().Run(bgCtx, cfg.Usage.SweepInterval)
	go f.RequestLogWriter().Run(bgCtx, 10*time.Second)

	health := func(r *http.Request) error {
		return firstHealthError(f.HealthCheck(r.Context()))
	}

	router := handler.NewRouter(
		f.Pipeline(),
		f.Authenticator(),
		f.AdminHandler(),
		handler.NewGuardedHandler(),
		health,
		util.Get(),
	)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		zap.String("environment", cfg.Environment),
		zap.String("address", server.Addr),
	)

	waitForShutdown(f, bgCancel, server)
}

func firstHealthError(healthErrors map[string]error) error {
	// Kafka is telemetry only; its failure never fails readiness.
	delete(healthErrors, "kafka")
	for _, err := range healthErrors {
		return err
	}
	return nil
}

func waitForShutdown(f *factory.Factory, stopBackground context.CancelFunc, server *http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}

	// Stop background loops so the aggregator's final sweep and the request
	// log's final flush run before the clients close.
	stopBackground()
	time.Sleep(time.Second)

	f.Close()
}
