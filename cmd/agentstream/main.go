package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"agentstream/internal/agent"
	"agentstream/internal/config"
	"agentstream/internal/metrics"
	"agentstream/internal/server"
	"agentstream/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Logger.Error("load config", "error", err)
		os.Exit(1)
	}
	log := config.SetupLogger(cfg.Log)

	strategy := stream.ResolveStrategy(cfg.Stream.Strategy, stream.EnvDetector(os.LookupEnv))
	log.Info("stream strategy selected", "strategy", string(strategy), "configured", cfg.Stream.Strategy, "environment", strategy.Environment())

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}
	builder := stream.NewBuilder(strategy,
		stream.WithPaceInterval(cfg.Stream.PaceInterval),
		stream.WithLogger(log),
		stream.WithMetrics(collector),
	)
	app := server.NewApp(server.Deps{
		Config:  cfg,
		Agent:   agent.Echo{},
		Builder: builder,
		Metrics: collector,
		Logger:  log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           app.Router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	// Start server in a goroutine so we can listen for shutdown signals.
	go func() {
		log.Info("starting agentstream", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown signal received", "signal", sig.String())

	// Open streams keep their connections busy; give them the shutdown window
	// and then drop them.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed, forcing exit", "error", err)
		_ = srv.Close()
		os.Exit(1)
	}
	log.Info("server gracefully stopped")
}
