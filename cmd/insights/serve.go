package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-insights/internal/api"
	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/metrics"
	"github.com/miradorstack/mirador-insights/internal/services"
	"github.com/miradorstack/mirador-insights/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC analysis service and the HTTP ops endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	logger.Info("starting mirador-insights", slog.String("address", cfg.Server.Address), slog.String("http_address", cfg.Server.HTTPAddress))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	sessions := session.NewStore[*engine.Session](cfg.Sessions.TTL, cfg.Sessions.MaxSessions)
	svc := services.NewAnalysisService(logger, comps.pipeline, sessions, cfg.Server.AnalysisTimeout)

	sweeperDone, err := session.StartSweeper(ctx, cfg.Sessions.SweepSchedule, sessions, logger, metrics.SetActiveSessions)
	if err != nil {
		return err
	}

	server, err := api.NewServer(cfg.Server, svc)
	if err != nil {
		return err
	}

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddress,
			Handler:           api.NewRouter(svc, prometheus.DefaultGatherer, logger, cfg.Server.MaxUploadBytes),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.Server.AnalysisTimeout + 15*time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("grpc server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
	}
	<-sweeperDone

	logger.Info("mirador-insights stopped", slog.Duration("analysis_p95", svc.LatencyP95()))
	return nil
}
