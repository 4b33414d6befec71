package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/featurehub-go/featurehub"
	"github.com/matt-riley/featurehub-go/internal/config"
	"github.com/matt-riley/featurehub-go/internal/server"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func newWatchCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep features synchronized and serve diagnostics over HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, cleanup, err := setup(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer cleanup()
			return runWatch(cmd.Context(), cfg, log)
		},
	}
}

func runWatch(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	hub, err := newFeatureHub(cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() {
		if err := hub.Close(); err != nil {
			log.Error("close featurehub", "error", err)
		}
	}()

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	return serve(ctx, hub, cfg.ReadyTimeout, httpListener, grpcListener, log)
}

// serve starts synchronization and both diagnostics servers, and blocks until
// ctx is done or a server fails.
func serve(ctx context.Context, hub *featurehub.Config, readyTimeout time.Duration, httpListener, grpcListener net.Listener, log *slog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	repo := hub.Repository()
	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(server.NewHTTPHandler(repo, hub.Metrics(), log), "featurehub-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	grpcServer := server.NewGRPCServer(repo, hub.Metrics(), log)

	hub.Init()
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		defer cancel()
		if err := hub.WaitReady(waitCtx); err != nil {
			if ctx.Err() == nil {
				log.Warn("features not ready yet", "timeout", readyTimeout, "error", err)
			}
			return
		}
		log.Info("features ready", "count", len(repo.ExtractFeatureState()))
	}()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("watching features",
		"edge_url", hub.EdgeURL(),
		"client_evaluated", hub.ClientEvaluated(),
		"http_addr", httpListener.Addr().String(),
		"grpc_addr", grpcListener.Addr().String(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}
