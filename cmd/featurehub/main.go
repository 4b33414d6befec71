// Package main is the featurehub command line tool.
//
// It connects to a FeatureHub edge with the keys from the environment (see
// internal/config) and either evaluates a single feature (eval) or keeps the
// cache synchronized while serving diagnostics over HTTP and gRPC (watch).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/matt-riley/featurehub-go/featurehub"
	"github.com/matt-riley/featurehub-go/internal/config"
	"github.com/matt-riley/featurehub-go/internal/logging"
	"github.com/matt-riley/featurehub-go/internal/tracing"
)

const tracerShutdownTimeout = 5 * time.Second

type configLoader func() (config.Config, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(config.Load).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(load configLoader) *cobra.Command {
	root := &cobra.Command{
		Use:          "featurehub",
		Short:        "Evaluate and watch FeatureHub features",
		SilenceUsage: true,
	}
	root.AddCommand(
		newWatchCmd(load),
		newEvalCmd(load),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the SDK version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "featurehub v%s\n", featurehub.Version)
		},
	}
}

// setup loads configuration and starts logging and tracing. The returned
// cleanup flushes the tracer.
func setup(ctx context.Context, load configLoader) (config.Config, *slog.Logger, func(), error) {
	cfg, err := load()
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("init tracing: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}
	return cfg, log, cleanup, nil
}

// newFeatureHub maps process configuration onto an SDK config. reg may be
// nil.
func newFeatureHub(cfg config.Config, log *slog.Logger, reg *prometheus.Registry) (*featurehub.Config, error) {
	opts := []featurehub.Option{
		featurehub.WithLogger(log),
		featurehub.WithInterceptor(featurehub.NewEnvironmentInterceptor()),
		featurehub.WithPollTimeout(cfg.PollHTTPTimeout),
	}
	if cfg.Transport == config.TransportPolling {
		opts = append(opts, featurehub.WithPolling(cfg.PollInterval))
	} else {
		opts = append(opts, featurehub.WithStreaming())
	}
	if reg != nil {
		opts = append(opts, featurehub.WithPrometheusRegistry(reg))
	}

	hub, err := featurehub.NewConfig(cfg.EdgeURL, cfg.APIKeys, opts...)
	if err != nil {
		return nil, fmt.Errorf("create featurehub config: %w", err)
	}
	return hub, nil
}
