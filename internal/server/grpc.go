package server

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/featurehub-go/internal/logging"
	"github.com/matt-riley/featurehub-go/internal/metrics"
	"github.com/matt-riley/featurehub-go/internal/repository"
)

// HealthService is the service name reported alongside the overall ("")
// status.
const HealthService = "featurehub"

// NewGRPCServer returns a gRPC server exposing grpc.health.v1.Health. Both
// the overall status and [HealthService] are SERVING exactly while repo is
// ready. m may be nil.
func NewGRPCServer(repo *repository.Repository, m *metrics.Metrics, logger *slog.Logger) *grpc.Server {
	if repo == nil {
		panic("repository is nil")
	}
	logger = logging.OrNop(logger)

	unary := []grpc.UnaryServerInterceptor{UnaryRequestLoggingInterceptor(logger)}
	stream := []grpc.StreamServerInterceptor{StreamRequestLoggingInterceptor(logger)}
	if m != nil {
		unary = append([]grpc.UnaryServerInterceptor{m.UnaryServerInterceptor()}, unary...)
		stream = append([]grpc.StreamServerInterceptor{m.StreamServerInterceptor()}, stream...)
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)

	hs := health.NewServer()
	bindReadiness(hs, repo, logger)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// bindReadiness keeps hs in step with repo. The status is always re-read
// under mu so a late listener can never overwrite a newer state.
func bindReadiness(hs *health.Server, repo *repository.Repository, logger *slog.Logger) {
	var mu sync.Mutex
	update := func() {
		mu.Lock()
		defer mu.Unlock()
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if repo.Ready() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(HealthService, st)
		logger.Debug("health status updated", slog.String("status", st.String()))
	}
	repo.OnReadyChange(func(bool) { update() })
	update()
}
