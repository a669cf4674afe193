package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gracechurch.org/authz/internal/obs"
)

const probeTimeout = 2 * time.Second

// NewGRPCServer returns a gRPC server exposing grpc.health.v1 together with the
// health server backing it. Both start NOT_SERVING until the first probe.
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchReadiness probes checker every interval until ctx is done, then marks the
// service NOT_SERVING for the drain.
func WatchReadiness(ctx context.Context, hs *health.Server, checker ReadinessChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ProbeReadiness(ctx, hs, checker)
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// ProbeReadiness runs one check and publishes its outcome.
func ProbeReadiness(ctx context.Context, hs *health.Server, checker ReadinessChecker) bool {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	err := checker.Check(pctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().Warn("readiness probe failed", zap.Error(err))
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(serviceName, status)
	obs.SetReady(err == nil)
	return err == nil
}
