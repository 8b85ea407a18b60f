package node

import (
	"context"
	"net"
	"time"

	"sdfs/pkg/metrics"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the gRPC health service name a node reports under. The
// empty service name reports the same status.
const ServiceName = "sdfs.Node"

// healthService reports liveness over gRPC and readiness over HTTP.
type healthService struct {
	grpc   *health.Server
	http   *metrics.HealthEndpoint
	logger *zap.Logger
}

func newHealthService(logger *zap.Logger) *healthService {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &healthService{
		grpc:   hs,
		http:   metrics.NewHealthEndpoint(logger),
		logger: logger.With(zap.String("component", "health")),
	}
}

func (h *healthService) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", status)
	h.grpc.SetServingStatus(ServiceName, status)
}

// serve runs the gRPC health server on ln until ctx is cancelled.
func (h *healthService) serve(ctx context.Context, ln net.Listener) error {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(srv, h.grpc)

	stop := context.AfterFunc(ctx, func() {
		h.grpc.Shutdown()
		srv.Stop()
	})
	defer stop()

	h.logger.Info("Health server listening", zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
