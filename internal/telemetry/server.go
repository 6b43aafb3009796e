package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "powerbot"

// ServeMetrics exposes the gatherer on addr until ctx is done. A non-nil
// admin handler serves every other path on the same internal listener.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, admin http.Handler, logger *zap.Logger) error {
	server := &http.Server{Addr: addr, Handler: InternalMux(gatherer, admin), ReadHeaderTimeout: 10 * time.Second}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// InternalMux routes /metrics to the gatherer and the rest to admin.
func InternalMux(gatherer prometheus.Gatherer, admin http.Handler) *http.ServeMux {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if admin != nil {
		mux.Handle("/", admin)
	}
	return mux
}

// Health wraps a gRPC server that only answers health checks.
type Health struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func NewHealth(logger *zap.Logger) *Health {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{grpc: gs, health: hs, logger: logger}
}

// Serve blocks on lis until Stop is called.
func (h *Health) Serve(lis net.Listener) error {
	h.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	return h.grpc.Serve(lis)
}

func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}

func (h *Health) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
