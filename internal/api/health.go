package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/pagesmith/internal/store"
)

// HealthServiceName is the gRPC health service name of the API.
const HealthServiceName = "pagesmith.v1.Agent"

const healthCheckTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo  Pinger
	model string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo Pinger, modelName string) *HealthHandler {
	return &HealthHandler{repo: repo, model: modelName}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"model":  h.model,
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// GRPCHealth serves the standard gRPC health protocol and keeps the API
// service status in step with the store.
type GRPCHealth struct {
	Server *grpc.Server
	health *health.Server
	repo   Pinger
}

// NewGRPCHealth registers a health service on a new gRPC server.
func NewGRPCHealth(repo Pinger, opts ...grpc.ServerOption) *GRPCHealth {
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCHealth{Server: srv, health: hs, repo: repo}
}

// Check pings the store once and publishes the result.
func (g *GRPCHealth) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := g.repo.Ping(ctx); err != nil {
		slog.Warn("[HEALTH] store unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus(HealthServiceName, status)
	g.health.SetServingStatus("", status)
	return status
}

// Watch re-checks the store every interval until ctx is done.
func (g *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	g.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Serve serves gRPC on lis until Stop is called.
func (g *GRPCHealth) Serve(lis net.Listener) error {
	return g.Server.Serve(lis)
}

// Stop marks every service as not serving and stops the server gracefully.
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.Server.GracefulStop()
}

var _ Pinger = (store.Repository)(nil)
