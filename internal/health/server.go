// internal/health/server.go
package health

import (
	"log/slog"
	"sync"

	"concurrency-guard/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for guardd. The
// empty service name always mirrors it.
const ServiceName = "concurrency-guard"

// Server exposes the admission level through the standard gRPC health
// protocol so load balancers stop routing to an instance while it sheds load.
type Server struct {
	health *health.Server
	logger *slog.Logger

	mu      sync.Mutex
	serving bool
}

// NewServer creates a health server that starts out SERVING.
func NewServer(logger *slog.Logger) *Server {
	s := &Server{
		health:  health.NewServer(),
		logger:  logger.With("component", "health-server"),
		serving: true,
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return s
}

// Register adds the health service to a gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Observe updates the serving status from a load snapshot. Its signature
// matches reporter.Hook.
func (s *Server) Observe(snapshot domain.LoadSnapshot) {
	serving := snapshot.Level != domain.LoadLevelCritical

	s.mu.Lock()
	changed := serving != s.serving
	s.serving = serving
	s.mu.Unlock()

	if !changed {
		return
	}
	if serving {
		s.logger.Info("load recovered, serving", "level", snapshot.Level.String())
		s.set(healthpb.HealthCheckResponse_SERVING)
		return
	}
	s.logger.Warn("load critical, not serving", "level", snapshot.Level.String())
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Shutdown marks every service NOT_SERVING for good.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
