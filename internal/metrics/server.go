package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"chapps/internal/config"
)

// NoopServer is a no-op implementation of the Server interface.
// It does nothing when started or shut down.
type NoopServer struct{}

// Start is a no-op that returns immediately.
func (n *NoopServer) Start(ctx context.Context) error {
	return nil
}

// Shutdown is a no-op that returns immediately.
func (n *NoopServer) Shutdown(ctx context.Context) error {
	return nil
}

// New creates a Collector and Server based on the provided configuration.
// When metrics are disabled, both are no-ops.
func New(cfg config.MetricsConfig) (Collector, Server) {
	if !cfg.Enabled {
		return &NoopCollector{}, &NoopServer{}
	}
	// promhttp.Handler serves the default registry.
	collector := NewPrometheusCollector(prometheus.DefaultRegisterer)
	return collector, NewPrometheusServer(cfg.Address, cfg.Path)
}
