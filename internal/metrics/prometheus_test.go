package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chapps/internal/config"
)

func TestPrometheusCollectorImplementsInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ Collector = NewPrometheusCollector(reg)
}

func TestPrometheusServerImplementsInterface(t *testing.T) {
	var _ Server = NewPrometheusServer(":0", "/metrics")
}

func TestPrometheusCollectorMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	// All methods should execute without panic
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.RequestProcessed("outbound_quota", "accept")
	c.RequestProcessed("greylisting", "deny")
	c.RequestDuration("outbound_quota", 0.002)
	c.MalformedRequest()
	c.StoreError("redis")
	c.SPFCheckCompleted("sender.com", "pass")

	// Gather metrics to verify they were recorded
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Check that metrics were registered
	metricNames := make(map[string]bool)
	for _, mf := range mfs {
		metricNames[mf.GetName()] = true
	}

	expectedMetrics := []string{
		"chapps_connections_total",
		"chapps_connections_active",
		"chapps_requests_total",
		"chapps_request_duration_seconds",
		"chapps_malformed_requests_total",
		"chapps_store_errors_total",
		"chapps_spf_checks_total",
	}

	for _, name := range expectedMetrics {
		if !metricNames[name] {
			t.Errorf("expected metric %q not found", name)
		}
	}
}

func TestPrometheusCollectorConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	// Open some connections
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionOpened()

	// Close one
	c.ConnectionClosed()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		switch mf.GetName() {
		case "chapps_connections_total":
			if len(mf.GetMetric()) == 0 {
				t.Error("connections_total has no metrics")
				continue
			}
			v := mf.GetMetric()[0].GetCounter().GetValue()
			if v != 3 {
				t.Errorf("connections_total = %v, want 3", v)
			}
		case "chapps_connections_active":
			if len(mf.GetMetric()) == 0 {
				t.Error("connections_active has no metrics")
				continue
			}
			v := mf.GetMetric()[0].GetGauge().GetValue()
			if v != 2 {
				t.Errorf("connections_active = %v, want 2", v)
			}
		}
	}
}

func TestPrometheusCollectorRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RequestProcessed("outbound_quota", "accept")
	c.RequestProcessed("outbound_quota", "deny")
	c.RequestProcessed("greylisting", "accept")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() == "chapps_requests_total" {
			// Two label sets for outbound_quota plus one for greylisting
			if len(mf.GetMetric()) != 3 {
				t.Errorf("requests_total has %d metric entries, want 3", len(mf.GetMetric()))
			}
		}
	}
}

func TestPrometheusServerStartStop(t *testing.T) {
	server := NewPrometheusServer("127.0.0.1:0", "/metrics")

	ctx, cancel := context.WithCancel(context.Background())

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	cancel()

	// Check that Start returned without error
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Start() did not return after shutdown")
	}
}

func TestNewDisabledReturnsNoops(t *testing.T) {
	// New() with metrics enabled registers on the default registry, so
	// only the disabled path is exercised here.
	collector, server := New(config.MetricsConfig{Enabled: false})

	if _, ok := collector.(*NoopCollector); !ok {
		t.Errorf("New() with Enabled=false returned collector type %T, want *NoopCollector", collector)
	}
	if _, ok := server.(*NoopServer); !ok {
		t.Errorf("New() with Enabled=false returned server type %T, want *NoopServer", server)
	}
}
