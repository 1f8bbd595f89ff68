// Package metrics provides interfaces and implementations for collecting
// policy daemon metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording policy daemon metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()

	// Request metrics; decision is the verdict of the responding engine
	// ("accept", "deny", "pass-through") or "error"
	RequestProcessed(policy, decision string)
	RequestDuration(policy string, seconds float64)
	MalformedRequest()

	// Backing store soft failures; store is "redis" or "sql"
	StoreError(store string)

	// SPF check results by sender domain
	SPFCheckCompleted(senderDomain, result string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
