package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// RequestProcessed is a no-op.
func (n *NoopCollector) RequestProcessed(policy, decision string) {}

// RequestDuration is a no-op.
func (n *NoopCollector) RequestDuration(policy string, seconds float64) {}

// MalformedRequest is a no-op.
func (n *NoopCollector) MalformedRequest() {}

// StoreError is a no-op.
func (n *NoopCollector) StoreError(store string) {}

// SPFCheckCompleted is a no-op.
func (n *NoopCollector) SPFCheckCompleted(senderDomain, result string) {}
