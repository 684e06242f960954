package distributord

import "apocat/observability"

// Metrics exposes Prometheus collectors for distributord instrumentation.
type Metrics = observability.DistributordMetrics

// NewMetrics returns the lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Distributord() }
