package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PassBuckets for full routing passes (log scan + batch persistence)
	PassBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// BatchSizeBuckets for events per sealed batch
	BatchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}
)

// Routing metrics
var (
	// EventsRouted counts change events routed to at least one node, per channel
	EventsRouted CounterVec = noopCounterVec{}

	// EventsUnrouted counts change events no policy sent anywhere, per channel
	EventsUnrouted CounterVec = noopCounterVec{}

	// BatchesSealed counts sealed outgoing batches per channel
	BatchesSealed CounterVec = noopCounterVec{}

	// RoutingErrors counts rolled-back passes per channel
	RoutingErrors CounterVec = noopCounterVec{}

	// PassDuration measures routing pass duration per channel
	PassDuration HistogramVec = noopHistogramVec{}

	// BatchEvents measures events per sealed batch
	BatchEvents Histogram = NoopStat{}
)

// Gap tracking metrics
var (
	// OpenGaps tracks the persisted gap count per channel
	OpenGaps GaugeVec = noopGaugeVec{}

	// ExpiredGaps counts gaps expired past the grace period, per channel
	ExpiredGaps CounterVec = noopCounterVec{}
)

// Cluster lock metrics
var (
	// LockTakeovers counts expired channel leases taken over from another node
	LockTakeovers Counter = NoopStat{}

	// LockContention counts passes skipped because another node held the channel
	LockContention CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EventsRouted = NewCounterVec(
		"events_routed_total",
		"Change events routed to at least one node",
		[]string{"channel"},
	)
	EventsUnrouted = NewCounterVec(
		"events_unrouted_total",
		"Change events no routing policy sent anywhere",
		[]string{"channel"},
	)
	BatchesSealed = NewCounterVec(
		"batches_sealed_total",
		"Outgoing batches sealed for transport",
		[]string{"channel"},
	)
	RoutingErrors = NewCounterVec(
		"routing_errors_total",
		"Routing passes that rolled back",
		[]string{"channel"},
	)
	PassDuration = NewHistogramVec(
		"pass_duration_seconds",
		"Routing pass duration in seconds",
		[]string{"channel"},
		PassBuckets,
	)
	BatchEvents = NewHistogramWithBuckets(
		"batch_events",
		"Events per sealed batch",
		BatchSizeBuckets,
	)

	OpenGaps = NewGaugeVec(
		"open_gaps",
		"Persisted unread gap count",
		[]string{"channel"},
	)
	ExpiredGaps = NewCounterVec(
		"expired_gaps_total",
		"Gaps expired past the grace period",
		[]string{"channel"},
	)

	LockTakeovers = NewCounter(
		"lock_takeovers_total",
		"Expired channel leases taken over from another node",
	)
	LockContention = NewCounterVec(
		"lock_contention_total",
		"Passes skipped because another node held the channel lock",
		[]string{"channel"},
	)
}
