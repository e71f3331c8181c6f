package telemetry

// Histogram bucket definitions
var (
	// CommandBuckets for command handling latency (local SQL + dispatch)
	CommandBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// FrameSizeBuckets for wire message sizes in bytes
	FrameSizeBuckets = []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576}
)

// Connection Metrics
var (
	// ConnectionsActive tracks currently connected clients
	ConnectionsActive Gauge = NoopStat{}

	// ConnectionsTotal counts accepted connections
	ConnectionsTotal Counter = NoopStat{}

	// AuthFailuresTotal counts rejected authentication attempts
	AuthFailuresTotal Counter = NoopStat{}

	// FramesTotal counts wire frames by direction (sent, received)
	FramesTotal CounterVec = noopCounterVec{}

	// FrameBytes measures wire frame payload sizes by direction
	FrameBytes HistogramVec = noopHistogramVec{}

	// MalformedFramesTotal counts inbound frames dropped as unparseable
	MalformedFramesTotal Counter = NoopStat{}
)

// Command Metrics
var (
	// CommandsTotal counts commands by name and result (ok, error)
	CommandsTotal CounterVec = noopCounterVec{}

	// CommandSeconds measures command handling latency by name
	CommandSeconds HistogramVec = noopHistogramVec{}
)

// Change Log Metrics
var (
	// ChangesRecordedTotal counts change-log appends by type (create, update, delete)
	ChangesRecordedTotal CounterVec = noopCounterVec{}

	// ChangeLogRevision tracks the change log tip
	ChangeLogRevision Gauge = NoopStat{}

	// ChangesDispatchedTotal counts pushed change notifications
	ChangesDispatchedTotal Counter = NoopStat{}

	// SubscriptionsActive tracks live subscriptions across all connections
	SubscriptionsActive Gauge = NoopStat{}
)

// InitializeMetrics replaces the noop defaults with registered collectors.
// Called once the Prometheus registry exists.
func InitializeMetrics() {
	ConnectionsActive = NewGauge(
		"connections_active",
		"Number of currently connected clients",
	)
	ConnectionsTotal = NewCounter(
		"connections_total",
		"Total accepted client connections",
	)
	AuthFailuresTotal = NewCounter(
		"auth_failures_total",
		"Total rejected authentication attempts",
	)
	FramesTotal = NewCounterVec(
		"frames_total",
		"Wire frames by direction",
		[]string{"direction"},
	)
	FrameBytes = NewHistogramVec(
		"frame_bytes",
		"Wire frame payload sizes in bytes by direction",
		[]string{"direction"},
		FrameSizeBuckets,
	)
	MalformedFramesTotal = NewCounter(
		"malformed_frames_total",
		"Inbound frames dropped as unparseable",
	)
	CommandsTotal = NewCounterVec(
		"commands_total",
		"Commands by name and result",
		[]string{"cmd", "result"},
	)
	CommandSeconds = NewHistogramVec(
		"command_seconds",
		"Command handling latency by name",
		[]string{"cmd"},
		CommandBuckets,
	)
	ChangesRecordedTotal = NewCounterVec(
		"changes_recorded_total",
		"Change-log appends by type",
		[]string{"type"},
	)
	ChangeLogRevision = NewGauge(
		"change_log_revision",
		"Current change log tip revision",
	)
	ChangesDispatchedTotal = NewCounter(
		"changes_dispatched_total",
		"Pushed change notifications",
	)
	SubscriptionsActive = NewGauge(
		"subscriptions_active",
		"Live subscriptions across all connections",
	)
}
