package domain

// Event bus channels. Edge and position lifecycle events are published on
// these channels and mirrored onto the durable stream of the same name.
const (
	ChannelEdges     = "edges"
	ChannelPositions = "positions"
	ChannelAlerts    = "alerts"
)

// Lifecycle event names carried in the "event" field of published payloads.
const (
	EventEdgeDetected         = "edge_detected"
	EventEdgeApproved         = "edge_approved"
	EventEdgeRejected         = "edge_rejected"
	EventEdgeExecuted         = "edge_executed"
	EventEdgeExpired          = "edge_expired"
	EventEdgeSettled          = "edge_settled"
	EventPositionOpened       = "position_opened"
	EventPositionPartialExit  = "position_partial_exit"
	EventPositionClosed       = "position_closed"
	EventExitSignalQueued     = "exit_signal_queued"
	EventExitRetriesExhausted = "exit_retries_exhausted"
	EventDailyLimitBreached   = "daily_limit_breached"
)
