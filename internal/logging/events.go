package logging

// Event types for structured logging.
// These constants are written under the "event" key.
const (
	// Turn events
	EventTurnStart      = "turn.start"
	EventTurnComplete   = "turn.complete"
	EventTurnFailed     = "turn.failed"
	EventTurnTransition = "turn.transition"
	EventQuotaDenied    = "turn.quota.denied"

	// Context events
	EventContextAssembled = "context.assembled"
	EventContextTrimmed   = "context.trimmed"
	EventContextCompact   = "context.compact"

	// Provider events
	EventProviderRequest  = "provider.request"
	EventProviderRetry    = "provider.retry"
	EventProviderFallback = "provider.fallback"
	EventProviderError    = "provider.error"
	EventCircuitOpen      = "provider.circuit.open"

	// Parser events
	EventOutputMalformed = "parser.malformed"
	EventOutputReprompt  = "parser.reprompt"
	EventOutputDegraded  = "parser.degraded"

	// Tool events
	EventToolStart     = "tool.start"
	EventToolComplete  = "tool.complete"
	EventToolSkipped   = "tool.skipped"
	EventToolError     = "tool.error"
	EventToolDuplicate = "tool.duplicate"

	// Objective events
	EventObjectivesStart     = "objectives.start"
	EventObjectivesGenerated = "objectives.generated"
	EventObjectivesFailed    = "objectives.failed"
)
