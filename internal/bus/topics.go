package bus

// Topics published by the control plane components.
const (
	// TopicAuditAppended carries every appended audit event (payload
	// persistence.AuditEvent).
	TopicAuditAppended = "audit.appended"

	TopicPlanStateChanged   = "plan.state_changed"
	TopicWindowStateChanged = "window.state_changed"
	TopicProviderOutcome    = "provider.outcome"
	TopicBreakerChanged     = "provider.breaker"
	TopicDaughterTerminal   = "daughter.terminal"
	TopicIncidentRecorded   = "scanner.incident"
	TopicPheromoneEmitted   = "scanner.pheromone"
	TopicConfigReloaded     = "config.reloaded"
)

// PlanStateChangedEvent is published after a committed plan transition.
type PlanStateChangedEvent struct {
	PlanID        string
	CorrelationID string
	From          string
	To            string
}

// DaughterTerminalEvent tells the orchestrator a daughter finished.
type DaughterTerminalEvent struct {
	DaughterID    string
	PlanID        string
	StepIndex     int
	CorrelationID string
	State         string // COMPLETED, FAILED or TIMED_OUT
	Result        []byte
	Error         string
}

// ProviderOutcomeEvent is published after a provider score update.
type ProviderOutcomeEvent struct {
	ProviderID string
	Outcome    string
	Score      float64
}

// BreakerChangedEvent is published when a provider circuit changes state.
type BreakerChangedEvent struct {
	ProviderID string
	From       string
	To         string
}

// ConfigReloadedEvent is published after a hot config reload is applied.
type ConfigReloadedEvent struct {
	Fingerprint string
	PolicyMode  string
}
