package security

import (
	"time"

	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/events"
)

// AgentController is the slice of the agent manager the responder needs.
// Both operations route into the agent-stop path, which can transiently
// fail, hence the bounded retry.
type AgentController interface {
	Terminate(agentID string) error
	Suspend(agentID string) error
}

// AlertStore persists alerts and pending reviews.
type AlertStore interface {
	SaveAlert(a Alert) error
	SavePendingReview(a Alert) error
}

// ResponseConfig are the policy flags.
type ResponseConfig struct {
	AutoTerminate      bool // act on Critical without a human
	AutoSuspend        bool // act on High without a human
	AlertOnMedium      bool
	RequireHumanReview bool // queue instead of acting

	// Retry tuning for terminate/suspend.
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultResponseConfig matches the documented policy defaults.
func DefaultResponseConfig() ResponseConfig {
	return ResponseConfig{
		AlertOnMedium:      true,
		RequireHumanReview: true,
		MaxRetries:         3,
		InitialDelay:       100 * time.Millisecond,
		Multiplier:         2,
		MaxDelay:           5 * time.Second,
	}
}

// Action names for alerts.
const (
	ActionAlert     = "alert"
	ActionSuspend   = "suspend"
	ActionTerminate = "terminate"
	ActionReview    = "review"
)

// ResponseHandler turns an analysis risk level into an action, subject to
// configuration flags. The mapping itself is a pure function; side effects
// happen in Handle.
type ResponseHandler struct {
	cfg     ResponseConfig
	control AgentController
	store   AlertStore
	emitter events.Emitter
}

// NewResponseHandler builds a handler. control and store may be nil, in
// which case the corresponding effects are skipped.
func NewResponseHandler(cfg ResponseConfig, control AgentController, store AlertStore, emitter events.Emitter) *ResponseHandler {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &ResponseHandler{cfg: cfg, control: control, store: store, emitter: emitter}
}

// Decide maps a risk level to the action that would be taken under the
// current configuration.
func (h *ResponseHandler) Decide(risk RiskLevel) string {
	switch risk {
	case RiskCritical:
		if h.cfg.RequireHumanReview || !h.cfg.AutoTerminate {
			return ActionReview
		}
		return ActionTerminate
	case RiskHigh:
		if h.cfg.RequireHumanReview || !h.cfg.AutoSuspend {
			return ActionReview
		}
		return ActionSuspend
	case RiskMedium:
		if h.cfg.AlertOnMedium {
			return ActionAlert
		}
		return ""
	default:
		return ""
	}
}

// Handle enacts the policy for one analysis result against the agents it
// implicates.
func (h *ResponseHandler) Handle(agentID string, result AnalysisResult, summary string) {
	action := h.Decide(result.Risk)
	if action == "" {
		return
	}

	alert := Alert{
		AgentID:   agentID,
		Risk:      result.Risk,
		Summary:   summary,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}

	// Critical and High always alert, whatever else happens.
	h.emitter.Emit(events.SecurityAlert, agentID, alert)
	if h.store != nil {
		if err := h.store.SaveAlert(alert); err != nil {
			debug.LogKV("security.response", "alert persist failed", "agent_id", agentID, "error", err)
		}
	}

	switch action {
	case ActionReview:
		h.emitter.Emit(events.SecurityPendingReview, agentID, alert)
		if h.store != nil {
			if err := h.store.SavePendingReview(alert); err != nil {
				debug.LogKV("security.response", "review persist failed", "agent_id", agentID, "error", err)
			}
		}
	case ActionTerminate:
		h.withRetry("terminate", agentID, func() error { return h.control.Terminate(agentID) })
	case ActionSuspend:
		h.withRetry("suspend", agentID, func() error { return h.control.Suspend(agentID) })
	}
}

// withRetry runs op with bounded exponential backoff. Exhausted retries are
// surfaced as a logged failure only.
func (h *ResponseHandler) withRetry(name, agentID string, op func() error) {
	if h.control == nil {
		return
	}
	delay := h.cfg.InitialDelay
	var err error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * h.cfg.Multiplier)
			if delay > h.cfg.MaxDelay {
				delay = h.cfg.MaxDelay
			}
		}
		if err = op(); err == nil {
			return
		}
	}
	debug.LogKV("security.response", "action failed after retries", "action", name, "agent_id", agentID, "error", err)
}
