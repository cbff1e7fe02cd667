// Package security watches every tool invocation made by supervised agents:
// deterministic regex pattern matching, per-session behavioral expectations
// seeded from the user's prompt, batched LLM escalation for deep analysis,
// and a response pipeline (alert, suspend, terminate) with human-review
// gating.
package security

import (
	"encoding/json"
	"time"
)

// Severity of a pattern match or anomaly.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Score maps severity onto [0,1] for risk fusion.
func (s Severity) Score() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.25
	default:
		return 0
	}
}

// RiskLevel is the fused assessment of a batch.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// riskFromScore maps a fused [0,1] score back to a level.
func riskFromScore(score float64) RiskLevel {
	switch {
	case score >= 1.0:
		return RiskCritical
	case score >= 0.75:
		return RiskHigh
	case score >= 0.5:
		return RiskMedium
	case score > 0:
		return RiskLow
	default:
		return RiskNone
	}
}

// AnomalyType names the expectation check that failed.
type AnomalyType string

const (
	AnomalyForbiddenPath         AnomalyType = "forbidden_path"
	AnomalyUnexpectedTool        AnomalyType = "unexpected_tool"
	AnomalyPathOutOfScope        AnomalyType = "path_out_of_scope"
	AnomalyUnexpectedNetwork     AnomalyType = "unexpected_network"
	AnomalyUnexpectedDestructive AnomalyType = "unexpected_destructive"
)

// HookEventName values delivered by the subprocess tool-use hooks.
const (
	HookPreToolUse  = "PreToolUse"
	HookPostToolUse = "PostToolUse"
)

// HookRequest is the payload of one POST /hook call.
type HookRequest struct {
	SessionID     string          `json:"session_id,omitempty"`
	HookEventName string          `json:"hook_event_name"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse  json.RawMessage `json:"tool_response,omitempty"`

	// AgentID is the query-parameter fallback for the race where the
	// session mapping has not propagated yet.
	AgentID string `json:"agent_id,omitempty"`
}

// Event is one observed tool invocation, normalized for matching.
type Event struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	Time      time.Time       `json:"time"`
	Phase     string          `json:"phase"` // PreToolUse or PostToolUse
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Command   string          `json:"command,omitempty"`
	Path      string          `json:"path,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// PendingToolCall correlates a PreToolUse hook event with its later
// PostToolUse event. If the post never arrives it leaks until teardown,
// which is acceptable because it is bounded by agent lifetime.
type PendingToolCall struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	StartTime time.Time       `json:"start_time"`
}

// PatternMatch is one deterministic rule hit.
type PatternMatch struct {
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	Field       string   `json:"field"`
	Matched     string   `json:"matched"`
	Description string   `json:"description,omitempty"`
}

// Anomaly is one expectation-check failure.
type Anomaly struct {
	Type     AnomalyType `json:"type"`
	Severity Severity    `json:"severity"`
	Detail   string      `json:"detail"`
}

// ThreatAssessment is one finding inside an analysis result.
type ThreatAssessment struct {
	AgentID     string    `json:"agent_id"`
	Description string    `json:"description"`
	Risk        RiskLevel `json:"risk"`
	Confidence  float64   `json:"confidence"`
}

// AnalysisResult is the single outcome of analyzing one ready batch.
type AnalysisResult struct {
	BatchSize   int                `json:"batch_size"`
	Risk        RiskLevel          `json:"risk"`
	Confidence  float64            `json:"confidence"`
	Threats     []ThreatAssessment `json:"threats,omitempty"`
	Recommended []string           `json:"recommended,omitempty"`
	LLMBacked   bool               `json:"llm_backed"`
	AnalyzedAt  time.Time          `json:"analyzed_at"`
}

// Alert is a persisted/emitted security notification.
type Alert struct {
	AgentID   string    `json:"agent_id,omitempty"`
	Risk      RiskLevel `json:"risk"`
	Summary   string    `json:"summary"`
	Action    string    `json:"action"` // "alert", "suspend", "terminate", "review"
	CreatedAt time.Time `json:"created_at"`
}
