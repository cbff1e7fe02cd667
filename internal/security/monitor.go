package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/llm"
)

// Analyzer performs deep semantic analysis of a batch of observations.
type Analyzer interface {
	Analyze(ctx context.Context, entries []Entry) (*AnalysisResult, error)
}

// MonitorConfig tunes the monitor.
type MonitorConfig struct {
	// BatchInterval is the analysis loop tick. Default 30s.
	BatchInterval time.Duration
	// EscalationSize is the batch size that triggers LLM analysis even
	// without pattern hits. Default 10.
	EscalationSize int
	// SeedTimeout bounds one expectation-seeding LLM call. Default 10s.
	SeedTimeout time.Duration
}

// Monitor orchestrates pattern matching, session expectations, batched LLM
// escalation, and the response handler. Session state is owned exclusively
// by the monitor and mutated only from the event-processing path.
type Monitor struct {
	matcher   *Matcher
	seeder    Seeder   // nil: always use default expectations
	analyzer  Analyzer // nil: pattern-only analysis
	responder *ResponseHandler
	emitter   events.Emitter
	collector *Collector
	cfg       MonitorConfig

	mu       sync.Mutex
	enabled  bool
	stop     chan struct{}
	sessions map[string]*SessionState    // agent id -> state
	pending  map[string]PendingToolCall  // composite key -> call
}

// NewMonitor builds a monitor. seeder and analyzer may be nil.
func NewMonitor(matcher *Matcher, seeder Seeder, analyzer Analyzer, responder *ResponseHandler, emitter events.Emitter, cfg MonitorConfig) *Monitor {
	if matcher == nil {
		matcher = DefaultMatcher()
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 30 * time.Second
	}
	if cfg.EscalationSize <= 0 {
		cfg.EscalationSize = 10
	}
	if cfg.SeedTimeout <= 0 {
		cfg.SeedTimeout = 10 * time.Second
	}
	return &Monitor{
		matcher:   matcher,
		seeder:    seeder,
		analyzer:  analyzer,
		responder: responder,
		emitter:   emitter,
		collector: NewCollector(0),
		cfg:       cfg,
		sessions:  make(map[string]*SessionState),
		pending:   make(map[string]PendingToolCall),
	}
}

// Enable starts the background batch-analysis loop. Idempotent.
func (m *Monitor) Enable() {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	go m.batchLoop(stop)
	debug.LogKV("security.monitor", "enabled", "interval", m.cfg.BatchInterval)
}

// Disable stops the batch loop. Idempotent.
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.enabled = false
	close(m.stop)
}

// Enabled reports whether the monitor is running.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// OnUserPrompt seeds (or extends) the session's behavioral expectations.
// LLM seeding falls back to defaults on any failure; seeding never blocks
// tool execution.
func (m *Monitor) OnUserPrompt(agentID, workingDir, prompt string) {
	exp := DefaultExpectations()
	llmSeeded := false

	if m.seeder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SeedTimeout)
		seeded, err := m.seeder.Seed(ctx, workingDir, prompt)
		cancel()
		if err != nil {
			debug.LogKV("security.monitor", "expectation seeding failed, using defaults", "agent_id", agentID, "error", err)
		} else {
			exp = seeded
			llmSeeded = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[agentID]; ok {
		// Follow-up prompt: the allowed set only grows.
		existing.mu.Lock()
		for _, t := range exp.ExpectedTools {
			existing.allowedTools[t] = true
		}
		existing.mu.Unlock()
		return
	}
	m.sessions[agentID] = newSessionState(agentID, workingDir, prompt, exp, llmSeeded)
}

// OnAgentStopped removes the session state and any leaked pending calls.
func (m *Monitor) OnAgentStopped(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, agentID)
	prefix := agentID + "|"
	for k := range m.pending {
		if strings.HasPrefix(k, prefix) {
			delete(m.pending, k)
		}
	}
}

// Session returns the session state for an agent, if seeded.
func (m *Monitor) Session(agentID string) (*SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// HandleHook processes one hook callback attributed to agentID. PreToolUse
// opens a pending call and runs the single-pass checks; PostToolUse closes
// the matching pending call.
func (m *Monitor) HandleHook(agentID string, req HookRequest) {
	if !m.Enabled() || agentID == "" {
		return
	}

	switch req.HookEventName {
	case HookPreToolUse:
		now := time.Now().UTC()
		key := fmt.Sprintf("%s|%s|%s|%d", agentID, req.SessionID, req.ToolName, now.UnixNano())
		m.mu.Lock()
		m.pending[key] = PendingToolCall{ToolName: req.ToolName, ToolInput: req.ToolInput, StartTime: now}
		m.mu.Unlock()

		m.ProcessEvent(eventFromHook(agentID, req, now))

	case HookPostToolUse:
		m.consumePending(agentID, req.ToolName)
	}
}

// consumePending removes the oldest pending call for agent+tool.
func (m *Monitor) consumePending(agentID, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldestKey string
	var oldest time.Time
	prefix := agentID + "|"
	for k, p := range m.pending {
		if !strings.HasPrefix(k, prefix) || p.ToolName != toolName {
			continue
		}
		if oldestKey == "" || p.StartTime.Before(oldest) {
			oldestKey, oldest = k, p.StartTime
		}
	}
	if oldestKey != "" {
		delete(m.pending, oldestKey)
	}
}

// PendingCount reports open pre-without-post tool calls.
func (m *Monitor) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// eventFromHook normalizes a hook request into a matchable event.
func eventFromHook(agentID string, req HookRequest, now time.Time) Event {
	ev := Event{
		AgentID:   agentID,
		SessionID: req.SessionID,
		Time:      now,
		Phase:     req.HookEventName,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
	}
	if len(req.ToolInput) > 0 {
		var input struct {
			Command  string `json:"command"`
			FilePath string `json:"file_path"`
			Path     string `json:"path"`
			Content  string `json:"content"`
			URL      string `json:"url"`
		}
		if err := json.Unmarshal(req.ToolInput, &input); err == nil {
			ev.Command = input.Command
			ev.Path = input.FilePath
			if ev.Path == "" {
				ev.Path = input.Path
			}
			ev.Content = input.Content
			if input.URL != "" && ev.Command == "" {
				ev.Command = input.URL
			}
		}
	}
	return ev
}

// ProcessEvent runs the regret-free single pass over one event: pattern
// matching, the five expectation checks, risk fusion, and collection for
// batch analysis. A Critical anomaly is dispatched to the responder
// immediately rather than waiting for the next batch tick.
func (m *Monitor) ProcessEvent(ev Event) {
	if !m.Enabled() {
		return
	}

	matches := m.matcher.Match(ev)

	m.mu.Lock()
	state, ok := m.sessions[ev.AgentID]
	if !ok {
		// Tool call arrived before seeding finished; fall back to the
		// default envelope rather than skipping the check.
		state = newSessionState(ev.AgentID, "", "", DefaultExpectations(), false)
		m.sessions[ev.AgentID] = state
	}
	m.mu.Unlock()

	anomaly := state.Check(ev)

	m.collector.Add(Entry{Event: ev, Matches: matches, Anomaly: anomaly})

	// Combined risk: max of pattern-based and anomaly-based scores.
	score := 0.0
	for _, pm := range matches {
		if s := pm.Severity.Score(); s > score {
			score = s
		}
	}
	if anomaly != nil {
		if s := anomaly.Severity.Score(); s > score {
			score = s
		}
	}

	if anomaly != nil && anomaly.Severity == SeverityCritical && m.responder != nil {
		result := AnalysisResult{
			BatchSize:  1,
			Risk:       RiskCritical,
			Confidence: 0.95,
			AnalyzedAt: time.Now().UTC(),
		}
		m.responder.Handle(ev.AgentID, result, anomaly.Detail)
	}

	debug.LogKV("security.monitor", "event processed",
		"agent_id", ev.AgentID, "tool", ev.ToolName,
		"matches", len(matches), "anomaly", anomaly != nil, "score", score)
}

// batchLoop drains ready batches on a fixed interval and produces exactly
// one AnalysisResult per non-empty batch.
func (m *Monitor) batchLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.RunBatchOnce(context.Background())
		}
	}
}

// RunBatchOnce drains and analyzes one batch. Exposed for the CLI's
// on-demand analysis and for tests; the background loop calls it per tick.
func (m *Monitor) RunBatchOnce(ctx context.Context) *AnalysisResult {
	entries := m.collector.Drain()
	if len(entries) == 0 {
		return nil
	}

	result := m.analyzeBatch(ctx, entries)
	m.dispatch(entries, result)
	return &result
}

// analyzeBatch decides between LLM escalation and pattern-only synthesis.
// LLM failures fall back to pattern-only; analysis never blocks tool
// execution.
func (m *Monitor) analyzeBatch(ctx context.Context, entries []Entry) AnalysisResult {
	patternHits := 0
	maxScore := 0.0
	for _, e := range entries {
		patternHits += len(e.Matches)
		for _, pm := range e.Matches {
			if s := pm.Severity.Score(); s > maxScore {
				maxScore = s
			}
		}
		if e.Anomaly != nil {
			if s := e.Anomaly.Severity.Score(); s > maxScore {
				maxScore = s
			}
		}
	}

	escalate := m.analyzer != nil && (patternHits > 0 || len(entries) >= m.cfg.EscalationSize)
	if escalate {
		result, err := m.analyzer.Analyze(ctx, entries)
		if err == nil && result != nil {
			result.BatchSize = len(entries)
			result.LLMBacked = true
			result.AnalyzedAt = time.Now().UTC()
			return *result
		}
		debug.LogKV("security.monitor", "LLM analysis failed, falling back to patterns", "error", err)
	}

	// Pattern-only synthesis: lower confidence, no semantic detail.
	return AnalysisResult{
		BatchSize:  len(entries),
		Risk:       riskFromScore(maxScore),
		Confidence: 0.5,
		AnalyzedAt: time.Now().UTC(),
	}
}

// dispatch routes the batch result to the responder per implicated agent,
// using each agent's own worst observation as its risk.
func (m *Monitor) dispatch(entries []Entry, result AnalysisResult) {
	if m.responder == nil {
		return
	}

	perAgent := make(map[string]float64)
	detail := make(map[string]string)
	for _, e := range entries {
		score := perAgent[e.Event.AgentID]
		for _, pm := range e.Matches {
			if s := pm.Severity.Score(); s > score {
				score = s
				detail[e.Event.AgentID] = pm.Description
			}
		}
		if e.Anomaly != nil {
			if s := e.Anomaly.Severity.Score(); s > score {
				score = s
				detail[e.Event.AgentID] = e.Anomaly.Detail
			}
		}
		perAgent[e.Event.AgentID] = score
	}
	for _, threat := range result.Threats {
		if s := riskScore(threat.Risk); s > perAgent[threat.AgentID] {
			perAgent[threat.AgentID] = s
			detail[threat.AgentID] = threat.Description
		}
	}

	for agentID, score := range perAgent {
		risk := riskFromScore(score)
		if risk == RiskNone || risk == RiskLow {
			continue
		}
		agentResult := result
		agentResult.Risk = risk
		summary := detail[agentID]
		if summary == "" {
			summary = fmt.Sprintf("batch analysis flagged %s risk", risk)
		}
		m.responder.Handle(agentID, agentResult, summary)
	}
}

func riskScore(r RiskLevel) float64 {
	switch r {
	case RiskCritical:
		return 1.0
	case RiskHigh:
		return 0.75
	case RiskMedium:
		return 0.5
	case RiskLow:
		return 0.25
	default:
		return 0
	}
}

// LLMAnalyzer escalates a batch to the model for semantic threat analysis.
type LLMAnalyzer struct {
	Client llm.Client
}

const analyzeSystemPrompt = `You are a security analyst reviewing tool invocations made by autonomous coding agents.
Given the observations, respond with a single JSON object, no prose:
{"risk":"none|low|medium|high|critical","confidence":0.0-1.0,"threats":[{"agent_id":"...","description":"...","risk":"...","confidence":0.0-1.0}],"recommended":["..."]}`

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, entries []Entry) (*AnalysisResult, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("security: marshal batch: %w", err)
	}

	resp, err := a.Client.Complete(ctx, llm.Request{
		System: analyzeSystemPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: []llm.ContentBlock{{Type: llm.BlockText, Text: string(payload)}},
		}},
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var result AnalysisResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &result); err != nil {
		return nil, fmt.Errorf("security: parse analysis: %w", err)
	}
	return &result, nil
}
