package security

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/llm"
)

// ScopeKind describes the path scope an agent is expected to stay inside.
type ScopeKind string

const (
	ScopeWorkingDirOnly        ScopeKind = "working_dir_only"
	ScopeWorkingDirAndChildren ScopeKind = "working_dir_and_children"
	ScopeSpecificPatterns      ScopeKind = "specific_patterns"
)

// PathScope is the allowed path scope variant.
type PathScope struct {
	Kind     ScopeKind `json:"kind"`
	Patterns []string  `json:"patterns,omitempty"` // for ScopeSpecificPatterns
}

// Expectations is the LLM-derived (or fallback) behavioral baseline for one
// session.
type Expectations struct {
	ExpectedTools     []string `json:"expected_tools"`
	PathPatterns      []string `json:"path_patterns,omitempty"`
	NetworkLikely     bool     `json:"network_likely"`
	DestructiveLikely bool     `json:"destructive_likely"`
	Confidence        float64  `json:"confidence"`
}

// forbiddenPaths are hard blocks regardless of tool, session state, or
// expectations. Exact or prefix match after cleaning.
var forbiddenPaths = []string{
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/passwd",
	"/root/.ssh",
}

// networkTools are tool names that imply network access.
var networkTools = map[string]bool{
	"WebFetch":  true,
	"WebSearch": true,
}

// networkCommandBins flag Bash commands as network-using.
var networkCommandBins = []string{"curl ", "wget ", "nc ", "ncat ", "ssh ", "scp ", "rsync ", "ftp "}

// destructiveCommandPatterns flag Bash commands as destructive.
var destructiveCommandPatterns = []string{
	"rm -rf", "rm -fr", "mkfs", "dd if=", ":(){", "git push --force", "git push -f",
	"truncate -s 0", "shred ",
}

// SessionState is the per-agent expectation state. Owned exclusively by the
// Monitor and mutated only from the event-processing path.
type SessionState struct {
	mu sync.Mutex

	AgentID        string
	WorkingDir     string
	OriginalPrompt string
	Initial        Expectations
	SeededAt       time.Time
	SeededByLLM    bool

	Scope PathScope

	// allowedTools = initial ∪ observed; only grows during a session.
	allowedTools  map[string]bool
	observedPaths map[string]bool
}

func newSessionState(agentID, workingDir, prompt string, exp Expectations, llmSeeded bool) *SessionState {
	s := &SessionState{
		AgentID:        agentID,
		WorkingDir:     workingDir,
		OriginalPrompt: prompt,
		Initial:        exp,
		SeededAt:       time.Now().UTC(),
		SeededByLLM:    llmSeeded,
		Scope:          PathScope{Kind: ScopeWorkingDirAndChildren},
		allowedTools:   make(map[string]bool),
		observedPaths:  make(map[string]bool),
	}
	if len(exp.PathPatterns) > 0 {
		s.Scope = PathScope{Kind: ScopeSpecificPatterns, Patterns: exp.PathPatterns}
	}
	for _, t := range exp.ExpectedTools {
		s.allowedTools[t] = true
	}
	return s
}

// AllowedTools returns a copy of the current allowed tool set.
func (s *SessionState) AllowedTools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.allowedTools))
	for t := range s.allowedTools {
		out = append(out, t)
	}
	return out
}

// Check runs the five ordered sub-checks against one tool call. The first
// failing check wins. Afterwards the session adaptively expands its allowed
// tool and observed path sets so legitimate task evolution does not
// repeatedly re-trigger the same anomaly.
func (s *SessionState) Check(ev Event) *Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	anomaly := s.evaluate(ev)

	// Adaptive expansion happens even when an anomaly fired: the anomaly
	// is reported once, then the behavior is part of the baseline.
	if ev.ToolName != "" {
		s.allowedTools[ev.ToolName] = true
	}
	if ev.Path != "" {
		s.observedPaths[filepath.Clean(ev.Path)] = true
	}

	return anomaly
}

func (s *SessionState) evaluate(ev Event) *Anomaly {
	// 1. Forbidden path: hard block, highest priority.
	if p := ev.Path; p != "" {
		if hit := forbiddenPathHit(p); hit != "" {
			return &Anomaly{Type: AnomalyForbiddenPath, Severity: SeverityCritical,
				Detail: fmt.Sprintf("access to forbidden path %s", hit)}
		}
	}
	if hit := forbiddenPathInCommand(ev.Command); hit != "" {
		return &Anomaly{Type: AnomalyForbiddenPath, Severity: SeverityCritical,
			Detail: fmt.Sprintf("command touches forbidden path %s", hit)}
	}

	// 2. Tool not in the allowed set.
	if ev.ToolName != "" && !s.allowedTools[ev.ToolName] {
		return &Anomaly{Type: AnomalyUnexpectedTool, Severity: SeverityMedium,
			Detail: fmt.Sprintf("tool %s not in expected set", ev.ToolName)}
	}

	// 3. Path out of scope.
	if ev.Path != "" && !s.pathInScope(ev.Path) {
		return &Anomaly{Type: AnomalyPathOutOfScope, Severity: SeverityMedium,
			Detail: fmt.Sprintf("path %s outside allowed scope", ev.Path)}
	}

	// 4. Network activity not expected.
	if !s.Initial.NetworkLikely && isNetwork(ev) {
		return &Anomaly{Type: AnomalyUnexpectedNetwork, Severity: SeverityHigh,
			Detail: "network activity was not expected for this task"}
	}

	// 5. Destructive operation not expected.
	if !s.Initial.DestructiveLikely && isDestructive(ev) {
		return &Anomaly{Type: AnomalyUnexpectedDestructive, Severity: SeverityHigh,
			Detail: "destructive operation was not expected for this task"}
	}

	return nil
}

func (s *SessionState) pathInScope(path string) bool {
	clean := filepath.Clean(path)

	// Previously observed paths are part of the adaptive baseline.
	if s.observedPaths[clean] {
		return true
	}

	// Relative paths resolve inside the working dir.
	if !filepath.IsAbs(clean) {
		return true
	}

	switch s.Scope.Kind {
	case ScopeWorkingDirOnly:
		return filepath.Dir(clean) == filepath.Clean(s.WorkingDir)
	case ScopeWorkingDirAndChildren:
		wd := filepath.Clean(s.WorkingDir)
		return clean == wd || strings.HasPrefix(clean, wd+string(filepath.Separator)) ||
			strings.HasPrefix(clean, "/tmp/")
	case ScopeSpecificPatterns:
		for _, pat := range s.Scope.Patterns {
			if ok, _ := filepath.Match(pat, clean); ok {
				return true
			}
			if strings.HasPrefix(clean, strings.TrimSuffix(pat, "*")) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func forbiddenPathHit(path string) string {
	clean := filepath.Clean(path)
	for _, f := range forbiddenPaths {
		if clean == f || strings.HasPrefix(clean, f+string(filepath.Separator)) {
			return f
		}
	}
	return ""
}

func forbiddenPathInCommand(cmd string) string {
	if cmd == "" {
		return ""
	}
	for _, f := range forbiddenPaths {
		if strings.Contains(cmd, f) {
			return f
		}
	}
	return ""
}

func isNetwork(ev Event) bool {
	if networkTools[ev.ToolName] {
		return true
	}
	cmd := ev.Command
	for _, bin := range networkCommandBins {
		if strings.Contains(cmd, bin) || strings.HasPrefix(cmd, strings.TrimSpace(bin)) {
			return true
		}
	}
	return false
}

func isDestructive(ev Event) bool {
	cmd := ev.Command
	if cmd == "" {
		return false
	}
	for _, pat := range destructiveCommandPatterns {
		if strings.Contains(cmd, pat) {
			return true
		}
	}
	return false
}

// DefaultExpectations is the fallback baseline when LLM seeding fails: the
// common coding tool set, no network, no destructive operations, low
// confidence.
func DefaultExpectations() Expectations {
	return Expectations{
		ExpectedTools: []string{"Bash", "Read", "Write", "Edit", "Grep", "Glob", "TodoWrite", "Task"},
		Confidence:    0.3,
	}
}

// Seeder derives expectations from a user prompt.
type Seeder interface {
	Seed(ctx context.Context, workingDir, prompt string) (Expectations, error)
}

// LLMSeeder asks the model to predict the session's behavioral envelope.
type LLMSeeder struct {
	Client llm.Client
}

const seedSystemPrompt = `You analyze a coding task prompt and predict the behavioral envelope of the agent that will execute it.
Respond with a single JSON object, no prose:
{"expected_tools":["Bash","Read",...],"path_patterns":["/abs/path/*",...],"network_likely":false,"destructive_likely":false,"confidence":0.0-1.0}`

// Seed implements Seeder via one LLM call.
func (s *LLMSeeder) Seed(ctx context.Context, workingDir, prompt string) (Expectations, error) {
	resp, err := s.Client.Complete(ctx, llm.Request{
		System: seedSystemPrompt,
		Messages: []llm.Message{{
			Role: "user",
			Content: []llm.ContentBlock{{
				Type: llm.BlockText,
				Text: fmt.Sprintf("Working directory: %s\n\nTask prompt:\n%s", workingDir, prompt),
			}},
		}},
		MaxTokens: 1024,
	})
	if err != nil {
		return Expectations{}, err
	}

	var exp Expectations
	text := strings.TrimSpace(resp.Text())
	// Tolerate code fences around the JSON.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &exp); err != nil {
		return Expectations{}, fmt.Errorf("security: parse seed response: %w", err)
	}
	if len(exp.ExpectedTools) == 0 {
		return Expectations{}, fmt.Errorf("security: seed response listed no tools")
	}
	debug.LogKV("security.seed", "expectations seeded", "tools", len(exp.ExpectedTools), "network", exp.NetworkLikely, "destructive", exp.DestructiveLikely)
	return exp, nil
}
