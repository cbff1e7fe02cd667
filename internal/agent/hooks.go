package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// hookHandler is a single hook handler within an event group.
type hookHandler struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// hookGroup groups hooks for one event, with an optional matcher.
type hookGroup struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []hookHandler `json:"hooks"`
}

// hookSettings is the subprocess settings structure carrying hooks. It is
// written to a per-agent temp file and passed via --settings so the
// subprocess's own tool-use lifecycle calls back into the hook endpoint.
type hookSettings struct {
	Hooks map[string][]hookGroup `json:"hooks"`
}

// writeHookSettings builds and writes the per-agent hook config artifact.
// Each PreToolUse/PostToolUse event posts its JSON payload to the hook
// endpoint; agent_id rides along as a query parameter so events can be
// attributed even before the session-id mapping has propagated.
func writeHookSettings(agentID, hookURL string) (string, error) {
	post := func(event string) string {
		return fmt.Sprintf(
			"curl -fsS -m 5 -X POST '%s/hook?agent_id=%s' -H 'Content-Type: application/json' -d @- >/dev/null 2>&1 || true",
			hookURL, agentID,
		)
	}

	settings := hookSettings{
		Hooks: map[string][]hookGroup{
			"PreToolUse": {
				{Hooks: []hookHandler{{Type: "command", Command: post("PreToolUse")}}},
			},
			"PostToolUse": {
				{Hooks: []hookHandler{{Type: "command", Command: post("PostToolUse")}}},
			},
		},
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal hook settings: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(os.TempDir(), fmt.Sprintf("warden-agent-%s.json", agentID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write hook settings: %w", err)
	}
	return path, nil
}
