// Package config holds the global warden configuration under ~/.warden.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/warden-ai/warden/internal/pushover"
)

// AgentConfig configures subprocess launching.
type AgentConfig struct {
	// Command is the agent CLI binary. Defaults to "claude".
	Command string `json:"command,omitempty"`
	// ExtraArgs are appended to the standard streaming flags.
	ExtraArgs []string `json:"extra_args,omitempty"`
	// Model passed to LLM calls (orchestrator, security analysis).
	Model string `json:"model,omitempty"`
}

// SecurityConfig configures the monitor.
type SecurityConfig struct {
	Enabled            bool          `json:"enabled"`
	RulesFile          string        `json:"rules_file,omitempty"`
	BatchInterval      time.Duration `json:"batch_interval,omitempty"`
	AutoTerminate      bool          `json:"auto_terminate,omitempty"`
	AutoSuspend        bool          `json:"auto_suspend,omitempty"`
	AlertOnMedium      bool          `json:"alert_on_medium"`
	RequireHumanReview bool          `json:"require_human_review"`
}

// ServerConfig configures the hook/event server.
type ServerConfig struct {
	Port      int    `json:"port,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	TLS       bool   `json:"tls,omitempty"`
	MDNS      bool   `json:"mdns,omitempty"`
}

// OrchestratorConfig bounds orchestrator runs.
type OrchestratorConfig struct {
	MaxIterations      int `json:"max_iterations,omitempty"`
	MaxPlanningReplans int `json:"max_planning_replans,omitempty"`
}

// GlobalConfig is the persisted ~/.warden/config.json document.
type GlobalConfig struct {
	Agent        AgentConfig        `json:"agent"`
	Security     SecurityConfig     `json:"security"`
	Server       ServerConfig       `json:"server"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Pushover     pushover.Config    `json:"pushover"`
}

// Dir returns ~/.warden, creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".warden")
	os.MkdirAll(dir, 0755)
	return dir
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Default returns the configuration used when no file exists.
func Default() *GlobalConfig {
	return &GlobalConfig{
		Agent: AgentConfig{Command: "claude"},
		Security: SecurityConfig{
			Enabled:            true,
			AlertOnMedium:      true,
			RequireHumanReview: true,
		},
		Server: ServerConfig{Port: 7433},
	}
}

// Load reads ~/.warden/config.json, returning defaults if the file is absent.
func Load() (*GlobalConfig, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	return cfg, nil
}

// Save writes the global config to ~/.warden/config.json.
func Save(cfg *GlobalConfig) error {
	if cfg == nil {
		cfg = Default()
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0644)
}
