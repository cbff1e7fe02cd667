package cli

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/config"
	"github.com/warden-ai/warden/internal/detect"
	"github.com/warden-ai/warden/internal/llm"
	"github.com/warden-ai/warden/internal/security"
	"github.com/warden-ai/warden/internal/store"
)

var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Security monitor status and rule tools",
}

var securityStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show monitor configuration, environment checks, and recent alerts",
	Args:  cobra.NoArgs,
	RunE:  runSecurityStatus,
}

var securityTestRulesCmd = &cobra.Command{
	Use:   "test-rules [rules-file]",
	Short: "Compile detection rules and match them against sample input",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSecurityTestRules,
}

func init() {
	securityStatusCmd.Flags().String("dir", ".", "Project directory")
	securityStatusCmd.Flags().Duration("since", 24*time.Hour, "Alert window to display")
	securityTestRulesCmd.Flags().String("command", "", "Shell command to match against the rules")
	securityTestRulesCmd.Flags().String("path", "", "File path to match against the rules")
	securityCmd.AddCommand(securityStatusCmd, securityTestRulesCmd)
	rootCmd.AddCommand(securityCmd)
}

func runSecurityStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	out := cmd.OutOrStdout()

	check := func(ok bool, label, detail string) {
		mark := styleBoldWhite + "ok" + colorReset
		if !ok {
			mark = colorYellow + "--" + colorReset
		}
		fmt.Fprintf(out, "  [%s] %-28s %s\n", mark, label, detail)
	}

	fmt.Fprintln(out, colorBold+"Monitor"+colorReset)
	check(cfg.Security.Enabled, "monitor enabled", fmt.Sprintf("%v", cfg.Security.Enabled))
	check(true, "alert on medium", fmt.Sprintf("%v", cfg.Security.AlertOnMedium))
	check(true, "require human review", fmt.Sprintf("%v", cfg.Security.RequireHumanReview))
	check(true, "auto terminate / suspend", fmt.Sprintf("%v / %v", cfg.Security.AutoTerminate, cfg.Security.AutoSuspend))

	fmt.Fprintln(out, colorBold+"Environment"+colorReset)
	agentPath, agentErr := exec.LookPath(cfg.Agent.Command)
	check(agentErr == nil, "agent binary ("+cfg.Agent.Command+")", agentPath)
	for _, detected := range detect.Scan() {
		check(true, "detected: "+detected.Name, fmt.Sprintf("%s (%s)", detected.Path, detected.Version))
	}
	hasKey := llm.NewHTTPClient().HasCredentials()
	detail := "set"
	if !hasKey {
		detail = "missing; seeding and escalation run on defaults"
	}
	check(hasKey, "LLM credentials", detail)

	rules := security.DefaultRules()
	if cfg.Security.RulesFile != "" {
		loaded, rErr := security.LoadRules(cfg.Security.RulesFile)
		if rErr != nil {
			check(false, "rules file", rErr.Error())
		} else {
			rules = loaded
			check(true, "rules file", cfg.Security.RulesFile)
		}
	}
	matcher, err := security.NewMatcher(rules)
	if err != nil {
		check(false, "rule compilation", err.Error())
	} else {
		check(true, "rule compilation", fmt.Sprintf("%d rules", matcher.RuleCount()))
	}

	// Recent alerts from the project store, when one exists.
	dir, _ := cmd.Flags().GetString("dir")
	since, _ := cmd.Flags().GetDuration("since")
	st, err := store.New(dir)
	if err != nil {
		return nil
	}
	alerts, err := st.AlertsSince(time.Now().Add(-since))
	if err != nil || len(alerts) == 0 {
		fmt.Fprintln(out, colorBold+"Alerts"+colorReset)
		fmt.Fprintf(out, "  none in the last %s\n", since)
		return nil
	}
	fmt.Fprintln(out, colorBold+"Alerts"+colorReset)
	for _, a := range alerts {
		fmt.Fprintf(out, "  %s  %-8s %-9s agent=%s  %s\n",
			a.CreatedAt.Format("15:04:05"), a.Risk, a.Action, a.AgentID, a.Summary)
	}
	return nil
}

func runSecurityTestRules(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	rules := security.DefaultRules()
	if len(args) == 1 {
		loaded, err := security.LoadRules(args[0])
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}
		rules = loaded
	}
	matcher, err := security.NewMatcher(rules)
	if err != nil {
		return fmt.Errorf("compiling rules: %w", err)
	}
	fmt.Fprintf(out, "Compiled %d rules.\n", matcher.RuleCount())

	command, _ := cmd.Flags().GetString("command")
	path, _ := cmd.Flags().GetString("path")
	if command == "" && path == "" {
		return nil
	}

	ev := security.Event{
		AgentID:  "test",
		Time:     time.Now().UTC(),
		Phase:    security.HookPreToolUse,
		ToolName: "Bash",
		Command:  command,
		Path:     path,
	}
	matches := matcher.Match(ev)
	if len(matches) == 0 {
		fmt.Fprintln(out, "No rule matched.")
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, m := range matches {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}
