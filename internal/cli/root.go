// Package cli implements the warden command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/buildinfo"
	"github.com/warden-ai/warden/internal/config"
	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/store"
	"github.com/warden-ai/warden/internal/tui"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Supervisor for fleets of AI coding agents",
	Long: colorBold + `
 __      __            _
 \ \    / /_ _ _ _ __| |___ _ _
  \ \/\/ / _` + "`" + ` | '_/ _` + "`" + ` / -_) ' \
   \_/\_/\__,_|_| \__,_\___|_||_|` + colorReset + `

  ` + styleBoldCyan + `Warden` + colorReset + ` v` + buildinfo.Current().Version + `

  Spawn, monitor, and orchestrate AI coding agent subprocesses.
  Warden streams every tool call through a security monitor, runs
  multi-phase pipelines with verification checkpoints, and drives
  full plan/execute/verify task loops.

  Run ` + styleBoldWhite + `warden serve` + colorReset + ` to start the hook and event server, or
  ` + styleBoldWhite + `warden` + colorReset + ` in a terminal for the dashboard.

` + colorBold + `Getting Started:` + colorReset + `
  warden serve                    Start the supervisor server
  warden agent spawn --prompt "fix the tests"
  warden task "add input validation to the signup form"
  warden pipeline create --phase "implement" --phase "verify"
  warden security status          Show monitor state and recent alerts`,

	RunE: func(cmd *cobra.Command, args []string) error {
		// In a terminal, no subcommand means the dashboard.
		if isatty.IsTerminal(os.Stdout.Fd()) {
			s, err := store.New(".")
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			feedURL := fmt.Sprintf("ws://127.0.0.1:%d/ws/events", cfg.Server.Port)
			return tui.Run(s, feedURL)
		}
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.warden/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "warden starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
