package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/config"
	"github.com/warden-ai/warden/internal/llm"
	"github.com/warden-ai/warden/internal/orchestrator"
	"github.com/warden-ai/warden/internal/webserver"
)

var taskCmd = &cobra.Command{
	Use:   "task <description>",
	Short: "Run a full task loop",
	Long: `Run the orchestrator against a task description: analyze, plan, execute,
and verify using supervised agent subprocesses, iterating until the work
passes verification or the iteration budget runs out. A local hook server is
started for the duration so the security monitor sees every tool call.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	taskCmd.Flags().String("dir", ".", "Working directory for spawned agents")
	taskCmd.Flags().Int("max-iterations", 0, "Override the iterate/replan budget")
	rootCmd.AddCommand(taskCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	workingDir, _ := cmd.Flags().GetString("dir")
	maxIterations, _ := cmd.Flags().GetInt("max-iterations")
	if maxIterations == 0 {
		maxIterations = cfg.Orchestrator.MaxIterations
	}

	clientOpts := []llm.HTTPOption{}
	if cfg.Agent.Model != "" {
		clientOpts = append(clientOpts, llm.WithModel(cfg.Agent.Model))
	}
	client := llm.NewHTTPClient(clientOpts...)
	if !client.HasCredentials() {
		return fmt.Errorf("no LLM credentials configured (set ANTHROPIC_API_KEY)")
	}

	deps, err := buildSupervisor(cfg, workingDir)
	if err != nil {
		return err
	}

	// An ephemeral local hook server keeps the security monitor in the
	// loop for every agent the task spawns.
	srv := webserver.New(deps, webserver.Options{Port: -1})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting hook server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	deps.Manager.SetHookURL(srv.HookURL())

	orch := orchestrator.New(client, deps.Manager, deps.Bus, orchestrator.Config{
		Model:              cfg.Agent.Model,
		WorkingDir:         workingDir,
		MaxIterations:      maxIterations,
		MaxPlanningReplans: cfg.Orchestrator.MaxPlanningReplans,
	})

	task := strings.Join(args, " ")
	fmt.Fprintf(cmd.OutOrStdout(), "Running task: %s\n", task)

	outcome, err := orch.RunToCompletion(cmd.Context(), task)
	if err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	switch outcome.Action {
	case orchestrator.ActionComplete:
		fmt.Fprintln(cmd.OutOrStdout(), "Task completed.")
		if outcome.Summary != "" {
			fmt.Fprintln(cmd.OutOrStdout(), outcome.Summary)
		}
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "Task gave up: %s\n", outcome.Reason)
	}
	return nil
}
