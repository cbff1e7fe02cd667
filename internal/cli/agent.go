package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage supervised agents",
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a new agent",
	Args:  cobra.NoArgs,
	RunE:  runAgentSpawn,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <agent-id>",
	Short: "Stop an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStop,
}

var agentPromptCmd = &cobra.Command{
	Use:   "prompt <agent-id> <text>",
	Short: "Send a prompt to a running agent",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAgentPrompt,
}

var agentOutputsCmd = &cobra.Command{
	Use:   "outputs <agent-id>",
	Short: "Show an agent's recent output",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentOutputs,
}

var agentSuspendCmd = &cobra.Command{
	Use:   "suspend <agent-id>",
	Short: "Suspend an agent (SIGSTOP)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentSuspend,
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume <agent-id>",
	Short: "Resume a suspended agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentResume,
}

func init() {
	agentSpawnCmd.Flags().String("prompt", "", "Initial prompt to send after spawning")
	agentSpawnCmd.Flags().String("dir", "", "Working directory for the agent")
	agentOutputsCmd.Flags().Int("last", 20, "Number of recent output events to show (0 = all)")
	addServerFlags(agentCmd)
	agentCmd.AddCommand(agentSpawnCmd, agentListCmd, agentStopCmd, agentPromptCmd, agentOutputsCmd, agentSuspendCmd, agentResumeCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentSpawn(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	prompt, _ := cmd.Flags().GetString("prompt")
	dir, _ := cmd.Flags().GetString("dir")

	var resp struct {
		AgentID string `json:"agent_id"`
	}
	if err := client.post("/api/agents", map[string]string{
		"working_dir": dir,
		"prompt":      prompt,
	}, &resp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.AgentID)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	var agents []agent.Snapshot
	if err := client.get("/api/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
		return nil
	}
	for _, a := range agents {
		age := time.Since(a.CreatedAt).Round(time.Second)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tup %s\n", a.ID, a.Status, a.WorkingDir, age)
	}
	return nil
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	if err := client.delete("/api/agents/"+args[0], nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped.")
	return nil
}

func runAgentPrompt(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	if err := client.post("/api/agents/"+args[0]+"/prompt", map[string]string{"prompt": text}, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Sent.")
	return nil
}

func runAgentOutputs(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	lastN, _ := cmd.Flags().GetInt("last")

	var outputs []agent.OutputEvent
	if err := client.get(fmt.Sprintf("/api/agents/%s/outputs?last=%d", args[0], lastN), &outputs); err != nil {
		return err
	}
	for _, out := range outputs {
		text := strings.TrimSpace(out.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", out.Kind, text)
	}
	return nil
}

func runAgentSuspend(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	if err := client.post("/api/agents/"+args[0]+"/suspend", nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Suspended.")
	return nil
}

func runAgentResume(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	if err := client.post("/api/agents/"+args[0]+"/resume", nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Resumed.")
	return nil
}
