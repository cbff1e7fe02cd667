package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage multi-phase pipelines",
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create <user-request>",
	Short: "Create (and optionally start) a pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPipelineCreate,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status [pipeline-id]",
	Short: "Show pipeline status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPipelineStatus,
}

var pipelineApproveCmd = &cobra.Command{
	Use:   "approve <pipeline-id>",
	Short: "Resolve a human-review checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineApprove,
}

func init() {
	pipelineCreateCmd.Flags().StringArray("phase", nil, "Phase as 'name:prompt' (repeatable, at least one)")
	pipelineCreateCmd.Flags().String("checkpoint", "", "Checkpoint kind applied to every phase (human_review, automatic_validation, best_of_n)")
	pipelineCreateCmd.Flags().String("validate", "", "Shell command for automatic_validation checkpoints")
	pipelineCreateCmd.Flags().Int("attempts", 0, "Verification attempts for best_of_n checkpoints")
	pipelineCreateCmd.Flags().Bool("start", true, "Start the pipeline immediately")
	pipelineApproveCmd.Flags().Int("phase-index", 0, "Index of the phase awaiting review")
	pipelineApproveCmd.Flags().Bool("reject", false, "Reject instead of approving")
	pipelineApproveCmd.Flags().String("comment", "", "Reviewer comment")
	addServerFlags(pipelineCmd)
	pipelineCmd.AddCommand(pipelineCreateCmd, pipelineStatusCmd, pipelineApproveCmd)
	rootCmd.AddCommand(pipelineCmd)
}

func runPipelineCreate(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	rawPhases, _ := cmd.Flags().GetStringArray("phase")
	checkpointKind, _ := cmd.Flags().GetString("checkpoint")
	validate, _ := cmd.Flags().GetString("validate")
	attempts, _ := cmd.Flags().GetInt("attempts")
	start, _ := cmd.Flags().GetBool("start")

	if len(rawPhases) == 0 {
		return fmt.Errorf("at least one --phase is required")
	}

	phases := make([]pipeline.PhaseSpec, 0, len(rawPhases))
	for _, raw := range rawPhases {
		name, prompt, _ := strings.Cut(raw, ":")
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid --phase %q, expected 'name:prompt'", raw)
		}
		spec := pipeline.PhaseSpec{Name: strings.TrimSpace(name), Prompt: strings.TrimSpace(prompt)}
		if checkpointKind != "" {
			spec.Checkpoint = pipeline.Checkpoint{
				Kind:    pipeline.CheckpointKind(checkpointKind),
				Command: validate,
				N:       attempts,
			}
		}
		phases = append(phases, spec)
	}

	var created pipeline.Pipeline
	if err := client.post("/api/pipelines", map[string]any{
		"user_request": strings.Join(args, " "),
		"phases":       phases,
		"start":        start,
	}, &created); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), created.ID)
	return nil
}

func runPipelineStatus(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		var pipelines []pipeline.Pipeline
		if err := client.get("/api/pipelines", &pipelines); err != nil {
			return err
		}
		if len(pipelines) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines.")
			return nil
		}
		for _, p := range pipelines {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d phases\t%s\n", p.ID, p.Status, len(p.Phases), p.UserRequest)
		}
		return nil
	}

	var p pipeline.Pipeline
	if err := client.get("/api/pipelines/"+args[0], &p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n%s\n", p.ID, p.Status, p.UserRequest)
	for i, phase := range p.Phases {
		marker := " "
		if i == p.CurrentPhaseIndex && !p.Status.Terminal() {
			marker = ">"
		}
		line := fmt.Sprintf("%s [%d] %-24s %s", marker, i, phase.Name, phase.Status)
		if phase.AwaitingReview {
			line += "  (awaiting review)"
		}
		if phase.CheckpointResult != nil && phase.CheckpointResult.Comment != "" {
			line += "  " + phase.CheckpointResult.Comment
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	if p.ErrorMessage != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", p.ErrorMessage)
	}
	return nil
}

func runPipelineApprove(cmd *cobra.Command, args []string) error {
	client, err := newServerClient(cmd)
	if err != nil {
		return err
	}
	phaseIndex, _ := cmd.Flags().GetInt("phase-index")
	reject, _ := cmd.Flags().GetBool("reject")
	comment, _ := cmd.Flags().GetString("comment")

	if err := client.post("/api/pipelines/"+args[0]+"/approve", map[string]any{
		"phase_index": phaseIndex,
		"approved":    !reject,
		"comment":     comment,
	}, nil); err != nil {
		return err
	}
	if reject {
		fmt.Fprintln(cmd.OutOrStdout(), "Rejected.")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Approved.")
	}
	return nil
}
