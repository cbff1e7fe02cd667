// Package pipeline implements the multi-phase task pipeline: ordered phases
// separated by checkpoints (human review, automated validation, best-of-N
// verification consensus), driven by a per-pipeline tick loop.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// PipelineStatus is the lifecycle of a whole pipeline.
type PipelineStatus string

const (
	PipelinePending            PipelineStatus = "pending"
	PipelineRunning            PipelineStatus = "running"
	PipelineCompleted          PipelineStatus = "completed"
	PipelineFailed             PipelineStatus = "failed"
	PipelinePartiallyCompleted PipelineStatus = "partially_completed"
)

// PhaseStatus is the lifecycle of one phase.
type PhaseStatus string

const (
	PhasePending           PhaseStatus = "pending"
	PhaseRunning           PhaseStatus = "running"
	PhaseWaitingCheckpoint PhaseStatus = "waiting_checkpoint"
	PhaseCheckpointFailed  PhaseStatus = "checkpoint_failed"
	PhaseCompleted         PhaseStatus = "completed"
	PhaseSkipped           PhaseStatus = "skipped"
)

// CheckpointKind selects the checkpoint variant.
type CheckpointKind string

const (
	CheckpointNone                CheckpointKind = "none"
	CheckpointHumanReview         CheckpointKind = "human_review"
	CheckpointAutomaticValidation CheckpointKind = "automatic_validation"
	CheckpointBestOfN             CheckpointKind = "best_of_n"
	CheckpointConditional         CheckpointKind = "conditional"
)

// FusionStrategy fuses best-of-N verification attempts into one decision.
type FusionStrategy string

const (
	FusionMajorityVote      FusionStrategy = "majority_vote"
	FusionWeightedConsensus FusionStrategy = "weighted_consensus"
	FusionMetaReview        FusionStrategy = "meta_review"
	FusionFirstCorrect      FusionStrategy = "first_correct"
)

// confidenceThreshold is the fixed pass bar for best-of-N checkpoints.
const confidenceThreshold = 0.8

// Checkpoint is one node of the checkpoint tree. Conditional nodes recurse
// into one of two children; a nil chosen child skips the phase's gate.
type Checkpoint struct {
	Kind CheckpointKind `json:"kind"`

	// AutomaticValidation.
	Command string `json:"command,omitempty"`
	Dir     string `json:"dir,omitempty"`

	// BestOfN.
	N        int            `json:"n,omitempty"`
	Strategy FusionStrategy `json:"strategy,omitempty"`

	// Conditional.
	Condition string      `json:"condition,omitempty"`
	IfTrue    *Checkpoint `json:"if_true,omitempty"`
	IfFalse   *Checkpoint `json:"if_false,omitempty"`
}

// CheckpointResult is the terminal outcome of one phase's checkpoint. Set
// exactly once, at phase completion or failure.
type CheckpointResult struct {
	Passed      bool      `json:"passed"`
	Confidence  float64   `json:"confidence,omitempty"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	Skipped     bool      `json:"skipped,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Phase is one pipeline step.
type Phase struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Prompt     string      `json:"prompt"`
	Checkpoint Checkpoint  `json:"checkpoint"`
	Status     PhaseStatus `json:"status"`

	// AwaitingReview marks a human-review gate that has announced itself
	// and is blocked on ApproveCheckpoint. CheckpointResult stays nil
	// until the review resolves.
	AwaitingReview   bool              `json:"awaiting_review,omitempty"`
	CheckpointResult *CheckpointResult `json:"checkpoint_result,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
}

// Pipeline is one ordered run of phases.
type Pipeline struct {
	ID                string         `json:"id"`
	UserRequest       string         `json:"user_request"`
	Phases            []*Phase       `json:"phases"`
	CurrentPhaseIndex int            `json:"current_phase_index"`
	Status            PipelineStatus `json:"status"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PhaseSpec describes one phase at creation time.
type PhaseSpec struct {
	Name       string     `json:"name"`
	Prompt     string     `json:"prompt"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

func newPipeline(userRequest string, specs []PhaseSpec) *Pipeline {
	now := time.Now().UTC()
	p := &Pipeline{
		ID:          uuid.NewString(),
		UserRequest: userRequest,
		Status:      PipelinePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, s := range specs {
		ck := s.Checkpoint
		if ck.Kind == "" {
			ck.Kind = CheckpointNone
		}
		p.Phases = append(p.Phases, &Phase{
			ID:         uuid.NewString(),
			Name:       s.Name,
			Prompt:     s.Prompt,
			Checkpoint: ck,
			Status:     PhasePending,
		})
	}
	return p
}

// clone deep-copies a pipeline for external readers.
func (p *Pipeline) clone() *Pipeline {
	out := *p
	out.Phases = make([]*Phase, len(p.Phases))
	for i, ph := range p.Phases {
		cp := *ph
		if ph.CheckpointResult != nil {
			r := *ph.CheckpointResult
			cp.CheckpointResult = &r
		}
		out.Phases[i] = &cp
	}
	return &out
}

func (p *Pipeline) terminal() bool { return p.Status.Terminal() }

// Terminal reports whether the status admits no further transitions.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineCompleted, PipelineFailed, PipelinePartiallyCompleted:
		return true
	}
	return false
}
