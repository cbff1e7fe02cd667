package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Verifier runs one best-of-N verification attempt. Implementations spawn a
// verification agent or call the model; tests inject fakes.
type Verifier interface {
	Verify(ctx context.Context, attempt int, phase Phase) (VerificationAttempt, error)
}

// VerificationAttempt is one attempt's verdict.
type VerificationAttempt struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary,omitempty"`
}

// ConditionFunc evaluates a named condition against the pipeline snapshot.
type ConditionFunc func(p *Pipeline, phase *Phase) bool

// checkpointOutcome is the interpreter's verdict for one evaluation pass.
// awaitingReview means the gate is blocked on a human and nothing is
// committed yet.
type checkpointOutcome struct {
	awaitingReview bool
	result         CheckpointResult
}

// evalCheckpoint is the recursive interpreter over the checkpoint tree. It
// is called without the manager lock held; everything it touches is a
// snapshot.
func (m *Manager) evalCheckpoint(ctx context.Context, p *Pipeline, phase *Phase, ck *Checkpoint) (checkpointOutcome, error) {
	switch ck.Kind {
	case CheckpointNone, "":
		return checkpointOutcome{result: CheckpointResult{Passed: true, EvaluatedAt: time.Now().UTC()}}, nil

	case CheckpointHumanReview:
		// Never resolves itself; ApproveCheckpoint is the only way out.
		return checkpointOutcome{awaitingReview: true}, nil

	case CheckpointAutomaticValidation:
		return m.evalValidation(ctx, ck)

	case CheckpointBestOfN:
		return m.evalBestOfN(ctx, phase, ck)

	case CheckpointConditional:
		cond, ok := m.condition(ck.Condition)
		if !ok {
			return checkpointOutcome{}, fmt.Errorf("pipeline: unknown condition %q", ck.Condition)
		}
		child := ck.IfFalse
		if cond(p, phase) {
			child = ck.IfTrue
		}
		if child == nil {
			// No gate on this branch: the phase side-exits as Skipped.
			return checkpointOutcome{result: CheckpointResult{Passed: true, Skipped: true, EvaluatedAt: time.Now().UTC()}}, nil
		}
		return m.evalCheckpoint(ctx, p, phase, child)

	default:
		return checkpointOutcome{}, fmt.Errorf("pipeline: unknown checkpoint kind %q", ck.Kind)
	}
}

// evalValidation shells out the configured command and passes iff the exit
// code is zero. Stdout/stderr are captured for diagnostics either way.
func (m *Manager) evalValidation(ctx context.Context, ck *Checkpoint) (checkpointOutcome, error) {
	if ck.Command == "" {
		return checkpointOutcome{}, fmt.Errorf("pipeline: automatic validation without a command")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", ck.Command)
	if ck.Dir != "" {
		cmd.Dir = ck.Dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := CheckpointResult{
		Passed:      runErr == nil,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		EvaluatedAt: time.Now().UTC(),
	}
	if runErr != nil {
		result.Comment = fmt.Sprintf("validation command failed: %v", runErr)
	}
	return checkpointOutcome{result: result}, nil
}

// evalBestOfN runs N verification attempts and fuses them. Passes iff the
// fused confidence meets the fixed threshold.
func (m *Manager) evalBestOfN(ctx context.Context, phase *Phase, ck *Checkpoint) (checkpointOutcome, error) {
	if m.verifier == nil {
		return checkpointOutcome{}, fmt.Errorf("pipeline: best-of-n checkpoint without a verifier")
	}
	n := ck.N
	if n <= 0 {
		n = 3
	}

	type slot struct {
		attempt VerificationAttempt
		err     error
	}
	slots := make([]slot, n)
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			a, err := m.verifier.Verify(ctx, i, *phase)
			slots[i] = slot{attempt: a, err: err}
			done <- i
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	attempts := make([]VerificationAttempt, 0, n)
	for _, s := range slots {
		if s.err != nil {
			// A failed attempt counts as a non-passing vote.
			attempts = append(attempts, VerificationAttempt{Summary: s.err.Error()})
			continue
		}
		attempts = append(attempts, s.attempt)
	}

	confidence := fuse(ck.Strategy, attempts)
	result := CheckpointResult{
		Passed:      confidence >= confidenceThreshold,
		Confidence:  confidence,
		EvaluatedAt: time.Now().UTC(),
	}
	if !result.Passed {
		result.Comment = fmt.Sprintf("fused confidence %.2f below threshold %.2f (%s over %d attempts)",
			confidence, confidenceThreshold, ck.Strategy, n)
	}
	return checkpointOutcome{result: result}, nil
}

// fuse reduces N attempts to one confidence in [0,1].
func fuse(strategy FusionStrategy, attempts []VerificationAttempt) float64 {
	if len(attempts) == 0 {
		return 0
	}
	switch strategy {
	case FusionWeightedConsensus:
		var num, den float64
		for _, a := range attempts {
			den += a.Confidence
			if a.Passed {
				num += a.Confidence
			}
		}
		if den == 0 {
			return 0
		}
		return num / den

	case FusionMetaReview:
		// The most confident attempt speaks for the batch.
		best := attempts[0]
		for _, a := range attempts[1:] {
			if a.Confidence > best.Confidence {
				best = a
			}
		}
		if !best.Passed {
			return 0
		}
		return best.Confidence

	case FusionFirstCorrect:
		for _, a := range attempts {
			if a.Passed {
				return a.Confidence
			}
		}
		return 0

	case FusionMajorityVote, "":
		fallthrough
	default:
		passed := 0
		for _, a := range attempts {
			if a.Passed {
				passed++
			}
		}
		return float64(passed) / float64(len(attempts))
	}
}
