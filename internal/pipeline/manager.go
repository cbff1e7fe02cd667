package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/events"
)

// PhaseExecutor performs the work of one phase (typically by driving an
// orchestrator run or a spawned agent). It is called without the manager
// lock held.
type PhaseExecutor interface {
	Execute(ctx context.Context, p Pipeline, phase Phase) error
}

// Store persists pipeline snapshots at commit points. Optional.
type Store interface {
	SavePipeline(p Pipeline) error
}

// Manager owns every pipeline record. All records are mutable only through
// the manager's guard; checkpoint evaluation and phase execution drop the
// guard around slow work and re-acquire it to commit.
type Manager struct {
	executor PhaseExecutor
	verifier Verifier
	store    Store
	emitter  events.Emitter
	tick     time.Duration

	mu         sync.Mutex
	pipelines  map[string]*Pipeline
	conditions map[string]ConditionFunc
	drivers    map[string]chan struct{}
}

// ErrPipelineNotFound is returned for unknown pipeline ids.
var ErrPipelineNotFound = fmt.Errorf("pipeline not found")

// NewManager builds a pipeline manager. verifier and store may be nil.
func NewManager(executor PhaseExecutor, verifier Verifier, store Store, emitter events.Emitter, tick time.Duration) *Manager {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &Manager{
		executor:   executor,
		verifier:   verifier,
		store:      store,
		emitter:    emitter,
		tick:       tick,
		pipelines:  make(map[string]*Pipeline),
		conditions: make(map[string]ConditionFunc),
		drivers:    make(map[string]chan struct{}),
	}
}

// RegisterCondition names a condition usable by Conditional checkpoints.
func (m *Manager) RegisterCondition(name string, fn ConditionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditions[name] = fn
}

func (m *Manager) condition(name string) (ConditionFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.conditions[name]
	return fn, ok
}

// Create registers a new pipeline in Pending status.
func (m *Manager) Create(userRequest string, specs []PhaseSpec) (*Pipeline, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("pipeline: at least one phase required")
	}
	p := newPipeline(userRequest, specs)

	m.mu.Lock()
	m.pipelines[p.ID] = p
	snapshot := p.clone()
	m.mu.Unlock()

	m.persist(snapshot)
	debug.LogKV("pipeline", "created", "pipeline_id", p.ID, "phases", len(specs))
	return snapshot, nil
}

// Get returns a deep copy of a pipeline.
func (m *Manager) Get(id string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, ErrPipelineNotFound
	}
	return p.clone(), nil
}

// List returns deep copies of all pipelines, newest first.
func (m *Manager) List() []*Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Start launches the driver loop for a pipeline. Idempotent per pipeline.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return ErrPipelineNotFound
	}
	if _, running := m.drivers[id]; running {
		m.mu.Unlock()
		return nil
	}
	if p.Status == PipelinePending {
		p.Status = PipelineRunning
		p.UpdatedAt = time.Now().UTC()
	}
	stop := make(chan struct{})
	m.drivers[id] = stop
	m.mu.Unlock()

	go m.drive(ctx, id, stop)
	return nil
}

// Stop halts a pipeline's driver loop without changing its status.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stop, ok := m.drivers[id]; ok {
		close(stop)
		delete(m.drivers, id)
	}
}

// drive polls the pipeline on a fixed tick. Each tick performs at most one
// phase side effect, bounding any single failure to one transition per tick.
func (m *Manager) drive(ctx context.Context, id string, stop <-chan struct{}) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		if done := m.TickOnce(ctx, id); done {
			m.Stop(id)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// TickOnce performs one driver tick and reports whether the pipeline is
// terminal. Exposed so tests can drive pipelines deterministically.
func (m *Manager) TickOnce(ctx context.Context, id string) bool {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return true
	}
	if p.terminal() {
		m.mu.Unlock()
		return true
	}
	if p.CurrentPhaseIndex >= len(p.Phases) {
		m.finishLocked(p)
		snapshot := p.clone()
		m.mu.Unlock()
		m.persist(snapshot)
		return true
	}

	phase := p.Phases[p.CurrentPhaseIndex]
	switch phase.Status {
	case PhasePending:
		phase.Status = PhaseRunning
		p.UpdatedAt = time.Now().UTC()
		pSnap := *p.clone()
		phSnap := *phase
		m.mu.Unlock()

		m.emitPhase(pSnap.ID, phSnap)
		err := m.executor.Execute(ctx, pSnap, phSnap)

		m.mu.Lock()
		if err != nil {
			phase.Status = PhaseCheckpointFailed
			phase.ErrorMessage = fmt.Sprintf("phase execution failed: %v", err)
			p.Status = PipelineFailed
			p.ErrorMessage = phase.ErrorMessage
		} else {
			phase.Status = PhaseWaitingCheckpoint
		}
		p.UpdatedAt = time.Now().UTC()
		snapshot := p.clone()
		m.mu.Unlock()

		m.emitPhase(snapshot.ID, *snapshot.Phases[snapshot.CurrentPhaseIndex])
		m.persist(snapshot)
		return snapshot.terminal()

	case PhaseWaitingCheckpoint:
		if phase.AwaitingReview {
			// Blocked on ApproveCheckpoint; nothing to do this tick.
			m.mu.Unlock()
			return false
		}
		pSnap := p.clone()
		phSnap := *phase
		ck := phase.Checkpoint
		// Committing advances CurrentPhaseIndex; remember which phase the
		// checkpoint belongs to for the event below.
		phaseIdx := pSnap.CurrentPhaseIndex
		m.mu.Unlock()

		// Slow work (shell exec, N verification attempts) happens with
		// the guard dropped.
		outcome, err := m.evalCheckpoint(ctx, pSnap, &phSnap, &ck)

		m.mu.Lock()
		if phase.Status != PhaseWaitingCheckpoint {
			// Resolved concurrently (e.g. an approve raced the tick).
			m.mu.Unlock()
			return false
		}
		if err != nil {
			m.failPhaseLocked(p, phase, CheckpointResult{
				Comment:     err.Error(),
				EvaluatedAt: time.Now().UTC(),
			})
		} else if outcome.awaitingReview {
			phase.AwaitingReview = true
			p.UpdatedAt = time.Now().UTC()
		} else {
			m.commitCheckpointLocked(p, phase, outcome.result)
		}
		snapshot := p.clone()
		m.mu.Unlock()

		m.emitPhase(snapshot.ID, *snapshot.Phases[phaseIdx])
		m.persist(snapshot)
		return snapshot.terminal()

	default:
		// Completed/Skipped phases advance in commitCheckpointLocked;
		// CheckpointFailed means the pipeline is already Failed.
		m.mu.Unlock()
		return false
	}
}

// commitCheckpointLocked sets the phase's terminal checkpoint result (exactly
// once) and advances or fails the pipeline.
func (m *Manager) commitCheckpointLocked(p *Pipeline, phase *Phase, result CheckpointResult) {
	if phase.CheckpointResult != nil {
		return
	}
	phase.CheckpointResult = &result
	phase.AwaitingReview = false
	p.UpdatedAt = time.Now().UTC()

	if !result.Passed {
		phase.Status = PhaseCheckpointFailed
		phase.ErrorMessage = result.Comment
		p.Status = PipelineFailed
		p.ErrorMessage = fmt.Sprintf("phase %q checkpoint failed: %s", phase.Name, result.Comment)
		return
	}

	if result.Skipped {
		phase.Status = PhaseSkipped
	} else {
		phase.Status = PhaseCompleted
	}
	p.CurrentPhaseIndex++
	if p.CurrentPhaseIndex >= len(p.Phases) {
		m.finishLocked(p)
	}
}

func (m *Manager) failPhaseLocked(p *Pipeline, phase *Phase, result CheckpointResult) {
	result.Passed = false
	m.commitCheckpointLocked(p, phase, result)
}

// finishLocked settles the pipeline's terminal status once every phase is
// behind the index.
func (m *Manager) finishLocked(p *Pipeline) {
	status := PipelineCompleted
	for _, ph := range p.Phases {
		if ph.Status == PhaseSkipped {
			status = PipelinePartiallyCompleted
		}
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
}

// ApproveCheckpoint resolves a HumanReview gate. It is the only way such a
// gate resolves.
func (m *Manager) ApproveCheckpoint(pipelineID string, phaseIndex int, approved bool, comment string) error {
	m.mu.Lock()
	p, ok := m.pipelines[pipelineID]
	if !ok {
		m.mu.Unlock()
		return ErrPipelineNotFound
	}
	if phaseIndex < 0 || phaseIndex >= len(p.Phases) {
		m.mu.Unlock()
		return fmt.Errorf("pipeline: phase index %d out of range", phaseIndex)
	}
	phase := p.Phases[phaseIndex]
	if phase.Status != PhaseWaitingCheckpoint || !phase.AwaitingReview {
		m.mu.Unlock()
		return fmt.Errorf("pipeline: phase %d is not awaiting review", phaseIndex)
	}

	m.commitCheckpointLocked(p, phase, CheckpointResult{
		Passed:      approved,
		Comment:     comment,
		EvaluatedAt: time.Now().UTC(),
	})
	snapshot := p.clone()
	m.mu.Unlock()

	m.emitPhase(snapshot.ID, *snapshot.Phases[phaseIndex])
	m.persist(snapshot)
	debug.LogKV("pipeline", "checkpoint reviewed", "pipeline_id", pipelineID, "phase", phaseIndex, "approved", approved)
	return nil
}

func (m *Manager) emitPhase(pipelineID string, phase Phase) {
	m.emitter.Emit(events.PipelinePhase, "", map[string]any{
		"pipeline_id": pipelineID,
		"phase_id":    phase.ID,
		"phase":       phase.Name,
		"status":      string(phase.Status),
	})
}

func (m *Manager) persist(p *Pipeline) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePipeline(*p); err != nil {
		debug.LogKV("pipeline", "persist failed", "pipeline_id", p.ID, "error", err)
	}
}
