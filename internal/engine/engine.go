// Package engine drives runs through the stage pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"boardroom/internal/domain"
	"boardroom/internal/generate"
	"boardroom/internal/pipeline"
	"boardroom/internal/registry"
)

// Engine starts runs and executes one background task per run. It is safe for
// concurrent use.
type Engine struct {
	Registry  *registry.Registry
	Generator generate.Generator
	Stages    []pipeline.Stage
	// StageTimeout bounds every generator call. Zero disables it.
	StageTimeout time.Duration
	Now          func() time.Time
	NewID        func(prefix string) string
	Logger       zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	result domain.Run
}

func New(reg *registry.Registry, gen generate.Generator) *Engine {
	return &Engine{
		Registry:  reg,
		Generator: gen,
		Stages:    pipeline.Stages(),
		Now:       time.Now,
		NewID:     NewID,
		Logger:    zerolog.Nop(),
		tasks:     make(map[string]*task),
	}
}

// NewID returns a prefixed random identifier such as run_6f1c....
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID(prefix string) string {
	if e.NewID != nil {
		return e.NewID(prefix)
	}
	return NewID(prefix)
}

// StartOptions are parameters for starting a run.
type StartOptions struct {
	// RunID is generated when empty.
	RunID     string
	ProjectID string
	Idea      string
	// Agents gates stages: only enabled agents take part.
	Agents []domain.Agent
}

// Start registers a new run, moves it to running and launches its pipeline in the
// background. It returns the running snapshot without waiting for any stage.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (domain.Run, error) {
	idea := strings.TrimSpace(opts.Idea)
	if idea == "" {
		return domain.Run{}, ValidationError{Field: "idea", Reason: "must not be blank"}
	}
	participants, err := enabledRoles(opts.Agents)
	if err != nil {
		return domain.Run{}, err
	}
	if opts.RunID == "" {
		opts.RunID = e.newID("run")
	}
	started := e.now()
	run := domain.Run{
		ID:           opts.RunID,
		ProjectID:    opts.ProjectID,
		Status:       domain.RunIdle,
		Participants: participants,
		Messages:     []domain.Message{},
		StartedAt:    started,
	}
	if err := e.Registry.Create(run); err != nil {
		return domain.Run{}, err
	}
	names := make([]string, len(participants))
	for i, r := range participants {
		names[i] = string(r)
	}
	snap, err := e.Registry.Mutate(run.ID, func(r domain.Run) (domain.Run, error) {
		r.Status = domain.RunRunning
		r.Messages = append(r.Messages, e.message(domain.SourceSystem, domain.KindSystem,
			fmt.Sprintf("Simulation started for idea: \"%s\" with agents: %s.", idea, strings.Join(names, ", ")), nil))
		return r, nil
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("start run %s: %w", run.ID, err)
	}

	enabled := make(map[domain.Role]bool, len(participants))
	for _, r := range participants {
		enabled[r] = true
	}
	stages := pipeline.Applicable(e.Stages, enabled)

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	if e.tasks == nil {
		e.tasks = make(map[string]*task)
	}
	e.tasks[run.ID] = t
	e.mu.Unlock()

	e.Logger.Info().Str("run_id", run.ID).Str("project_id", run.ProjectID).
		Strs("agents", names).Int("stages", len(stages)).Msg("run started")
	go e.drive(taskCtx, t, run.ID, idea, stages)
	return snap, nil
}

func enabledRoles(agents []domain.Agent) ([]domain.Role, error) {
	seen := make(map[domain.Role]bool, len(agents))
	var out []domain.Role
	for _, a := range agents {
		if _, err := domain.AgentFor(a.Role); err != nil {
			return nil, ValidationError{Field: "agents", Reason: err.Error()}
		}
		if !a.Enabled || seen[a.Role] {
			continue
		}
		seen[a.Role] = true
		out = append(out, a.Role)
	}
	if len(out) == 0 {
		return nil, ValidationError{Field: "agents", Reason: "at least one enabled agent is required"}
	}
	return out, nil
}

// Cancel asks the run's task to stop. The run ends failed with a cancellation message
// once the task observes the request. Cancelling a finished run is a no-op.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	t, ok := e.tasks[runID]
	e.mu.Unlock()
	if ok {
		t.cancel()
		return nil
	}
	_, err := e.Registry.Snapshot(runID)
	return err
}

// Wait blocks until the run reaches a terminal status or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (domain.Run, error) {
	e.mu.Lock()
	t, ok := e.tasks[runID]
	e.mu.Unlock()
	if ok {
		select {
		case <-t.done:
			return t.result.Clone(), nil
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		}
	}
	// Not driven here, or the task already finished: follow the registry.
	sub, err := e.Registry.Subscribe(runID)
	if err != nil {
		return domain.Run{}, err
	}
	defer sub.Close()
	var last domain.Run
	for {
		select {
		case run, ok := <-sub.Updates():
			if !ok {
				if last.Status.Terminal() {
					return last, nil
				}
				return domain.Run{}, fmt.Errorf("run %s: stream closed before completion", runID)
			}
			last = run
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		}
	}
}

func (e *Engine) drive(ctx context.Context, t *task, runID, idea string, stages []pipeline.Stage) {
	defer t.cancel()
	final, err := e.execute(ctx, runID, idea, stages)
	if err != nil {
		e.Logger.Error().Err(err).Str("run_id", runID).Msg("run driver stopped")
		msg := e.message(domain.SourceSystem, domain.KindSystem,
			fmt.Sprintf("Simulation failed: %v", err), map[string]any{"reason": "internal_error"})
		if snap, ferr := e.finish(runID, domain.RunFailed, msg); ferr == nil {
			final = snap
		} else if snap, serr := e.Registry.Snapshot(runID); serr == nil {
			final = snap
		}
	}
	t.result = final
	close(t.done)
	e.mu.Lock()
	delete(e.tasks, runID)
	e.mu.Unlock()
	e.Logger.Info().Str("run_id", runID).Str("status", string(final.Status)).
		Int("artifacts", final.Artifacts.Len()).Msg("run finished")
}

func (e *Engine) execute(ctx context.Context, runID, idea string, stages []pipeline.Stage) (domain.Run, error) {
	for _, st := range stages {
		if ctx.Err() != nil {
			return e.cancelled(runID)
		}
		log := e.Logger.With().Str("run_id", runID).Str("stage", string(st.Produces)).Str("role", string(st.Role)).Logger()
		log.Debug().Msg("stage started")

		snap, err := e.Registry.Mutate(runID, func(r domain.Run) (domain.Run, error) {
			r.Messages = append(r.Messages, e.message(string(st.Role), domain.KindThought,
				fmt.Sprintf("Thinking about the %s...", st.Produces), map[string]any{"artifact": string(st.Produces)}))
			return r, nil
		})
		if err != nil {
			return domain.Run{}, err
		}
		prompt := st.BuildPrompt(idea, func(t domain.ArtifactType) (string, bool) {
			a, ok := snap.Artifacts.Get(t)
			return a.Content, ok
		})

		content, err := e.generate(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(runID)
			}
			failure := GenerationFailure{Role: st.Role, Artifact: st.Produces, Err: err}
			log.Warn().Err(err).Msg("generation failed")
			return e.failed(runID, failure)
		}

		if _, err := e.Registry.Mutate(runID, func(r domain.Run) (domain.Run, error) {
			art, err := r.Artifacts.Upsert(st.Produces, content, e.now(), func() string { return e.newID("art") })
			if err != nil {
				return r, err
			}
			r.Messages = append(r.Messages, e.message(string(st.Role), domain.KindArtifactDraft,
				fmt.Sprintf("Generated a draft for the %s.", st.Produces),
				map[string]any{"artifact": string(st.Produces), "artifact_id": art.ID}))
			return r, nil
		}); err != nil {
			return domain.Run{}, err
		}
		log.Debug().Int("bytes", len(content)).Msg("stage completed")
	}
	return e.finish(runID, domain.RunSucceeded, e.message(domain.SourceSystem, domain.KindSystem, "Simulation finished.", nil))
}

func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	if e.Generator == nil {
		return "", errors.New("no generator configured")
	}
	callCtx := ctx
	if e.StageTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.StageTimeout)
		defer cancel()
	}
	out, err := e.Generator.Generate(callCtx, prompt)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", fmt.Errorf("generation timed out after %s: %w", e.StageTimeout, err)
	}
	return out, err
}

func (e *Engine) failed(runID string, failure GenerationFailure) (domain.Run, error) {
	msg := e.message(domain.SourceSystem, domain.KindSystem,
		fmt.Sprintf("Stage %s (%s) failed: %v", failure.Artifact, failure.Role, failure.Err),
		map[string]any{"reason": "generation_failed", "artifact": string(failure.Artifact), "role": string(failure.Role)})
	return e.finish(runID, domain.RunFailed, msg)
}

func (e *Engine) cancelled(runID string) (domain.Run, error) {
	e.Logger.Info().Str("run_id", runID).Msg("run cancelled")
	msg := e.message(domain.SourceSystem, domain.KindSystem, "Simulation cancelled.", map[string]any{"reason": "cancelled"})
	return e.finish(runID, domain.RunFailed, msg)
}

// finish appends the closing message and the terminal status in one mutation.
func (e *Engine) finish(runID string, status domain.RunStatus, msg domain.Message) (domain.Run, error) {
	return e.Registry.Mutate(runID, func(r domain.Run) (domain.Run, error) {
		at := e.now()
		r.Messages = append(r.Messages, msg)
		r.Status = status
		r.FinishedAt = &at
		return r, nil
	})
}

func (e *Engine) message(source string, kind domain.MessageKind, content string, metadata map[string]any) domain.Message {
	return domain.Message{
		ID:        e.newID("msg"),
		Timestamp: e.now(),
		Source:    source,
		Kind:      kind,
		Content:   content,
		Metadata:  metadata,
	}
}
