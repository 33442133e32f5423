// Package app is the process-wide context: it owns the store, the run registry and the
// engine, and keeps the store in step with every live run.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boardroom/internal/config"
	"boardroom/internal/db"
	"boardroom/internal/domain"
	"boardroom/internal/engine"
	"boardroom/internal/generate"
	"boardroom/internal/migrate"
	"boardroom/internal/registry"
	"boardroom/internal/repo"
)

// ErrRunInProgress rejects a new run while the project's latest run is still active.
var ErrRunInProgress = errors.New("project already has a run in progress")

type Options struct {
	Workspace string
	// Config is loaded from the workspace when nil.
	Config *config.Config
	// Generator overrides the configured provider.
	Generator generate.Generator
	Logger    *zerolog.Logger
	// RecoverStaleRuns closes runs a previous process left unfinished. Only the process
	// owning the workspace's runs should set it.
	RecoverStaleRuns bool
}

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Registry *registry.Registry
	Engine   *engine.Engine
	Logger   zerolog.Logger

	closeGen func() error

	// startMu makes the can-run check and the run insert atomic per process.
	startMu    sync.Mutex
	mu         sync.Mutex
	persisters map[string]chan struct{}
}

// Open prepares the workspace database and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	gen, closeGen := opts.Generator, func() error { return nil }
	if gen == nil {
		gen, closeGen, err = generate.New(ctx, generate.Options{
			Provider:   cfg.Generation.Provider,
			Model:      cfg.Generation.Model,
			APIKeyEnv:  cfg.Generation.APIKeyEnv,
			MinLatency: cfg.Generation.Mock.MinLatency,
			MaxLatency: cfg.Generation.Mock.MaxLatency,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	reg := registry.New()
	eng := engine.New(reg, gen)
	eng.StageTimeout = cfg.Generation.StageTimeout
	eng.Logger = logger.With().Str("component", "engine").Logger()

	a := &App{
		Config:     cfg,
		DB:         conn,
		Repo:       repo.New(conn),
		Registry:   reg,
		Engine:     eng,
		Logger:     logger,
		closeGen:   closeGen,
		persisters: make(map[string]chan struct{}),
	}
	if opts.RecoverStaleRuns {
		if _, err := a.RecoverStaleRuns(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// RecoverStaleRuns marks stored runs that are not active in this process and never
// finished as failed, so their projects can run again. It returns how many it closed.
func (a *App) RecoverStaleRuns(ctx context.Context) (int, error) {
	stored, err := a.Repo.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}
	var stale []domain.Run
	for _, run := range stored {
		if _, err := a.Registry.Snapshot(run.ID); err == nil {
			continue
		}
		stale = append(stale, run)
	}
	for _, run := range stale {
		now := time.Now().UTC()
		run.Messages = append(run.Messages, domain.Message{
			ID:        engine.NewID("msg"),
			Timestamp: now,
			Source:    domain.SourceSystem,
			Kind:      domain.KindSystem,
			Content:   "Simulation interrupted.",
			Metadata:  map[string]any{"reason": "interrupted"},
		})
		run.Status = domain.RunFailed
		run.FinishedAt = &now
		if err := a.Repo.PersistRun(ctx, run); err != nil {
			return 0, fmt.Errorf("close stale run %s: %w", run.ID, err)
		}
		a.Logger.Warn().Str("run_id", run.ID).Msg("closed run left unfinished by a previous process")
	}
	return len(stale), nil
}

// Close releases the generator and the database. Call Shutdown first to let active
// runs finish persisting.
func (a *App) Close() error {
	var errs []error
	if a.closeGen != nil {
		errs = append(errs, a.closeGen())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Shutdown cancels every active run and waits until their terminal states are stored.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	pending := make(map[string]chan struct{}, len(a.persisters))
	for id, done := range a.persisters {
		pending[id] = done
	}
	a.mu.Unlock()
	for id := range pending {
		if err := a.Engine.Cancel(id); err != nil && !errors.Is(err, registry.ErrRunNotFound) {
			return err
		}
	}
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CreateProject stores a new project for idea.
func (a *App) CreateProject(ctx context.Context, idea string) (domain.Project, error) {
	if strings.TrimSpace(idea) == "" {
		return domain.Project{}, engine.ValidationError{Field: "idea", Reason: "must not be blank"}
	}
	return a.Repo.CreateProject(ctx, engine.NewID("proj"), idea)
}

// Project returns a stored project with live state substituted for active runs.
func (a *App) Project(ctx context.Context, id string) (domain.Project, error) {
	p, err := a.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	a.overlayLive(&p)
	return p, nil
}

func (a *App) Projects(ctx context.Context) ([]domain.Project, error) {
	list, err := a.Repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		a.overlayLive(&list[i])
	}
	return list, nil
}

func (a *App) overlayLive(p *domain.Project) {
	for i, run := range p.Runs {
		if live, err := a.Registry.Snapshot(run.ID); err == nil {
			p.Runs[i] = live
		}
	}
}

// StartRun starts a run of the project's idea with the given roles. The run is stored
// first, then every snapshot the engine publishes is persisted until the run ends.
func (a *App) StartRun(ctx context.Context, projectID string, roles []domain.Role) (domain.Run, error) {
	if len(roles) == 0 {
		return domain.Run{}, engine.ValidationError{Field: "agents", Reason: "at least one enabled agent is required"}
	}
	agents := make([]domain.Agent, 0, len(roles))
	for _, r := range roles {
		agent, err := domain.AgentFor(r)
		if err != nil {
			return domain.Run{}, engine.ValidationError{Field: "agents", Reason: err.Error()}
		}
		agents = append(agents, agent)
	}
	a.startMu.Lock()
	defer a.startMu.Unlock()
	p, err := a.Project(ctx, projectID)
	if err != nil {
		return domain.Run{}, err
	}
	if !p.CanRun() {
		latest, _ := p.LatestRun()
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunInProgress, latest.ID)
	}

	stored, err := a.Repo.CreateRun(ctx, engine.NewID("run"), p.ID, roles)
	if err != nil {
		return domain.Run{}, err
	}
	run, err := a.Engine.Start(ctx, engine.StartOptions{RunID: stored.ID, ProjectID: p.ID, Idea: p.Idea, Agents: agents})
	if err != nil {
		a.abandon(stored, err)
		return domain.Run{}, err
	}
	if err := a.Repo.PersistRun(ctx, run); err != nil {
		a.Logger.Error().Err(err).Str("run_id", run.ID).Msg("persist started run")
	}
	sub, err := a.Registry.Subscribe(run.ID)
	if err != nil {
		return domain.Run{}, err
	}
	done := make(chan struct{})
	a.mu.Lock()
	a.persisters[run.ID] = done
	a.mu.Unlock()
	go a.persist(sub, done)
	return run, nil
}

// abandon closes a stored run whose engine start failed so the project is not blocked.
func (a *App) abandon(run domain.Run, cause error) {
	now := time.Now().UTC()
	run.Status = domain.RunFailed
	run.FinishedAt = &now
	run.Messages = append(run.Messages, domain.Message{
		ID: engine.NewID("msg"), Timestamp: now, Source: domain.SourceSystem, Kind: domain.KindSystem,
		Content: fmt.Sprintf("Simulation failed to start: %v", cause),
	})
	if err := a.Repo.PersistRun(context.Background(), run); err != nil {
		a.Logger.Error().Err(err).Str("run_id", run.ID).Msg("persist abandoned run")
	}
}

func (a *App) persist(sub *registry.Subscription, done chan struct{}) {
	defer func() {
		a.mu.Lock()
		delete(a.persisters, sub.RunID())
		a.mu.Unlock()
		close(done)
	}()
	defer sub.Close()
	for snap := range sub.Updates() {
		if err := a.Repo.PersistRun(context.Background(), snap); err != nil {
			a.Logger.Error().Err(err).Str("run_id", snap.ID).Str("status", string(snap.Status)).Msg("persist run")
		}
	}
}

// CancelRun requests cancellation of an active run. Cancelling a stored, finished run
// is a no-op.
func (a *App) CancelRun(ctx context.Context, runID string) error {
	err := a.Engine.Cancel(runID)
	if !errors.Is(err, registry.ErrRunNotFound) {
		return err
	}
	_, err = a.Repo.GetRun(ctx, runID)
	return err
}

// Run returns the live state of a run, or the stored one when it is not active in this
// process.
func (a *App) Run(ctx context.Context, runID string) (domain.Run, error) {
	if run, err := a.Registry.Snapshot(runID); err == nil {
		return run, nil
	}
	return a.Repo.GetRun(ctx, runID)
}

// WaitRun blocks until the run is terminal and its final state is stored.
func (a *App) WaitRun(ctx context.Context, runID string) (domain.Run, error) {
	run, err := a.Engine.Wait(ctx, runID)
	if errors.Is(err, registry.ErrRunNotFound) {
		return a.Repo.GetRun(ctx, runID)
	}
	if err != nil {
		return domain.Run{}, err
	}
	a.mu.Lock()
	done, ok := a.persisters[runID]
	a.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		}
	}
	return run, nil
}

// Watch streams snapshots of a run. A run that is not active yields its stored state
// once.
func (a *App) Watch(ctx context.Context, runID string) (<-chan domain.Run, func(), error) {
	sub, err := a.Registry.Subscribe(runID)
	if err == nil {
		return sub.Updates(), sub.Close, nil
	}
	if !errors.Is(err, registry.ErrRunNotFound) {
		return nil, nil, err
	}
	run, err := a.Repo.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan domain.Run, 1)
	ch <- run
	close(ch)
	return ch, func() {}, nil
}
