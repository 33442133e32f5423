// Package registry holds the live state of every run, serializes mutations per run,
// and fans out snapshots to subscribers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"boardroom/internal/domain"
)

var (
	// ErrRunNotFound is returned for ids the registry has never seen.
	ErrRunNotFound = errors.New("run not found")
	// ErrDuplicateRun is returned by Create when the id is already registered.
	ErrDuplicateRun = errors.New("run already exists")
	// ErrRunFinished is returned by Mutate once the run is terminal.
	ErrRunFinished = errors.New("run already finished")
)

// TransitionError reports a mutation that would break a run invariant.
type TransitionError struct {
	RunID  string
	Reason string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("run %s: %s", e.RunID, e.Reason)
}

const defaultBuffer = 64

// Registry is safe for concurrent use. Mutations on one run are serialized; mutations on
// different runs only share the map lookup.
type Registry struct {
	// Buffer is the per-subscriber channel capacity. When a subscriber falls behind,
	// its oldest pending snapshots are coalesced away; the newest is always kept.
	Buffer int

	mu   sync.RWMutex
	runs map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	state  domain.Run
	subs   map[uint64]*Subscription
	nextID uint64
}

// New returns an empty registry with the default subscriber buffer.
func New() *Registry {
	return &Registry{Buffer: defaultBuffer, runs: make(map[string]*entry)}
}

func (r *Registry) lookup(runID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return e, nil
}

// Create registers a new run under its id.
func (r *Registry) Create(run domain.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.ID)
	}
	r.runs[run.ID] = &entry{state: run.Clone(), subs: make(map[uint64]*Subscription)}
	return nil
}

// Mutate applies fn to the current state of the run atomically with respect to every
// other mutation of the same run, then publishes the result to subscribers. fn receives
// a private copy and may modify it freely. Returning an error aborts the mutation.
func (r *Registry) Mutate(runID string, fn func(domain.Run) (domain.Run, error)) (domain.Run, error) {
	e, err := r.lookup(runID)
	if err != nil {
		return domain.Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status.Terminal() {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	next, err := fn(e.state.Clone())
	if err != nil {
		return domain.Run{}, err
	}
	if err := checkTransition(e.state, next); err != nil {
		return domain.Run{}, err
	}
	e.state = next
	e.publishLocked()
	return next.Clone(), nil
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot(runID string) (domain.Run, error) {
	e, err := r.lookup(runID)
	if err != nil {
		return domain.Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// List returns snapshots of every registered run, oldest first.
func (r *Registry) List() []domain.Run {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	out := make([]domain.Run, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Subscribe returns a live stream of snapshots for the run. The current state is
// delivered first. The stream is closed after the terminal state has been delivered,
// or when the subscription is closed.
func (r *Registry) Subscribe(runID string) (*Subscription, error) {
	e, err := r.lookup(runID)
	if err != nil {
		return nil, err
	}
	buf := r.Buffer
	if buf < 1 {
		buf = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &Subscription{runID: runID, entry: e, ch: make(chan domain.Run, buf)}
	s.deliver(e.state.Clone())
	if e.state.Status.Terminal() {
		close(s.ch)
		return s, nil
	}
	e.nextID++
	s.id = e.nextID
	e.subs[s.id] = s
	return s, nil
}

func (e *entry) publishLocked() {
	for _, s := range e.subs {
		s.deliver(e.state.Clone())
	}
	if e.state.Status.Terminal() {
		for id, s := range e.subs {
			close(s.ch)
			delete(e.subs, id)
		}
	}
}

func checkTransition(prev, next domain.Run) error {
	if next.ID != prev.ID {
		return TransitionError{RunID: prev.ID, Reason: fmt.Sprintf("id changed to %q", next.ID)}
	}
	if err := domain.EnsureRunTransition(prev.Status, next.Status); err != nil {
		return TransitionError{RunID: prev.ID, Reason: err.Error()}
	}
	if len(next.Messages) < len(prev.Messages) {
		return TransitionError{RunID: prev.ID, Reason: "messages are append-only"}
	}
	for _, t := range domain.ArtifactTypes() {
		_, had := prev.Artifacts.Get(t)
		_, has := next.Artifacts.Get(t)
		if had && !has {
			return TransitionError{RunID: prev.ID, Reason: fmt.Sprintf("artifact %s removed", t)}
		}
	}
	if next.Status.Terminal() != (next.FinishedAt != nil) {
		return TransitionError{RunID: prev.ID, Reason: "finished_at must be set exactly when the run is terminal"}
	}
	return nil
}
