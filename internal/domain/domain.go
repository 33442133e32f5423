package domain

import (
	"fmt"
	"time"
)

// Role is one of the fixed participant roles.
type Role string

const (
	RoleCEO      Role = "CEO"
	RolePM       Role = "PM"
	RoleEngineer Role = "Engineer"
	RoleResearch Role = "Research"
	RoleLegal    Role = "Legal"
	RoleFinance  Role = "Finance"
)

// SourceSystem marks messages emitted by the orchestrator itself.
const SourceSystem = "System"

// Agent is a participant with its display attributes and per-run enabled flag.
type Agent struct {
	Role    Role   `json:"role" enum:"CEO,PM,Engineer,Research,Legal,Finance"`
	Name    string `json:"name"`
	Avatar  string `json:"avatar"`
	Color   string `json:"color"`
	Weight  int    `json:"weight"`
	Enabled bool   `json:"enabled"`
}

type MessageKind string

const (
	KindThought       MessageKind = "thought"
	KindProposal      MessageKind = "proposal"
	KindObjection     MessageKind = "objection"
	KindVote          MessageKind = "vote"
	KindDecision      MessageKind = "decision"
	KindArtifactDraft MessageKind = "artifact-draft"
	KindSystem        MessageKind = "system"
)

// Message is one immutable entry of a run's audit trail.
type Message struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp" format:"date-time"`
	Source    string         `json:"source"`
	Kind      MessageKind    `json:"kind" enum:"thought,proposal,objection,vote,decision,artifact-draft,system"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// EnsureRunTransition rejects anything outside idle -> running -> {succeeded, failed}.
// Staying in the same non-terminal status is allowed.
func EnsureRunTransition(from, to RunStatus) error {
	switch from {
	case RunIdle:
		if to == RunIdle || to == RunRunning {
			return nil
		}
	case RunRunning:
		if to == RunRunning || to == RunSucceeded || to == RunFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", from, to)
}

// Run is the unit of orchestration.
type Run struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	Status       RunStatus   `json:"status" enum:"idle,running,succeeded,failed"`
	Participants []Role      `json:"participants,omitempty"`
	Messages     []Message   `json:"messages"`
	Artifacts    ArtifactSet `json:"artifacts"`
	StartedAt    time.Time   `json:"started_at" format:"date-time"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty" format:"date-time"`
}

// Clone returns a deep copy so snapshots never share mutable storage.
func (r Run) Clone() Run {
	out := r
	if r.Participants != nil {
		out.Participants = append([]Role(nil), r.Participants...)
	}
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, m := range r.Messages {
			out.Messages[i] = m.clone()
		}
	}
	out.Artifacts = r.Artifacts.Clone()
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func (m Message) clone() Message {
	if m.Metadata == nil {
		return m
	}
	md := make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		md[k] = v
	}
	m.Metadata = md
	return m
}

// Project groups an idea with the history of runs made for it.
type Project struct {
	ID        string    `json:"id"`
	Idea      string    `json:"idea"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	Runs      []Run     `json:"runs"`
}

// LatestRun returns the most recently created run, if any.
func (p Project) LatestRun() (Run, bool) {
	if len(p.Runs) == 0 {
		return Run{}, false
	}
	return p.Runs[len(p.Runs)-1], true
}

// CanRun reports whether a new run may be started for the project.
func (p Project) CanRun() bool {
	latest, ok := p.LatestRun()
	return !ok || latest.Status.Terminal()
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Payload   string `json:"payload_json"`
}
