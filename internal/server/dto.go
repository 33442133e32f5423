package server

import (
	"time"

	"boardroom/internal/domain"
)

type CreateProjectRequest struct {
	Idea string `json:"idea" doc:"Product idea the board will work on" example:"An AI-powered SaaS that provides customer support chatbots for small businesses."`
}

type StartRunRequest struct {
	Agents []string `json:"agents" doc:"Enabled participant roles" example:"[\"PM\",\"Engineer\"]"`
}

type ProjectResponse struct {
	ID          string       `json:"id"`
	Idea        string       `json:"idea"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	CanRun      bool         `json:"can_run"`
	LatestRunID string       `json:"latest_run_id,omitempty"`
	Runs        []domain.Run `json:"runs"`
}

type AgentResponse struct {
	domain.Agent
	Stages []string `json:"stages" doc:"Artifact types this role produces"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Payload   string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	resp := ProjectResponse{
		ID:        p.ID,
		Idea:      p.Idea,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
		CanRun:    p.CanRun(),
		Runs:      p.Runs,
	}
	if resp.Runs == nil {
		resp.Runs = []domain.Run{}
	}
	if latest, ok := p.LatestRun(); ok {
		resp.LatestRunID = latest.ID
	}
	return resp
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{ID: e.ID, TS: e.TS, Type: e.Type, ProjectID: e.ProjectID, RunID: e.RunID, Payload: e.Payload}
}
