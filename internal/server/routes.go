package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"boardroom/internal/app"
	"boardroom/internal/domain"
	"boardroom/internal/engine"
	"boardroom/internal/pipeline"
	"boardroom/internal/repo"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAgents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List the participant roster",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		stages := map[domain.Role][]string{}
		for _, s := range pipeline.Stages() {
			stages[s.Role] = append(stages[s.Role], string(s.Produces))
		}
		var out []AgentResponse
		for _, a := range domain.Roster() {
			produced := stages[a.Role]
			if produced == nil {
				produced = []string{}
			}
			out = append(out, AgentResponse{Agent: a, Stages: produced})
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := a.CreateProject(ctx, input.Body.Idea)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := a.Projects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with its runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := a.Project(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerRuns(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/runs",
		Summary:       "Start a run of the project's idea",
		Description:   "Returns immediately with the running snapshot. Follow progress with the stream endpoint.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      StartRunRequest
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		roles := make([]domain.Role, 0, len(input.Body.Agents))
		for _, raw := range input.Body.Agents {
			r, err := domain.ParseRole(raw)
			if err != nil {
				return nil, handleError(engine.ValidationError{Field: "agents", Reason: err.Error()})
			}
			roles = append(roles, r)
		}
		run, err := a.StartRun(ctx, input.ProjectID, roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get the current state of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := a.Run(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-run",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/cancel",
		Summary:       "Request cancellation of an active run",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if err := a.CancelRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		run, err := a.Run(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/artifacts/{type}",
		Summary:     "Download artifact content",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Type  string `path:"type" enum:"PRD,TechSpec,CostAnalysis,Compliance,DemoCode"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		t, err := domain.ParseArtifactType(input.Type)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"type": input.Type})
		}
		run, err := a.Run(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		art, ok := run.Artifacts.Get(t)
		if !ok {
			return nil, handleError(fmt.Errorf("artifact %s of run %s: %w", t, run.ID, repo.ErrNotFound))
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "text/markdown; charset=utf-8",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", string(t)+".md"),
			Body:               []byte(art.Content),
		}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List run lifecycle events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		RunID     string `query:"run_id"`
		Type      string `query:"type"`
		After     int64  `query:"after" minimum:"0" doc:"Only events with a greater id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := a.Repo.ListEvents(ctx, repo.EventFilter{
			ProjectID: input.ProjectID,
			RunID:     input.RunID,
			Type:      input.Type,
			After:     input.After,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if n := len(items); n > 0 {
			resp.NextCursor = fmt.Sprintf("%d", items[n-1].ID)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
