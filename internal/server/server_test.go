package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/internal/app"
	"boardroom/internal/config"
	"boardroom/internal/domain"
	"boardroom/internal/generate"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
}

func newTestServer(t *testing.T, gen generate.Generator, auth AuthConfig) *testServer {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default(), Generator: gen})
	require.NoError(t, err)
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: auth, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
		srv.Shutdown(ctx)
		a.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), App: a, client: &http.Client{}}
}

func doJSON(t *testing.T, s *testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

var instant = generate.Func(func(ctx context.Context, prompt string) (string, error) {
	return generate.MockResponse(prompt), nil
})

func (s *testServer) createProject(t *testing.T, idea string) ProjectResponse {
	t.Helper()
	resp, body := doJSON(t, s, http.MethodPost, "/v0/projects", CreateProjectRequest{Idea: idea}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[ProjectResponse](t, body)
}

func TestHealthAndAgents(t *testing.T) {
	s := newTestServer(t, instant, AuthConfig{})
	resp, body := doJSON(t, s, http.MethodGet, "/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = doJSON(t, s, http.MethodGet, "/v0/agents", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := decode[[]AgentResponse](t, body)
	require.Len(t, agents, 6)
	for _, a := range agents {
		switch a.Role {
		case domain.RoleEngineer:
			assert.Equal(t, []string{"TechSpec", "DemoCode"}, a.Stages)
		case domain.RoleCEO:
			assert.Empty(t, a.Stages)
		}
	}

	resp, _ = doJSON(t, s, http.MethodGet, "/v0/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProjectValidation(t *testing.T) {
	s := newTestServer(t, instant, AuthConfig{})
	resp, body := doJSON(t, s, http.MethodPost, "/v0/projects", CreateProjectRequest{Idea: "  "}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decode[errorEnvelope](t, body)
	assert.Equal(t, "validation_failed", env.Error.Code)

	resp, body = doJSON(t, s, http.MethodGet, "/v0/projects/proj_missing", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, body).Error.Code)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestServer(t, instant, AuthConfig{})
	p := s.createProject(t, "An AI-powered SaaS")

	resp, body := doJSON(t, s, http.MethodPost, "/v0/projects/"+p.ID+"/runs", StartRunRequest{Agents: []string{}}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	resp, body = doJSON(t, s, http.MethodPost, "/v0/projects/"+p.ID+"/runs", StartRunRequest{Agents: []string{"Intern"}}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = doJSON(t, s, http.MethodPost, "/v0/projects/"+p.ID+"/runs", StartRunRequest{Agents: []string{"pm", "Engineer"}}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	run := decode[domain.Run](t, body)
	assert.Equal(t, domain.RunRunning, run.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.App.WaitRun(ctx, run.ID)
	require.NoError(t, err)

	resp, body = doJSON(t, s, http.MethodGet, "/v0/runs/"+run.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decode[domain.Run](t, body)
	assert.Equal(t, domain.RunSucceeded, final.Status)
	assert.Equal(t, 3, final.Artifacts.Len())
	assert.Equal(t, "Simulation finished.", final.Messages[len(final.Messages)-1].Content)

	resp, body = doJSON(t, s, http.MethodGet, "/v0/runs/"+run.ID+"/artifacts/PRD", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "# Product Requirements Document"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "PRD.md")

	resp, _ = doJSON(t, s, http.MethodGet, "/v0/runs/"+run.ID+"/artifacts/Compliance", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, s, http.MethodGet, "/v0/runs/"+run.ID+"/artifacts/Poem", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, s, http.MethodGet, "/v0/projects/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	project := decode[ProjectResponse](t, body)
	assert.True(t, project.CanRun)
	assert.Equal(t, run.ID, project.LatestRunID)

	resp, body = doJSON(t, s, http.MethodGet, "/v0/events?run_id="+run.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[paginatedEvents](t, body)
	var types []string
	for _, e := range events.Items {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"run.created", "run.running", "run.succeeded"}, types)

	resp, _ = doJSON(t, s, http.MethodPost, "/v0/runs/"+run.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = doJSON(t, s, http.MethodPost, "/v0/runs/run_missing/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecondRunConflictsAndCancel(t *testing.T) {
	called := make(chan struct{}, 1)
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		select {
		case called <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newTestServer(t, gen, AuthConfig{})
	p := s.createProject(t, "X")
	resp, body := doJSON(t, s, http.MethodPost, "/v0/projects/"+p.ID+"/runs", StartRunRequest{Agents: []string{"PM"}}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	run := decode[domain.Run](t, body)
	<-called

	resp, body = doJSON(t, s, http.MethodPost, "/v0/projects/"+p.ID+"/runs", StartRunRequest{Agents: []string{"PM"}}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "run_in_progress", decode[errorEnvelope](t, body).Error.Code)

	resp, _ = doJSON(t, s, http.MethodPost, "/v0/runs/"+run.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	final, err := s.App.WaitRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, final.Status)
	assert.Equal(t, "Simulation cancelled.", final.Messages[len(final.Messages)-1].Content)
}

func readSnapshots(t *testing.T, r io.Reader) []domain.Run {
	t.Helper()
	var out []domain.Run
	var event string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "snapshot":
			out = append(out, decode[domain.Run](t, []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))))
		}
	}
	return out
}

func TestStreamEndsAtTerminalState(t *testing.T) {
	release := make(chan struct{})
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		select {
		case <-release:
			return generate.MockResponse(prompt), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	s := newTestServer(t, gen, AuthConfig{})
	p := s.createProject(t, "X")
	resp, body := doJSON(t, s, http.MethodPost, "/v0/projects/"+p.ID+"/runs", StartRunRequest{Agents: []string{"PM", "Legal"}}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	run := decode[domain.Run](t, body)

	streamResp, err := s.client.Get(s.URL + "/v0/runs/" + run.ID + "/stream")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Contains(t, streamResp.Header.Get("Content-Type"), "text/event-stream")
	close(release)

	snaps := readSnapshots(t, streamResp.Body)
	require.NotEmpty(t, snaps)
	prev := 0
	for _, snap := range snaps {
		require.GreaterOrEqual(t, len(snap.Messages), prev)
		prev = len(snap.Messages)
	}
	last := snaps[len(snaps)-1]
	assert.Equal(t, domain.RunSucceeded, last.Status)
	assert.Equal(t, 2, last.Artifacts.Len())

	// a finished run streams its stored state once
	again, err := s.client.Get(s.URL + "/v0/runs/" + run.ID + "/stream")
	require.NoError(t, err)
	defer again.Body.Close()
	snaps = readSnapshots(t, again.Body)
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.RunSucceeded, snaps[0].Status)
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t, instant, AuthConfig{JWTSecret: "s3cret"})
	resp, _ := doJSON(t, s, http.MethodGet, "/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, s, http.MethodGet, "/v0/projects", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, body).Error.Code)

	bad, err := IssueToken("other", "tester", time.Minute)
	require.NoError(t, err)
	resp, _ = doJSON(t, s, http.MethodGet, "/v0/projects", nil, map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := IssueToken("s3cret", "tester", time.Minute)
	require.NoError(t, err)
	resp, _ = doJSON(t, s, http.MethodGet, "/v0/projects", nil, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = IssueToken("", "tester", time.Minute)
	assert.Error(t, err)
}

func TestOpenAPIConcurrentRequests(t *testing.T) {
	s := newTestServer(t, instant, AuthConfig{JWTSecret: "secret"})
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.client.Get(s.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			bodies[i], _ = io.ReadAll(resp.Body)
		}(i)
	}
	wg.Wait()
	require.NotEmpty(t, bodies[0])
	assert.Contains(t, string(bodies[0]), "bearerAuth")
	for _, b := range bodies[1:] {
		assert.Equal(t, string(bodies[0]), string(b))
	}
}
