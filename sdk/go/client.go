// Package boardroomsdk is a minimal client for the Boardroom HTTP API.
package boardroomsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Boardroom HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Agent struct {
	Role    string   `json:"role"`
	Name    string   `json:"name"`
	Avatar  string   `json:"avatar"`
	Color   string   `json:"color"`
	Weight  int      `json:"weight"`
	Enabled bool     `json:"enabled"`
	Stages  []string `json:"stages"`
}

type Message struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Artifact struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Run struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Status       string     `json:"status"`
	Participants []string   `json:"participants"`
	Messages     []Message  `json:"messages"`
	Artifacts    []Artifact `json:"artifacts"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool { return r.Status == "succeeded" || r.Status == "failed" }

type Project struct {
	ID          string    `json:"id"`
	Idea        string    `json:"idea"`
	CreatedAt   time.Time `json:"created_at"`
	CanRun      bool      `json:"can_run"`
	LatestRunID string    `json:"latest_run_id,omitempty"`
	Runs        []Run     `json:"runs"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	Payload   string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

func (c *Client) CreateProject(ctx context.Context, idea string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"idea": idea}, &resp)
	return resp, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StartRun starts a run with the given roles and returns without waiting for it.
func (c *Client) StartRun(ctx context.Context, projectID string, agents []string) (Run, error) {
	if agents == nil {
		agents = []string{}
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/runs", url.PathEscape(projectID)), map[string]any{"agents": agents}, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CancelRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Artifact downloads the content of one artifact of a run.
func (c *Client) Artifact(ctx context.Context, runID, artifactType string) (string, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s/artifacts/%s", url.PathEscape(runID), url.PathEscape(artifactType)), nil, &buf)
	return buf.String(), err
}

// Events lists lifecycle events. A zero after returns the most recent ones.
func (c *Client) Events(ctx context.Context, runID string, after int64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stream calls fn with every snapshot of the run until the stream ends or fn returns an
// error. It returns the last snapshot received.
func (c *Client) Stream(ctx context.Context, runID string, fn func(Run) error) (Run, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("runs/%s/stream", url.PathEscape(runID)), nil)
	if err != nil {
		return Run{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	client := &http.Client{}
	if c.HTTPClient != nil {
		client = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Run{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Run{}, apiError(resp)
	}

	var last Run
	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			switch event {
			case "snapshot":
				var run Run
				if err := json.Unmarshal(data, &run); err != nil {
					return last, fmt.Errorf("decode snapshot: %w", err)
				}
				last = run
				if err := fn(run); err != nil {
					return last, err
				}
			case "error":
				var body struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				_ = json.Unmarshal(data, &body)
				return last, &APIError{StatusCode: http.StatusOK, Code: body.Code, Message: body.Message, Body: string(data)}
			}
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return last, err
	}
	return last, ctx.Err()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	switch o := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	e := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	return e
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
