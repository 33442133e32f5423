package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/internal/app"
	"boardroom/internal/config"
	"boardroom/internal/domain"
)

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Boardroom-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), Config: config.Default(), Generator: instant})
	require.NoError(t, err)
	defer a.Close()

	d := NewWebhookDispatcher(a.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"run.succeeded"}, Secret: "k"}}, zerolog.Nop())
	p, err := a.CreateProject(ctx, "X")
	require.NoError(t, err)
	run, err := a.StartRun(ctx, p.ID, []domain.Role{domain.RolePM})
	require.NoError(t, err)
	_, err = a.WaitRun(ctx, run.ID)
	require.NoError(t, err)

	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "run.succeeded", got[0].Type)
	assert.Equal(t, run.ID, got[0].RunID)
	assert.Equal(t, "k", secrets[0])
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	var mu sync.Mutex
	fail := true
	delivered := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		delivered++
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), Config: config.Default(), Generator: instant})
	require.NoError(t, err)
	defer a.Close()
	_, err = a.CreateProject(ctx, "X")
	require.NoError(t, err)

	d := NewWebhookDispatcher(a.Repo, []config.WebhookConfig{{URL: hook.URL}}, zerolog.Nop())
	d.DispatchAll(ctx)
	mu.Lock()
	fail = false
	mu.Unlock()
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestWebhookDeliversBacklogFromEmptyLog(t *testing.T) {
	var mu sync.Mutex
	var ids []int64
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		ids = append(ids, evt.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), Config: config.Default(), Generator: instant})
	require.NoError(t, err)
	defer a.Close()

	d := NewWebhookDispatcher(a.Repo, []config.WebhookConfig{{URL: hook.URL}}, zerolog.Nop())
	start, err := d.latestEventID(ctx)
	require.NoError(t, err)
	require.Zero(t, start)
	d.setCursor(0, start)

	const total = defaultWebhookBatch + 50
	for i := 0; i < total; i++ {
		_, err := a.CreateProject(ctx, "idea")
		require.NoError(t, err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, total)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
}
