package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"boardroom/internal/app"
	"boardroom/internal/domain"
)

// registerStream exposes the live snapshot stream of a run as server-sent events. The
// current state comes first; the stream ends after the terminal snapshot. Lookup
// failures are reported as a single error event since headers are already sent.
func registerStream(api huma.API, a *app.App) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/stream",
		Summary:     "Stream run snapshots",
	}, map[string]any{
		"snapshot": domain.Run{},
		"error":    apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}, send sse.Sender) {
		updates, stop, err := a.Watch(ctx, input.RunID)
		if err != nil {
			send.Data(errorBody(err))
			return
		}
		defer stop()
		seq := 0
		for {
			select {
			case run, ok := <-updates:
				if !ok {
					return
				}
				seq++
				if err := send(sse.Message{ID: seq, Data: run}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

func errorBody(err error) apiErrorBody {
	if ae, ok := handleError(err).(*apiError); ok {
		return ae.Body
	}
	return apiErrorBody{Code: "internal_error", Message: err.Error()}
}
