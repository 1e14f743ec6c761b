package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/domain"
)

type streamEvent struct {
	RunID string      `json:"run_id"`
	Type  string      `json:"type"`
	State runResponse `json:"state"`
}

// streamRun pushes run deltas as Server-Sent Events. The first event is a
// snapshot. The stream ends once the run is terminal and its last leg has
// finished, when the subscription is closed, or when the client goes away.
// Dropped deltas are recovered by polling GET /runs/:id.
func (h *HandlerSet) streamRun(ctx *fiber.Ctx) error {
	runID := ctx.Params("id")
	deltas, cancel, err := h.deps.Dialer.Subscribe(runID)
	if err != nil {
		return translateError(err)
	}
	snapshot, err := h.deps.Dialer.GetRunState(ctx.Context(), runID)
	if err != nil {
		cancel()
		return translateError(err)
	}

	ctx.Set(fiber.HeaderContentType, "text/event-stream")
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set(fiber.HeaderConnection, "keep-alive")
	ctx.Set("X-Accel-Buffering", "no")

	keepAlive := h.deps.KeepAlive
	lg := h.deps.Logger.WithRun(runID)

	ctx.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		if err := writeEvent(w, "snapshot", snapshot); err != nil {
			return
		}
		if streamFinished(snapshot) {
			return
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case d, ok := <-deltas:
				if !ok {
					return
				}
				if err := writeEvent(w, string(d.Type), d.Run); err != nil {
					lg.Debug("stream: client gone", zap.Error(err))
					return
				}
				if streamFinished(d.Run) {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

// streamFinished reports whether no further deltas can follow. A stopped run
// keeps answered legs up until they hang up.
func streamFinished(run domain.DialerRun) bool {
	return run.Status.Terminal() && len(run.ActiveLegs) == 0
}

func writeEvent(w *bufio.Writer, eventType string, run domain.DialerRun) error {
	payload, err := json.Marshal(streamEvent{RunID: run.ID, Type: eventType, State: toRunResponse(run)})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	return w.Flush()
}
