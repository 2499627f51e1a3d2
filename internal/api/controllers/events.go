package controllers

import (
	"bufio"
	"fmt"

	json "github.com/bytedance/sonic"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/services"
	"github.com/curaious/relay/pkg/orchestrator"
)

// RegisterEventRoutes mounts the step event stream. Any number of watchers
// can follow a step over SSE, independent of the connection that started it.
func RegisterEventRoutes(r *router.Router, svc *services.Services) {
	r.GET("/api/orchestrator/steps/{stepId}/events", func(reqCtx *fasthttp.RequestCtx) {
		baseCtx := requestContext(reqCtx)
		ctx, span := tracer.Start(baseCtx, "Controller.StepEvents")

		stepID, err := pathParam(reqCtx, "stepId")
		if err != nil {
			span.End()
			writeError(reqCtx, ctx, "Invalid step id", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}
		span.SetAttributes(attribute.String("step_id", stepID))

		events, cancel := svc.Hub.Subscribe(stepID)

		reqCtx.Response.Header.Set("content-type", "text/event-stream")
		reqCtx.Response.Header.Set("cache-control", "no-cache")
		reqCtx.Response.Header.Set("connection", "keep-alive")

		reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
			defer span.End()
			defer cancel()
			defer w.Flush()

			for ev := range events {
				// Heartbeats go out as comments so idle proxies keep the
				// connection open without growing client event logs.
				if ev.Event == orchestrator.EventPing {
					_, _ = fmt.Fprintf(w, ": ping %s\n\n", ev.TS)
					_ = w.Flush()
					continue
				}

				buf, err := json.Marshal(ev)
				if err != nil {
					continue
				}

				_, _ = fmt.Fprintf(w, "event: %s\n", ev.Event)
				_, _ = fmt.Fprintf(w, "data: %s\n\n", buf)
				_ = w.Flush()

				if ev.Event == orchestrator.EventDone {
					return
				}
			}
		})
	})
}
