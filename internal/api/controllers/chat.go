package controllers

import (
	"bufio"
	"errors"
	"fmt"

	json "github.com/bytedance/sonic"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/curaious/relay/internal/api/middlewares/ratelimit"
	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/services"
	"github.com/curaious/relay/pkg/orchestrator"
)

var tracer = otel.Tracer("Controller")

// RateLimiter bundles a store with the configured budget.
type RateLimiter struct {
	Store ratelimit.Store
	Limit ratelimit.Limit
}

// RegisterChatRoutes mounts the chat endpoint. The response is an NDJSON
// event stream; request faults are rejected with a JSON envelope before the
// stream starts.
func RegisterChatRoutes(r *router.Router, svc *services.Services, limiter *RateLimiter) {
	r.POST("/api/orchestrator/chat", func(reqCtx *fasthttp.RequestCtx) {
		baseCtx := requestContext(reqCtx)
		ctx, span := tracer.Start(baseCtx, "Controller.Chat")

		var req orchestrator.Request
		if err := parseBody(reqCtx, &req); err != nil {
			span.End()
			writeError(reqCtx, ctx, "Invalid request body", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}

		if err := validateChatRequest(&req); err != nil {
			span.End()
			writeError(reqCtx, ctx, "Invalid request", err)
			return
		}

		span.SetAttributes(
			attribute.String("user_id", req.UserID),
			attribute.String("conversation_id", req.ConversationID),
			attribute.Bool("resume", req.IsResume()),
		)

		if limiter != nil {
			allowed, err := limiter.Store.Allow(ctx, req.UserID, limiter.Limit)
			if err != nil {
				span.End()
				writeError(reqCtx, ctx, "Rate limit check failed", perrors.NewErrInternalServerError("rate limit check failed", err))
				return
			}
			if !allowed {
				span.End()
				writeError(reqCtx, ctx, "Rate limited", perrors.NewErrTooManyRequests("request rate limit exceeded", errors.New("request rate limit exceeded")))
				return
			}
		}

		// Resume payloads are validated before the stream opens so the
		// caller gets a proper 4xx instead of an in-stream error frame.
		if req.IsResume() {
			callIDs := make([]string, 0, len(req.ClientResults))
			for _, result := range req.ClientResults {
				callIDs = append(callIDs, result.ToolCallID)
			}
			scope := orchestrator.StepScope{UserID: req.UserID, ConversationID: req.ConversationID}
			if err := svc.Steps.ValidateResume(req.ResumeStepID, scope, callIDs); err != nil {
				span.End()
				writeError(reqCtx, ctx, "Invalid resume request", err)
				return
			}
		}

		snapshot, err := svc.Settings.Get(ctx)
		if err != nil {
			span.End()
			writeError(reqCtx, ctx, "Failed to load settings", err)
			return
		}
		cfg := services.RunConfigFromSettings(snapshot)

		reqCtx.Response.Header.Set("content-type", "application/x-ndjson")
		reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
			defer span.End()
			defer w.Flush()

			runErr := svc.Driver.Run(ctx, &req, cfg, func(ev *orchestrator.Event) {
				buf, err := json.Marshal(ev)
				if err != nil {
					return
				}

				_, _ = fmt.Fprintf(w, "%s\n", buf)
				_ = w.Flush()
			})
			if runErr != nil {
				// Already reported in-band as an error event.
				span.RecordError(runErr)
				span.SetStatus(codes.Error, runErr.Error())
			}
		})
	})
}

func validateChatRequest(req *orchestrator.Request) error {
	if req.UserID == "" {
		return perrors.NewErrInvalidRequest("userId is required", errors.New("userId is required"))
	}
	if req.ConversationID == "" {
		return perrors.NewErrInvalidRequest("conversationId is required", errors.New("conversationId is required"))
	}
	if !req.IsResume() && req.Message == "" {
		return perrors.NewErrInvalidRequest("message is required", errors.New("message is required"))
	}
	if req.ResponseMode != "" && req.ResponseMode != orchestrator.ResponseModeStream && req.ResponseMode != orchestrator.ResponseModeBlocking {
		return perrors.NewErrInvalidRequest("responseMode must be stream or blocking", errors.New("invalid responseMode"))
	}
	return nil
}
