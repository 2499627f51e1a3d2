package controllers

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/services"
	"github.com/curaious/relay/internal/services/memory"
)

type auditReport struct {
	Messages       *memory.VerifyReport `json:"messages"`
	ToolExecutions *memory.VerifyReport `json:"toolExecutions"`
}

// RegisterAuditRoutes mounts chain verification. Both timelines of a scope
// are replayed and any broken links reported.
func RegisterAuditRoutes(r *router.Router, svc *services.Services) {
	r.GET("/api/orchestrator/audit/verify", func(reqCtx *fasthttp.RequestCtx) {
		baseCtx := requestContext(reqCtx)
		ctx, span := tracer.Start(baseCtx, "Controller.AuditVerify")
		defer span.End()

		userID, err := requireStringQuery(reqCtx, "userId")
		if err != nil {
			writeError(reqCtx, ctx, "Invalid request", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}
		conversationID, err := requireStringQuery(reqCtx, "conversationId")
		if err != nil {
			writeError(reqCtx, ctx, "Invalid request", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}
		span.SetAttributes(
			attribute.String("user_id", userID),
			attribute.String("conversation_id", conversationID),
		)

		messages, err := svc.Memory.Verify(ctx, userID, conversationID)
		if err != nil {
			writeError(reqCtx, ctx, "Failed to verify message chain", err)
			return
		}

		executions, err := svc.Ledger.Verify(ctx, userID, conversationID)
		if err != nil {
			writeError(reqCtx, ctx, "Failed to verify tool execution chain", err)
			return
		}

		writeOK(reqCtx, ctx, "audit report", &auditReport{
			Messages:       messages,
			ToolExecutions: executions,
		})
	})
}
