package controllers

import (
	"strconv"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/services"
	"github.com/curaious/relay/internal/services/memory"
)

type historyMessage struct {
	ID      int64  `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	StepID  string `json:"stepId"`
	Seq     int    `json:"seq"`
}

// RegisterConversationRoutes mounts read access to finalized conversation
// history.
func RegisterConversationRoutes(r *router.Router, svc *services.Services) {
	r.GET("/api/orchestrator/conversations/{conversationId}/messages", func(reqCtx *fasthttp.RequestCtx) {
		ctx := requestContext(reqCtx)

		conversationID, err := pathParam(reqCtx, "conversationId")
		if err != nil {
			writeError(reqCtx, ctx, "Invalid request", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}
		userID, err := requireStringQuery(reqCtx, "userId")
		if err != nil {
			writeError(reqCtx, ctx, "Invalid request", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}

		limit := 0
		if raw := reqCtx.QueryArgs().Peek("limit"); len(raw) > 0 {
			if parsed, err := strconv.Atoi(string(raw)); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		rows, err := svc.Memory.GetContext(ctx, userID, conversationID, limit)
		if err != nil {
			writeError(reqCtx, ctx, "Failed to load conversation", err)
			return
		}

		writeOK(reqCtx, ctx, "conversation messages", toHistory(rows))
	})
}

func toHistory(rows []memory.ConversationMessage) []historyMessage {
	out := make([]historyMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyMessage{
			ID:      row.ID,
			Role:    row.Role,
			Content: row.Content,
			StepID:  row.StepID,
			Seq:     row.Seq,
		})
	}
	return out
}
