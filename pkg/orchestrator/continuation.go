package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	json "github.com/bytedance/sonic"

	"github.com/curaious/relay/pkg/llm"
	"github.com/curaious/relay/pkg/tools"
)

// ingestClientResults persists the client's answers as draft tool rows and
// marks the corresponding calls satisfied. Re-ingesting an already answered
// call upserts the same row, so retried resumes are harmless.
func (d *Driver) ingestClientResults(ctx context.Context, scope StepScope, stepID string, results []ClientResult, send func(*Event)) error {
	if len(results) == 0 {
		return nil
	}

	seq, err := d.nextSeq(ctx, scope, stepID)
	if err != nil {
		return err
	}

	satisfied := make([]string, 0, len(results))
	for _, result := range results {
		status := normalizeStatus(result.Status)

		content, err := json.Marshal(result.Payload)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"tool_call_id": result.ToolCallID,
			"name":         result.Name,
			"status":       status,
			"client":       true,
		}
		if result.Args != nil {
			payload["args"] = result.Args
		}

		if err := d.memory.Save(ctx, scope.UserID, scope.ConversationID, &MessageWrite{
			Role:    llm.RoleTool,
			Content: string(content),
			Payload: payload,
			StepID:  stepID,
			Seq:     seq,
		}); err != nil {
			return err
		}
		seq++

		satisfied = append(satisfied, result.ToolCallID)

		frame := &tools.Result{
			CallID: result.ToolCallID,
			Name:   result.Name,
			Status: status,
			Data:   result.Payload,
		}
		if args, ok := result.Args.(map[string]any); ok {
			frame.Args = args
		}
		send(NewEvent(EventStep, toolFrame(frame)))
	}

	d.steps.MarkSatisfied(stepID, satisfied)

	slog.InfoContext(ctx, "ingested client results",
		slog.String("stepId", stepID),
		slog.Int("results", len(satisfied)),
	)
	return nil
}

// normalizeStatus maps loose client statuses onto the two result statuses.
func normalizeStatus(status string) string {
	switch strings.ToUpper(status) {
	case "", tools.StatusSuccess, "OK":
		return tools.StatusSuccess
	default:
		return tools.StatusError
	}
}
