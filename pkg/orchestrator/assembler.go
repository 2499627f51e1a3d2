package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/curaious/relay/pkg/llm"
	"github.com/curaious/relay/pkg/tools"
)

// Tool context render modes. ALL_TOOL replays full tool traffic;
// CURRENT_TOOL_HISTORY_SUMMARY keeps the running step's tool traffic and
// summarizes prior steps; ALL_SUMMARY summarizes everything.
const (
	RenderAllTool                   = "ALL_TOOL"
	RenderCurrentToolHistorySummary = "CURRENT_TOOL_HISTORY_SUMMARY"
	RenderAllSummary                = "ALL_SUMMARY"
)

const systemDirective = "You are a helpful assistant for this workspace. " +
	"Use the available tools when they help answer the user, and answer " +
	"directly when they do not."

// Assembler renders the model-facing message list for a step from the
// conversation memory.
type Assembler struct {
	memory Memory
	now    func() time.Time
}

func NewAssembler(memory Memory) *Assembler {
	return &Assembler{memory: memory, now: time.Now}
}

// Assemble builds the message list and its context hash. Drafts of the
// running step are always visible so tool rounds inside one step see their
// own results.
func (a *Assembler) Assemble(ctx context.Context, scope StepScope, stepID string, cfg *RunConfig) ([]llm.Message, string, error) {
	rows, err := a.memory.HistoryUptoStep(ctx, scope.UserID, scope.ConversationID, stepID, cfg.MemoryMaxMessages)
	if err != nil {
		return nil, "", err
	}

	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("%s\nCurrent date: %s", systemDirective, a.now().UTC().Format("2006-01-02")),
	}}

	mode := cfg.RenderMode
	if mode == "" {
		mode = RenderAllTool
	}

	for _, row := range rows {
		rendered, ok := renderRow(row, stepID, mode)
		if ok {
			messages = append(messages, rendered)
		}
	}

	canonical, err := tools.Canonicalize(messages, nil)
	if err != nil {
		return nil, "", err
	}

	return messages, tools.HashBytes(canonical), nil
}

// renderRow converts one stored row. Tool traffic outside the full-replay
// window collapses to a one-line summary pointing at the stored message, so
// the transcript stays verifiable without resending large results.
func renderRow(row StoredMessage, currentStepID, mode string) (llm.Message, bool) {
	full := mode == RenderAllTool ||
		(mode == RenderCurrentToolHistorySummary && row.StepID == currentStepID)

	switch row.Role {
	case llm.RoleTool:
		name, _ := row.Payload["name"].(string)
		if full {
			callID, _ := row.Payload["tool_call_id"].(string)
			return llm.Message{
				Role:       llm.RoleTool,
				Content:    row.Content,
				ToolCallID: callID,
				Name:       name,
			}, true
		}
		return llm.Message{
			Role:    llm.RoleAssistant,
			Content: fmt.Sprintf("[tool %s result stored as message %d]", name, row.ID),
		}, true

	case llm.RoleAssistant:
		calls := toolCallsFromPayload(row.Payload)
		if len(calls) == 0 {
			return llm.Message{Role: llm.RoleAssistant, Content: row.Content}, true
		}
		if full {
			return llm.Message{
				Role:      llm.RoleAssistant,
				Content:   row.Content,
				ToolCalls: calls,
			}, true
		}
		// Summarized modes drop the call frame; the paired tool summaries
		// carry the provenance.
		return llm.Message{}, false

	default:
		return llm.Message{Role: row.Role, Content: row.Content}, true
	}
}

func toolCallsFromPayload(payload map[string]any) []llm.ToolCall {
	raw, ok := payload["tool_calls"].([]any)
	if !ok {
		return nil
	}

	calls := make([]llm.ToolCall, 0, len(raw))
	for _, member := range raw {
		obj, ok := member.(map[string]any)
		if !ok {
			continue
		}
		call := llm.ToolCall{}
		call.ID, _ = obj["id"].(string)
		call.Name, _ = obj["name"].(string)
		call.Arguments, _ = obj["arguments"].(string)
		if call.ID != "" && call.Name != "" {
			calls = append(calls, call)
		}
	}
	return calls
}
