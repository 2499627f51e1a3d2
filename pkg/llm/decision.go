package llm

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("DecisionAdapter")

// Decision is the normalized outcome of one model call: the tool calls to
// run (ids always populated) and the assistant draft text accumulated so far.
type Decision struct {
	ToolCalls      []ToolCall
	AssistantDraft string
}

// Adapter converts an assembled message list plus tool manifest into a
// Decision, optionally mirroring streamed draft tokens to an observer.
type Adapter struct {
	provider Provider
	model    string

	// fallbackToBlocking retries a failed stream open with a blocking call
	// before surfacing the error.
	fallbackToBlocking bool
}

func NewAdapter(provider Provider, model string) *Adapter {
	return &Adapter{provider: provider, model: model, fallbackToBlocking: true}
}

// request applies the tool-choice policy. parallel_tool_calls is disabled
// whenever any tool is allowed so execution order stays deterministic.
func (a *Adapter) request(messages []Message, manifest []FunctionDecl, choice *ToolChoice) *ChatRequest {
	req := &ChatRequest{
		Model:    a.model,
		Messages: messages,
	}

	switch {
	case choice != nil && choice.Mode == ToolChoiceNone:
		// no tools
	case choice != nil && choice.Forced != "":
		for _, decl := range manifest {
			if decl.Name == choice.Forced {
				req.Tools = []FunctionDecl{decl}
				break
			}
		}
		req.ToolChoice = choice
	default:
		req.Tools = manifest
	}

	if len(req.Tools) > 0 {
		disabled := false
		req.ParallelToolCalls = &disabled
	}

	return req
}

// DecideBlocking performs one blocking model call.
func (a *Adapter) DecideBlocking(ctx context.Context, messages []Message, manifest []FunctionDecl, choice *ToolChoice) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "DecisionAdapter.DecideBlocking")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model), attribute.Int("tools.count", len(manifest)))

	resp, err := a.provider.NewChat(ctx, a.request(messages, manifest, choice))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return normalize(resp.Content, resp.ToolCalls), nil
}

// DecideStreaming performs one streaming model call, invoking onDelta for
// every non-empty draft token as it arrives.
func (a *Adapter) DecideStreaming(ctx context.Context, messages []Message, manifest []FunctionDecl, choice *ToolChoice, onDelta func(delta string)) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "DecisionAdapter.DecideStreaming")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model), attribute.Int("tools.count", len(manifest)))

	stream, err := a.provider.NewStreamingChat(ctx, a.request(messages, manifest, choice))
	if err != nil {
		span.RecordError(err)
		if !a.fallbackToBlocking {
			return nil, err
		}
		slog.WarnContext(ctx, "streaming decision failed, falling back to blocking", slog.Any("error", err))
		return a.DecideBlocking(ctx, messages, manifest, choice)
	}

	var draft string
	var calls []ToolCall
	for chunk := range stream {
		if chunk.Err != nil {
			span.RecordError(chunk.Err)
			return nil, chunk.Err
		}
		// Drop empty control frames.
		if chunk.ContentDelta == "" && len(chunk.ToolCalls) == 0 {
			continue
		}
		if chunk.ContentDelta != "" {
			draft += chunk.ContentDelta
			if onDelta != nil {
				onDelta(chunk.ContentDelta)
			}
		}
		calls = append(calls, chunk.ToolCalls...)
	}

	return normalize(draft, calls), nil
}

// normalize mints ids for tool calls the model left unidentified.
func normalize(draft string, calls []ToolCall) *Decision {
	normalized := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		normalized = append(normalized, call)
	}

	return &Decision{
		ToolCalls:      normalized,
		AssistantDraft: draft,
	}
}
