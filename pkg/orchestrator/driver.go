package orchestrator

import (
	"context"
	"log/slog"

	json "github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/pkg/llm"
	"github.com/curaious/relay/pkg/tools"
)

var tracer = otel.Tracer("Orchestrator")

// Driver runs one step at a time: decide, execute server calls, continue or
// suspend, finalize. Every run drives two channels at once, the caller's
// emit and the step hub.
type Driver struct {
	provider  llm.Provider
	registry  *tools.Registry
	pipeline  *tools.Pipeline
	memory    Memory
	assembler *Assembler
	steps     *StepStore
	hub       StepHub
}

func NewDriver(provider llm.Provider, registry *tools.Registry, pipeline *tools.Pipeline, memory Memory, steps *StepStore, hub StepHub) *Driver {
	if hub == nil {
		hub = NopHub{}
	}
	return &Driver{
		provider:  provider,
		registry:  registry,
		pipeline:  pipeline,
		memory:    memory,
		assembler: NewAssembler(memory),
		steps:     steps,
		hub:       hub,
	}
}

// Run executes one chat turn under the given settings snapshot. The returned
// error is also reported in-band as an error event; a suspension is not an
// error.
func (d *Driver) Run(ctx context.Context, req *Request, cfg *RunConfig, emit func(*Event)) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.Bool("resume", req.IsResume()),
	)

	if cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StreamTimeout)
		defer cancel()
	}

	if req.IsResume() {
		return d.resume(ctx, req, cfg, emit)
	}
	return d.start(ctx, req, cfg, emit)
}

func (d *Driver) start(ctx context.Context, req *Request, cfg *RunConfig, emit func(*Event)) error {
	stepID := uuid.NewString()
	scope := StepScope{UserID: req.UserID, ConversationID: req.ConversationID}

	if err := d.steps.Bind(stepID, scope); err != nil {
		return err
	}
	unlock := d.steps.Lock(stepID)
	defer unlock()

	send := d.sender(stepID, emit)
	send(NewEvent(EventStarted, map[string]any{
		"stepId":         stepID,
		"conversationId": req.ConversationID,
		"loop":           0,
	}))

	if err := d.memory.Save(ctx, scope.UserID, scope.ConversationID, &MessageWrite{
		Role:    llm.RoleUser,
		Content: req.Message,
		StepID:  stepID,
		Seq:     0,
	}); err != nil {
		return d.fail(ctx, scope, stepID, 0, send, perrors.ErrCodeInternalServer, err)
	}

	return d.loop(ctx, scope, stepID, req, cfg, send, 0)
}

func (d *Driver) resume(ctx context.Context, req *Request, cfg *RunConfig, emit func(*Event)) error {
	stepID := req.ResumeStepID
	scope := StepScope{UserID: req.UserID, ConversationID: req.ConversationID}

	callIDs := make([]string, 0, len(req.ClientResults))
	for _, result := range req.ClientResults {
		callIDs = append(callIDs, result.ToolCallID)
	}

	if err := d.steps.ValidateResume(stepID, scope, callIDs); err != nil {
		return err
	}

	// The store is the authority on issued calls; memory cross-checks that no
	// id is being replayed from another step.
	for _, id := range callIDs {
		owner, err := d.memory.FindStepIDByToolCallID(ctx, scope.UserID, scope.ConversationID, id)
		if err != nil {
			return err
		}
		if owner != "" && owner != stepID {
			return perrors.NewErrBadRequest("tool_call_id belongs to a different step", nil,
				map[string]interface{}{"tool_call_id": id})
		}
	}

	unlock := d.steps.Lock(stepID)
	defer unlock()

	loops := d.steps.LoopCount(stepID)

	send := d.sender(stepID, emit)
	send(NewEvent(EventStarted, map[string]any{
		"stepId":         stepID,
		"conversationId": req.ConversationID,
		"resumed":        true,
		"loop":           loops,
	}))

	if err := d.ingestClientResults(ctx, scope, stepID, req.ClientResults, send); err != nil {
		return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
	}

	// A partial answer leaves the step suspended on the remainder.
	if pending := d.steps.UnsatisfiedClientCalls(stepID); len(pending) > 0 {
		send(NewEvent(EventStep, map[string]any{
			"type":   StepClientCalls,
			"stepId": stepID,
			"calls":  pending,
		}))
		slog.InfoContext(ctx, "step still waiting on client calls",
			slog.String("stepId", stepID),
			slog.Int("pending", len(pending)),
		)
		return nil
	}

	return d.loop(ctx, scope, stepID, req, cfg, send, loops)
}

// sender mirrors every frame onto the step hub.
func (d *Driver) sender(stepID string, emit func(*Event)) func(*Event) {
	return func(ev *Event) {
		if emit != nil {
			emit(ev)
		}
		d.hub.Publish(stepID, ev)
	}
}

// loop is the single decision path. It exits by finalizing, suspending on
// client calls, or failing the step.
func (d *Driver) loop(ctx context.Context, scope StepScope, stepID string, req *Request, cfg *RunConfig, send func(*Event), loops int) error {
	manifest := tools.BuildManifest(d.registry, cfg.ToolToggles, req.ClientTools)
	adapter := llm.NewAdapter(d.provider, cfg.Model)
	requested := requestedChoice(req.ToolChoice)

	// In-step executed set: a repeated identical call inside one step reuses
	// the first result without touching the ledger again.
	executed := map[string]*tools.Result{}

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeCancelled, err)
		}

		d.steps.SetLoopCount(stepID, loops)

		messages, contextHash, err := d.assembler.Assemble(ctx, scope, stepID, cfg)
		if err != nil {
			return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
		}

		choice := &llm.ToolChoice{Mode: llm.ToolChoiceAuto}
		switch {
		case loops >= cfg.ToolsMaxLoops:
			choice = &llm.ToolChoice{Mode: llm.ToolChoiceNone}
		case requested != nil && requested.Mode == llm.ToolChoiceNone:
			choice = requested
		case requested != nil && requested.Forced != "" && first:
			// A forced function binds the first decision only; follow-up
			// decisions go back to auto so the step can conclude.
			choice = requested
		}
		first = false

		send(NewEvent(EventStep, map[string]any{
			"type":        StepDecision,
			"loop":        loops,
			"contextHash": contextHash,
		}))

		var decision *llm.Decision
		if req.ResponseMode == ResponseModeBlocking {
			decision, err = adapter.DecideBlocking(ctx, messages, manifest.Declarations(), choice)
		} else {
			decision, err = adapter.DecideStreaming(ctx, messages, manifest.Declarations(), choice, func(delta string) {
				send(NewEvent(EventStep, map[string]any{
					"type":  StepMessage,
					"delta": delta,
				}))
			})
		}
		if err != nil {
			if ctx.Err() != nil {
				return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeCancelled, ctx.Err())
			}
			return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeDecisionError, err)
		}

		nextSeq, err := d.nextSeq(ctx, scope, stepID)
		if err != nil {
			return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
		}

		if len(decision.ToolCalls) == 0 {
			return d.finalize(ctx, scope, stepID, decision.AssistantDraft, nextSeq, loops, send)
		}

		if err := d.saveAssistantCalls(ctx, scope, stepID, decision, nextSeq); err != nil {
			return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
		}
		nextSeq++

		serverCalls, clientCalls := splitCalls(decision.ToolCalls, manifest)

		for _, call := range serverCalls {
			result, err := d.executeServerCall(ctx, scope, stepID, call, cfg, executed)
			if err != nil {
				return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
			}

			if err := d.saveToolResult(ctx, scope, stepID, result, nextSeq); err != nil {
				return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
			}
			nextSeq++

			send(NewEvent(EventStep, toolFrame(result)))
		}

		if len(clientCalls) > 0 {
			if err := d.steps.RecordClientCalls(stepID, clientCalls); err != nil {
				return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
			}

			send(NewEvent(EventStep, map[string]any{
				"type":   StepClientCalls,
				"stepId": stepID,
				"calls":  clientCalls,
			}))
			slog.InfoContext(ctx, "step suspended on client calls",
				slog.String("stepId", stepID),
				slog.Int("calls", len(clientCalls)),
			)
			d.steps.SetLoopCount(stepID, loops+1)
			return nil
		}

		loops++
	}
}

func (d *Driver) nextSeq(ctx context.Context, scope StepScope, stepID string) (int, error) {
	max, err := d.memory.MaxSeq(ctx, scope.UserID, scope.ConversationID, stepID)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (d *Driver) saveAssistantCalls(ctx context.Context, scope StepScope, stepID string, decision *llm.Decision, seq int) error {
	calls := make([]any, 0, len(decision.ToolCalls))
	for _, call := range decision.ToolCalls {
		calls = append(calls, map[string]any{
			"id":        call.ID,
			"name":      call.Name,
			"arguments": call.Arguments,
		})
	}

	return d.memory.Save(ctx, scope.UserID, scope.ConversationID, &MessageWrite{
		Role:    llm.RoleAssistant,
		Content: decision.AssistantDraft,
		Payload: map[string]any{"tool_calls": calls},
		StepID:  stepID,
		Seq:     seq,
	})
}

// executeServerCall runs one server-side call through the pipeline, reusing
// the in-step result when the same (tool, canonical args) already ran in
// this step.
func (d *Driver) executeServerCall(ctx context.Context, scope StepScope, stepID string, call llm.ToolCall, cfg *RunConfig, executed map[string]*tools.Result) (*tools.Result, error) {
	key, ok := executedKey(call, scope, cfg)
	if ok {
		if prior, seen := executed[key]; seen {
			reused := *prior
			reused.CallID = call.ID
			reused.Reused = true
			return &reused, nil
		}
	}

	result, err := d.pipeline.Execute(ctx, call.ID, call.Name, call.Arguments, scope.UserID, scope.ConversationID, tools.ExecOptions{
		Toggles:           cfg.ToolToggles,
		DedupEnabled:      cfg.DedupEnabled,
		DefaultTTLSeconds: cfg.DefaultTTLSeconds,
		MaxTTLSeconds:     cfg.MaxTTLSeconds,
		IgnoreArgs:        cfg.IgnoreArgs,
		CallTimeout:       cfg.ClientTimeout,
	})
	if err != nil {
		return nil, err
	}

	if ok && result.Status == tools.StatusSuccess {
		executed[key] = result
	}
	return result, nil
}

// executedKey mirrors the pipeline's identity computation. A call whose args
// cannot be canonicalized gets no in-step key; the pipeline will report the
// fault.
func executedKey(call llm.ToolCall, scope StepScope, cfg *RunConfig) (string, bool) {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", false
		}
	}
	tools.ShapeArgs(args, scope.UserID, scope.ConversationID)

	hash, _, err := tools.ArgsHash(args, tools.IgnoreSet(cfg.IgnoreArgs))
	if err != nil {
		return "", false
	}
	return call.Name + "::" + hash, true
}

func (d *Driver) saveToolResult(ctx context.Context, scope StepScope, stepID string, result *tools.Result, seq int) error {
	content, err := json.Marshal(result.Data)
	if err != nil {
		return err
	}

	return d.memory.Save(ctx, scope.UserID, scope.ConversationID, &MessageWrite{
		Role:    llm.RoleTool,
		Content: string(content),
		Payload: map[string]any{
			"tool_call_id": result.CallID,
			"name":         result.Name,
			"status":       result.Status,
			"reused":       result.Reused,
		},
		StepID: stepID,
		Seq:    seq,
	})
}

// toolFrame flattens one tool outcome into the step event payload.
func toolFrame(result *tools.Result) map[string]any {
	return map[string]any{
		"type":         StepTool,
		"name":         result.Name,
		"tool_call_id": result.CallID,
		"reused":       result.Reused,
		"status":       result.Status,
		"args":         result.Args,
		"data":         result.Data,
	}
}

// finalize persists the final draft, promotes the step's drafts in one go
// and closes both channels.
func (d *Driver) finalize(ctx context.Context, scope StepScope, stepID, content string, seq, loops int, send func(*Event)) error {
	if err := d.memory.Save(ctx, scope.UserID, scope.ConversationID, &MessageWrite{
		Role:    llm.RoleAssistant,
		Content: content,
		StepID:  stepID,
		Seq:     seq,
	}); err != nil {
		return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
	}

	if err := d.memory.PromoteStep(ctx, scope.UserID, scope.ConversationID, stepID); err != nil {
		return d.fail(ctx, scope, stepID, loops, send, perrors.ErrCodeInternalServer, err)
	}

	send(NewEvent(EventFinished, map[string]any{
		"stepId":  stepID,
		"loop":    loops,
		"content": content,
	}))

	d.steps.Clear(stepID)
	d.hub.Complete(stepID)
	return nil
}

// fail reports the error in-band, clears the step and leaves its drafts
// unpromoted for the janitor.
func (d *Driver) fail(ctx context.Context, scope StepScope, stepID string, loops int, send func(*Event), code perrors.ErrCode, cause error) error {
	message := "step failed"
	if cause != nil {
		message = cause.Error()
	}

	send(NewEvent(EventError, map[string]any{
		"stepId":  stepID,
		"loop":    loops,
		"code":    code.Code,
		"message": message,
	}))

	slog.ErrorContext(ctx, "step failed",
		slog.String("stepId", stepID),
		slog.String("conversationId", scope.ConversationID),
		slog.String("code", code.Code),
		slog.Any("error", cause),
	)

	d.steps.Clear(stepID)
	d.hub.Complete(stepID)
	return perrors.New(code, "step failed", cause, map[string]interface{}{"stepId": stepID})
}

func requestedChoice(tc *RequestToolChoice) *llm.ToolChoice {
	if tc == nil {
		return nil
	}
	choice := &llm.ToolChoice{Mode: llm.ToolChoiceAuto, Forced: tc.Forced}
	if tc.Mode == llm.ToolChoiceNone {
		choice.Mode = llm.ToolChoiceNone
	}
	return choice
}

func splitCalls(calls []llm.ToolCall, manifest tools.Manifest) (server []llm.ToolCall, client []ClientCall) {
	for _, call := range calls {
		if manifest.Target(call.Name) == tools.TargetClient {
			client = append(client, ClientCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Arguments,
			})
			continue
		}
		server = append(server, call)
	}
	return server, client
}
