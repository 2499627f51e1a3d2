package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("ToolPipeline")

// Ledger is the durable dedup record of past tool executions, keyed by
// canonical args within a (user, conversation) scope.
type Ledger interface {
	// LookupSuccess returns the stored result for a non-expired SUCCESS row.
	LookupSuccess(ctx context.Context, userID, conversationID, toolName, argsHash string) (resultJSON []byte, ok bool, err error)

	// RecordExecution upserts the ledger row and links it into the audit chain.
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
}

// ExecutionRecord is one ledger upsert.
type ExecutionRecord struct {
	UserID         string
	ConversationID string
	ToolName       string
	ArgsHash       string
	Status         string
	ArgsJSON       []byte
	ResultJSON     []byte
	Reused         bool
	TTLSeconds     int
}

// ExecOptions is the per-call slice of runtime settings the pipeline obeys.
type ExecOptions struct {
	Toggles           map[string]bool
	DedupEnabled      bool
	DefaultTTLSeconds int
	MaxTTLSeconds     int
	IgnoreArgs        []string
	CallTimeout       time.Duration
	Force             bool
}

// Pipeline executes server tool calls with toggle enforcement, scope arg
// injection, canonical dedup and cache reuse.
type Pipeline struct {
	registry *Registry
	ledger   Ledger
	cache    *ResultCache
}

func NewPipeline(registry *Registry, ledger Ledger, cache *ResultCache) *Pipeline {
	if cache == nil {
		cache = NewResultCache(256, 5*time.Minute)
	}
	return &Pipeline{registry: registry, ledger: ledger, cache: cache}
}

// Execute runs one server tool call. Failures come back as a structured
// Result with StatusError; the error return is reserved for canonicalization
// faults that make the call unidentifiable.
func (p *Pipeline) Execute(ctx context.Context, callID, name string, rawArgs string, userID, conversationID string, opts ExecOptions) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ToolPipeline.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", callID),
	)

	// Toggle check happens before anything touches the ledger.
	if enabled, configured := opts.Toggles[name]; configured && !enabled {
		slog.WarnContext(ctx, "tool is disabled", slog.String("tool", name))
		return &Result{
			CallID: callID,
			Name:   name,
			Status: StatusError,
			Data:   map[string]any{"message": fmt.Sprintf("DISABLED: tool %s is disabled", name)},
		}, nil
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := sonic.Unmarshal([]byte(rawArgs), &args); err != nil {
			return &Result{
				CallID: callID,
				Name:   name,
				Status: StatusError,
				Data:   map[string]any{"message": fmt.Sprintf("invalid tool arguments: %v", err)},
			}, nil
		}
	}

	ShapeArgs(args, userID, conversationID)

	ignore := IgnoreSet(opts.IgnoreArgs)
	argsHash, canonical, err := ArgsHash(args, ignore)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to canonicalize args for %s: %w", name, err)
	}
	span.SetAttributes(attribute.String("tool.args_hash", argsHash))

	dedup := opts.DedupEnabled && !opts.Force

	// Intra-process cache first, then the durable ledger.
	if dedup {
		if cached, ok := p.cache.Get(name, argsHash); ok {
			return &Result{CallID: callID, Name: name, Reused: true, Status: StatusSuccess, Args: args, Data: cached}, nil
		}

		if p.ledger != nil {
			stored, ok, err := p.ledger.LookupSuccess(ctx, userID, conversationID, name, argsHash)
			if err != nil {
				slog.WarnContext(ctx, "ledger lookup failed", slog.String("tool", name), slog.Any("error", err))
			} else if ok {
				var data any
				if err := sonic.Unmarshal(stored, &data); err == nil {
					p.cache.Put(name, argsHash, data)
					return &Result{CallID: callID, Name: name, Reused: true, Status: StatusSuccess, Args: args, Data: data}, nil
				}
			}
		}
	}

	tool, ok := p.registry.Get(name)
	if !ok {
		return &Result{
			CallID: callID,
			Name:   name,
			Status: StatusError,
			Args:   args,
			Data:   map[string]any{"message": fmt.Sprintf("unknown tool: %s", name)},
		}, nil
	}

	execCtx := ctx
	if opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.CallTimeout)
		defer cancel()
	}

	data, execErr := tool.Execute(execCtx, args)
	if execErr != nil {
		slog.ErrorContext(ctx, "tool execution failed", slog.String("tool", name), slog.Any("error", execErr))
		span.RecordError(execErr)

		if p.ledger != nil {
			rec := &ExecutionRecord{
				UserID:         userID,
				ConversationID: conversationID,
				ToolName:       name,
				ArgsHash:       argsHash,
				Status:         StatusError,
				ArgsJSON:       canonical,
				ResultJSON:     mustJSON(map[string]any{"message": execErr.Error()}),
			}
			if err := p.ledger.RecordExecution(ctx, rec); err != nil {
				slog.WarnContext(ctx, "failed to record error execution", slog.String("tool", name), slog.Any("error", err))
			}
		}

		return &Result{
			CallID: callID,
			Name:   name,
			Status: StatusError,
			Args:   args,
			Data:   map[string]any{"message": execErr.Error()},
		}, nil
	}

	resultJSON, err := sonic.Marshal(data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to encode result of %s: %w", name, err)
	}

	if p.ledger != nil {
		rec := &ExecutionRecord{
			UserID:         userID,
			ConversationID: conversationID,
			ToolName:       name,
			ArgsHash:       argsHash,
			Status:         StatusSuccess,
			ArgsJSON:       canonical,
			ResultJSON:     resultJSON,
			TTLSeconds:     effectiveTTL(args, opts),
		}
		if err := p.ledger.RecordExecution(ctx, rec); err != nil {
			slog.WarnContext(ctx, "failed to record execution", slog.String("tool", name), slog.Any("error", err))
		}
	}

	p.cache.Put(name, argsHash, data)

	return &Result{CallID: callID, Name: name, Status: StatusSuccess, Args: args, Data: data}, nil
}

// ShapeArgs merges the scope fallback into the call args. The two scope keys
// are protected: the caller's scope always overwrites model-supplied values,
// including the snake_case aliases when present.
func ShapeArgs(args map[string]any, userID, conversationID string) {
	args["userId"] = userID
	args["conversationId"] = conversationID

	if _, ok := args["user_id"]; ok {
		args["user_id"] = userID
	}
	if _, ok := args["conversation_id"]; ok {
		args["conversation_id"] = conversationID
	}
}

// effectiveTTL honors a caller ttlSeconds override only when it exceeds the
// configured default, capped at the ceiling.
func effectiveTTL(args map[string]any, opts ExecOptions) int {
	ttl := opts.DefaultTTLSeconds

	if raw, ok := args["ttlSeconds"]; ok {
		if requested, ok := asInt(raw); ok && requested > ttl {
			ttl = requested
		}
	}

	if opts.MaxTTLSeconds > 0 && ttl > opts.MaxTTLSeconds {
		ttl = opts.MaxTTLSeconds
	}

	return ttl
}

func asInt(v any) (int, bool) {
	switch value := v.(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	case json.Number:
		n, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func mustJSON(v any) []byte {
	buf, err := sonic.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return buf
}
