package orchestrator

import (
	"context"
	"time"

	"github.com/curaious/relay/pkg/llm"
)

// StoredMessage is the memory row shape the orchestrator works with. The
// persistence layer adapts its own rows to this.
type StoredMessage struct {
	ID      int64
	Role    string
	Content string
	Payload map[string]any
	StepID  string
	Seq     int
	Final   bool
}

// MessageWrite is one message the driver records under a step. Writes land
// as drafts; PromoteStep flips them when the step terminates cleanly.
type MessageWrite struct {
	Role    string
	Content string
	Payload map[string]any
	StepID  string
	Seq     int
}

// Memory is the conversation store surface the driver and assembler need.
type Memory interface {
	Save(ctx context.Context, userID, conversationID string, msg *MessageWrite) error
	History(ctx context.Context, userID, conversationID string, limit int) ([]StoredMessage, error)
	HistoryUptoStep(ctx context.Context, userID, conversationID, stepID string, limit int) ([]StoredMessage, error)
	StepMessages(ctx context.Context, userID, conversationID, stepID string) ([]StoredMessage, error)
	FindStepIDByToolCallID(ctx context.Context, userID, conversationID, toolCallID string) (string, error)
	MaxSeq(ctx context.Context, userID, conversationID, stepID string) (int, error)
	PromoteStep(ctx context.Context, userID, conversationID, stepID string) error
}

// RunConfig is the settings snapshot one step runs under. A step never
// observes a mid-flight settings change.
type RunConfig struct {
	Model             string
	ToolsMaxLoops     int
	ToolToggles       map[string]bool
	MemoryMaxMessages int
	ClientTimeout     time.Duration
	StreamTimeout     time.Duration
	RenderMode        string

	DedupEnabled      bool
	DefaultTTLSeconds int
	MaxTTLSeconds     int
	IgnoreArgs        []string
}

// ClientResult is one answered client-side tool call in a resume payload.
type ClientResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Payload    any    `json:"payload"`
	Args       any    `json:"args,omitempty"`
}

// Response modes for a chat turn. Streaming mirrors draft tokens as message
// deltas; blocking emits the draft only in the terminal frame.
const (
	ResponseModeStream   = "stream"
	ResponseModeBlocking = "blocking"
)

// RequestToolChoice narrows the turn's tool policy. Mode "none" withholds
// every tool; Forced names the one function the first decision must call.
type RequestToolChoice struct {
	Mode   string `json:"mode,omitempty"`
	Forced string `json:"forced,omitempty"`
}

// Request is one chat turn: either a fresh message or a continuation of a
// suspended step.
type Request struct {
	UserID         string             `json:"userId"`
	ConversationID string             `json:"conversationId"`
	Message        string             `json:"message"`
	ClientTools    []llm.FunctionDecl `json:"clientTools,omitempty"`
	ToolChoice     *RequestToolChoice `json:"toolChoice,omitempty"`
	ResponseMode   string             `json:"responseMode,omitempty"`
	ResumeStepID   string             `json:"resumeStepId,omitempty"`
	ClientResults  []ClientResult     `json:"clientResults,omitempty"`
}

func (r *Request) IsResume() bool {
	return r.ResumeStepID != ""
}
