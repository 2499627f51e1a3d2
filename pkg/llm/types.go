package llm

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the model-ready message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on tool messages carrying a result.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a single function call requested by the model. Arguments is
// the raw JSON string exactly as the model produced it; canonicalization
// happens downstream, before hashing.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionDecl is an OpenAI-style function declaration.
type FunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool-choice policy for a chat request.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// ToolChoice selects which tools the model may call. Forced restricts the
// allowed set to exactly one function.
type ToolChoice struct {
	Mode   string `json:"mode"`
	Forced string `json:"forced,omitempty"`
}

// ChatRequest is the provider-facing request shape.
type ChatRequest struct {
	Model             string         `json:"model"`
	Messages          []Message      `json:"messages"`
	Tools             []FunctionDecl `json:"tools,omitempty"`
	ToolChoice        *ToolChoice    `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool          `json:"parallel_tool_calls,omitempty"`
}

// ChatResponse is the provider's complete (non-streaming) answer.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Chunk is one frame of a streaming chat response. Control frames with no
// delta and no tool calls are dropped by the accumulator.
type Chunk struct {
	ContentDelta string     `json:"content_delta,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Err          error      `json:"-"`
}
