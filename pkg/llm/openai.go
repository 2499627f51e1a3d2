package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

// OpenAIClientOptions configures the OpenAI-compatible chat client. Any
// endpoint speaking the chat completions dialect works.
type OpenAIClientOptions struct {
	// https://api.openai.com/v1
	BaseURL string
	ApiKey  string
	Headers map[string]string

	transport *http.Client
}

type OpenAIClient struct {
	opts *OpenAIClientOptions
}

func NewOpenAIClient(opts *OpenAIClientOptions) *OpenAIClient {
	if opts.transport == nil {
		opts.transport = http.DefaultClient
	}

	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}

	return &OpenAIClient{opts: opts}
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireRequest struct {
	Model             string        `json:"model"`
	Messages          []wireMessage `json:"messages"`
	Tools             []wireTool    `json:"tools,omitempty"`
	ToolChoice        any           `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
	Stream            bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAIClient) encode(inp *ChatRequest, stream bool) ([]byte, error) {
	req := wireRequest{
		Model:             inp.Model,
		ParallelToolCalls: inp.ParallelToolCalls,
		Stream:            stream,
	}

	for _, msg := range inp.Messages {
		wm := wireMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, call := range msg.ToolCalls {
			wc := wireToolCall{ID: call.ID, Type: "function"}
			wc.Function.Name = call.Name
			wc.Function.Arguments = call.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		req.Messages = append(req.Messages, wm)
	}

	for _, decl := range inp.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			},
		})
	}

	if inp.ToolChoice != nil {
		switch {
		case inp.ToolChoice.Forced != "":
			req.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": inp.ToolChoice.Forced},
			}
		case inp.ToolChoice.Mode != "":
			req.ToolChoice = inp.ToolChoice.Mode
		}
	}

	return sonic.Marshal(req)
}

func (c *OpenAIClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.ApiKey)
	for key, value := range c.opts.Headers {
		req.Header.Set(key, value)
	}

	return c.opts.transport.Do(req)
}

// NewChat performs one blocking chat completion.
func (c *OpenAIClient) NewChat(ctx context.Context, inp *ChatRequest) (*ChatResponse, error) {
	payload, err := c.encode(inp, false)
	if err != nil {
		return nil, err
	}

	res, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var decoded wireResponse
	if err := sonic.ConfigDefault.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	if decoded.Error != nil {
		return nil, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("empty chat completion response")
	}

	message := decoded.Choices[0].Message
	out := &ChatResponse{Content: message.Content}
	for _, call := range message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out, nil
}

// NewStreamingChat opens an SSE chat completion. Content deltas are emitted
// as they arrive; tool call fragments are accumulated by index and emitted
// once the stream ends, fully assembled.
func (c *OpenAIClient) NewStreamingChat(ctx context.Context, inp *ChatRequest) (<-chan *Chunk, error) {
	payload, err := c.encode(inp, true)
	if err != nil {
		return nil, err
	}

	res, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		var errResp wireResponse
		if err := sonic.ConfigDefault.NewDecoder(res.Body).Decode(&errResp); err == nil && errResp.Error != nil {
			return nil, errors.New(errResp.Error.Message)
		}
		return nil, fmt.Errorf("chat completion failed with status %d", res.StatusCode)
	}

	out := make(chan *Chunk)

	go func() {
		defer res.Body.Close()
		defer close(out)

		type partialCall struct {
			id   string
			name string
			args strings.Builder
		}
		partials := map[int]*partialCall{}
		maxIndex := -1

		flushCalls := func() {
			if maxIndex < 0 {
				return
			}
			calls := make([]ToolCall, 0, maxIndex+1)
			for i := 0; i <= maxIndex; i++ {
				partial, ok := partials[i]
				if !ok || partial.name == "" {
					continue
				}
				calls = append(calls, ToolCall{
					ID:        partial.id,
					Name:      partial.name,
					Arguments: partial.args.String(),
				})
			}
			if len(calls) > 0 {
				out <- &Chunk{ToolCalls: calls}
			}
		}

		reader := bufio.NewReader(res.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				flushCalls()
				return
			}

			line = strings.TrimRight(line, "\r\n")
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				flushCalls()
				return
			}

			chunk := &wireChunk{}
			if err := sonic.Unmarshal([]byte(data), chunk); err != nil {
				slog.WarnContext(ctx, "unable to unmarshal chat completion chunk", slog.String("data", data), slog.Any("error", err))
				continue
			}

			if chunk.Error != nil {
				out <- &Chunk{Err: errors.New(chunk.Error.Message)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				out <- &Chunk{ContentDelta: delta.Content}
			}

			for _, fragment := range delta.ToolCalls {
				index := 0
				if fragment.Index != nil {
					index = *fragment.Index
				}
				if index > maxIndex {
					maxIndex = index
				}

				partial, ok := partials[index]
				if !ok {
					partial = &partialCall{}
					partials[index] = partial
				}
				if fragment.ID != "" {
					partial.id = fragment.ID
				}
				if fragment.Function.Name != "" {
					partial.name = fragment.Function.Name
				}
				partial.args.WriteString(fragment.Function.Arguments)
			}
		}
	}()

	return out, nil
}
