package llm

import "context"

// Provider is the model adapter contract. Implementations live outside this
// repo (vendor gateways); the orchestrator only depends on this interface.
type Provider interface {
	// NewChat performs a blocking chat completion.
	NewChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// NewStreamingChat returns a channel of chunks. The channel is closed
	// when the response is complete; a chunk with Err set terminates the
	// stream with that error.
	NewStreamingChat(ctx context.Context, req *ChatRequest) (<-chan *Chunk, error)
}
