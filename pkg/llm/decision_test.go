package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	chatResp   *ChatResponse
	chatErr    error
	chunks     []*Chunk
	streamErr  error
	chatCalls  int
	streamReqs []*ChatRequest
}

func (p *stubProvider) NewChat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.chatCalls++
	return p.chatResp, p.chatErr
}

func (p *stubProvider) NewStreamingChat(ctx context.Context, req *ChatRequest) (<-chan *Chunk, error) {
	p.streamReqs = append(p.streamReqs, req)
	if p.streamErr != nil {
		return nil, p.streamErr
	}

	ch := make(chan *Chunk, len(p.chunks))
	for _, chunk := range p.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

var testManifest = []FunctionDecl{
	{Name: "get_weather", Description: "weather"},
	{Name: "get_news", Description: "news"},
}

func TestRequestAutoOffersAllToolsWithoutParallelCalls(t *testing.T) {
	a := NewAdapter(&stubProvider{}, "gpt-4o")

	req := a.request(nil, testManifest, &ToolChoice{Mode: ToolChoiceAuto})

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, testManifest, req.Tools)
	require.NotNil(t, req.ParallelToolCalls)
	assert.False(t, *req.ParallelToolCalls)
}

func TestRequestNoneStripsTools(t *testing.T) {
	a := NewAdapter(&stubProvider{}, "gpt-4o")

	req := a.request(nil, testManifest, &ToolChoice{Mode: ToolChoiceNone})

	assert.Empty(t, req.Tools)
	assert.Nil(t, req.ToolChoice)
	assert.Nil(t, req.ParallelToolCalls)
}

func TestRequestForcedNarrowsToOneTool(t *testing.T) {
	a := NewAdapter(&stubProvider{}, "gpt-4o")

	choice := &ToolChoice{Mode: ToolChoiceAuto, Forced: "get_news"}
	req := a.request(nil, testManifest, choice)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_news", req.Tools[0].Name)
	assert.Equal(t, choice, req.ToolChoice)
}

func TestDecideStreamingAccumulatesDeltasAndCalls(t *testing.T) {
	provider := &stubProvider{chunks: []*Chunk{
		{ContentDelta: "Let me "},
		{},
		{ContentDelta: "check."},
		{ToolCalls: []ToolCall{{ID: "call-1", Name: "get_weather", Arguments: `{"city":"Berlin"}`}}},
	}}
	a := NewAdapter(provider, "gpt-4o")

	var deltas []string
	decision, err := a.DecideStreaming(context.Background(), nil, testManifest, nil, func(delta string) {
		deltas = append(deltas, delta)
	})
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", decision.AssistantDraft)
	assert.Equal(t, []string{"Let me ", "check."}, deltas)
	require.Len(t, decision.ToolCalls, 1)
	assert.Equal(t, "call-1", decision.ToolCalls[0].ID)
}

func TestDecideStreamingMintsMissingCallIDs(t *testing.T) {
	provider := &stubProvider{chunks: []*Chunk{
		{ToolCalls: []ToolCall{{Name: "get_weather", Arguments: `{}`}}},
	}}
	a := NewAdapter(provider, "gpt-4o")

	decision, err := a.DecideStreaming(context.Background(), nil, testManifest, nil, nil)
	require.NoError(t, err)

	require.Len(t, decision.ToolCalls, 1)
	assert.NotEmpty(t, decision.ToolCalls[0].ID)
}

func TestDecideStreamingFallsBackToBlocking(t *testing.T) {
	provider := &stubProvider{
		streamErr: errors.New("stream refused"),
		chatResp:  &ChatResponse{Content: "blocking answer"},
	}
	a := NewAdapter(provider, "gpt-4o")

	decision, err := a.DecideStreaming(context.Background(), nil, testManifest, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "blocking answer", decision.AssistantDraft)
	assert.Equal(t, 1, provider.chatCalls)
}

func TestDecideStreamingSurfacesChunkError(t *testing.T) {
	provider := &stubProvider{chunks: []*Chunk{
		{ContentDelta: "partial"},
		{Err: errors.New("mid-stream failure")},
	}}
	a := NewAdapter(provider, "gpt-4o")

	_, err := a.DecideStreaming(context.Background(), nil, testManifest, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mid-stream failure")
}

func TestDecideBlocking(t *testing.T) {
	provider := &stubProvider{chatResp: &ChatResponse{
		Content:   "done",
		ToolCalls: []ToolCall{{Name: "get_weather"}},
	}}
	a := NewAdapter(provider, "gpt-4o")

	decision, err := a.DecideBlocking(context.Background(), nil, testManifest, nil)
	require.NoError(t, err)

	assert.Equal(t, "done", decision.AssistantDraft)
	require.Len(t, decision.ToolCalls, 1)
	assert.NotEmpty(t, decision.ToolCalls[0].ID)
}
