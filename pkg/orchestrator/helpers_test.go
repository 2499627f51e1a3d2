package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/curaious/relay/pkg/llm"
	"github.com/curaious/relay/pkg/tools"
)

// fakeMemory is an in-memory Memory with the same upsert key as the real
// store: one row per (step, role, seq), drafts promoted per step.
type fakeMemory struct {
	mu     sync.Mutex
	rows   []*StoredMessage
	nextID int64
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{}
}

func rowKey(stepID, role string, seq int) string {
	return fmt.Sprintf("%s|%s|%d", stepID, role, seq)
}

func (m *fakeMemory) Save(ctx context.Context, userID, conversationID string, msg *MessageWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rowKey(msg.StepID, msg.Role, msg.Seq)
	for _, row := range m.rows {
		if rowKey(row.StepID, row.Role, row.Seq) == key {
			row.Content = msg.Content
			row.Payload = msg.Payload
			return nil
		}
	}

	m.nextID++
	m.rows = append(m.rows, &StoredMessage{
		ID:      m.nextID,
		Role:    msg.Role,
		Content: msg.Content,
		Payload: msg.Payload,
		StepID:  msg.StepID,
		Seq:     msg.Seq,
	})
	return nil
}

func (m *fakeMemory) History(ctx context.Context, userID, conversationID string, limit int) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	finals := []StoredMessage{}
	for _, row := range m.rows {
		if row.Final {
			finals = append(finals, *row)
		}
	}
	if limit > 0 && len(finals) > limit {
		finals = finals[len(finals)-limit:]
	}
	return finals, nil
}

func (m *fakeMemory) HistoryUptoStep(ctx context.Context, userID, conversationID, stepID string, limit int) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	finals := []StoredMessage{}
	drafts := []StoredMessage{}
	for _, row := range m.rows {
		switch {
		case row.Final:
			finals = append(finals, *row)
		case row.StepID == stepID:
			drafts = append(drafts, *row)
		}
	}
	if limit > 0 && len(finals) > limit {
		finals = finals[len(finals)-limit:]
	}
	return append(finals, drafts...), nil
}

func (m *fakeMemory) StepMessages(ctx context.Context, userID, conversationID, stepID string) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []StoredMessage{}
	for _, row := range m.rows {
		if row.StepID == stepID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *fakeMemory) FindStepIDByToolCallID(ctx context.Context, userID, conversationID, toolCallID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if id, _ := row.Payload["tool_call_id"].(string); id == toolCallID {
			return row.StepID, nil
		}
	}
	return "", nil
}

func (m *fakeMemory) MaxSeq(ctx context.Context, userID, conversationID, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := -1
	for _, row := range m.rows {
		if row.StepID == stepID && row.Seq > max {
			max = row.Seq
		}
	}
	return max, nil
}

func (m *fakeMemory) PromoteStep(ctx context.Context, userID, conversationID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.StepID == stepID {
			row.Final = true
		}
	}
	return nil
}

func (m *fakeMemory) byRole(role string) []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []StoredMessage{}
	for _, row := range m.rows {
		if row.Role == role {
			out = append(out, *row)
		}
	}
	return out
}

func (m *fakeMemory) allFinal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if !row.Final {
			return false
		}
	}
	return len(m.rows) > 0
}

// scriptedProvider replays canned responses in order and records every
// request it saw.
type scriptedProvider struct {
	mu          sync.Mutex
	script      []*llm.ChatResponse
	requests    []*llm.ChatRequest
	failWith    error
	chatCalls   int
	streamCalls int
}

func (p *scriptedProvider) next(req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.failWith != nil {
		return nil, p.failWith
	}
	if len(p.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := p.script[0]
	p.script = p.script[1:]
	return resp, nil
}

func (p *scriptedProvider) NewChat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.chatCalls++
	p.mu.Unlock()
	return p.next(req)
}

func (p *scriptedProvider) NewStreamingChat(ctx context.Context, req *llm.ChatRequest) (<-chan *llm.Chunk, error) {
	p.mu.Lock()
	p.streamCalls++
	p.mu.Unlock()
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *llm.Chunk, 2)
	if resp.Content != "" {
		ch <- &llm.Chunk{ContentDelta: resp.Content}
	}
	if len(resp.ToolCalls) > 0 {
		ch <- &llm.Chunk{ToolCalls: resp.ToolCalls}
	}
	close(ch)
	return ch, nil
}

// recordingHub captures everything published per step.
type recordingHub struct {
	mu        sync.Mutex
	events    map[string][]*Event
	completed []string
}

func newRecordingHub() *recordingHub {
	return &recordingHub{events: map[string][]*Event{}}
}

func (h *recordingHub) Publish(stepID string, ev *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[stepID] = append(h.events[stepID], ev)
}

func (h *recordingHub) Complete(stepID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, stepID)
}

func (h *recordingHub) completedSteps() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.completed...)
}

// countingTool is a server tool that counts its executions.
type countingTool struct {
	mu     sync.Mutex
	name   string
	calls  int
	result any
	err    error
}

func (c *countingTool) Name() string { return c.name }

func (c *countingTool) Declaration() *llm.FunctionDecl {
	return &llm.FunctionDecl{Name: c.name, Description: "test tool"}
}

func (c *countingTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result, c.err
}

func (c *countingTool) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// eventLog collects the request-stream side of a run.
type eventLog struct {
	mu     sync.Mutex
	events []*Event
}

func (l *eventLog) emit(ev *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		names = append(names, ev.Event)
	}
	return names
}

func (l *eventLog) find(name string) *Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range l.events {
		if ev.Event == name {
			return ev
		}
	}
	return nil
}

func (l *eventLog) stepEvents(kind string) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []*Event{}
	for _, ev := range l.events {
		if ev.Event != EventStep {
			continue
		}
		data, ok := ev.Data.(map[string]any)
		if ok && data["type"] == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) startedStepID() string {
	started := l.find(EventStarted)
	if started == nil {
		return ""
	}
	data, _ := started.Data.(map[string]any)
	id, _ := data["stepId"].(string)
	return id
}

type driverFixture struct {
	driver   *Driver
	memory   *fakeMemory
	provider *scriptedProvider
	steps    *StepStore
	hub      *recordingHub
}

func newDriverFixture(t interface{ Cleanup(func()) }, provider *scriptedProvider, serverTools ...tools.Tool) *driverFixture {
	memory := newFakeMemory()
	registry := tools.NewRegistry(serverTools...)
	pipeline := tools.NewPipeline(registry, nil, nil)
	steps := NewStepStore(0, 0)
	t.Cleanup(steps.Stop)
	hub := newRecordingHub()

	return &driverFixture{
		driver:   NewDriver(provider, registry, pipeline, memory, steps, hub),
		memory:   memory,
		provider: provider,
		steps:    steps,
		hub:      hub,
	}
}

func defaultRunConfig() *RunConfig {
	return &RunConfig{
		Model:             "gpt-4o",
		ToolsMaxLoops:     4,
		MemoryMaxMessages: 40,
		RenderMode:        RenderAllTool,
		DedupEnabled:      true,
		DefaultTTLSeconds: 300,
		MaxTTLSeconds:     3600,
	}
}
