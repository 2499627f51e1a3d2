package orchestrator

import "time"

// Event names shared by both delivery channels. The request stream carries
// started/step/finished/error; the step hub additionally injects ping, lag
// and done frames.
const (
	EventStarted  = "started"
	EventStep     = "step"
	EventFinished = "finished"
	EventError    = "error"
	EventPing     = "ping"
	EventLag      = "lag"
	EventDone     = "done"
)

// Step event payload kinds (the "type" field of step data).
const (
	StepDecision    = "decision"
	StepTool        = "tool"
	StepClientCalls = "clientCalls"
	StepMessage     = "message"
)

// Event is one orchestration frame. Stage A writes it as an NDJSON line;
// the hub hands it to subscribers as-is.
type Event struct {
	Event string `json:"event"`
	TS    string `json:"ts"`
	Data  any    `json:"data,omitempty"`
}

func NewEvent(name string, data any) *Event {
	return &Event{
		Event: name,
		TS:    time.Now().UTC().Format(time.RFC3339Nano),
		Data:  data,
	}
}

// StepHub is the fan-out side of the dual-channel contract. The driver
// publishes every step-scoped event here in addition to the request stream.
type StepHub interface {
	Publish(stepID string, ev *Event)
	Complete(stepID string)
}

// NopHub drops everything. Used when a caller only wants the request stream.
type NopHub struct{}

func (NopHub) Publish(string, *Event) {}
func (NopHub) Complete(string)        {}
