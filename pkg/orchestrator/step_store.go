package orchestrator

import (
	"sync"
	"time"

	"github.com/curaious/relay/internal/perrors"
)

// StepScope is the (user, conversation) pair a step is bound to.
type StepScope struct {
	UserID         string
	ConversationID string
}

// ClientCall is one client-side tool call issued by a suspended step.
type ClientCall struct {
	ID        string `json:"tool_call_id"`
	Name      string `json:"name"`
	Args      string `json:"arguments"`
	Satisfied bool   `json:"-"`
}

type stepEntry struct {
	mu          sync.Mutex
	scope       StepScope
	clientCalls map[string]*ClientCall
	order       []string
	loops       int
	touched     time.Time
}

// StepStore is the in-process registry of live steps: scope binding, issued
// client calls, and the per-step mutex that serializes a resume against a
// still-running step. Entries expire by TTL; a resume after expiry fails
// validation.
type StepStore struct {
	mu    sync.Mutex
	steps map[string]*stepEntry
	ttl   time.Duration
	done  chan struct{}
	once  sync.Once
}

func NewStepStore(ttl, janitorEvery time.Duration) *StepStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if janitorEvery <= 0 {
		janitorEvery = time.Minute
	}

	s := &StepStore{
		steps: map[string]*stepEntry{},
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	go s.janitor(janitorEvery)
	return s
}

func (s *StepStore) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl)
			s.mu.Lock()
			for id, entry := range s.steps {
				if entry.touched.Before(cutoff) {
					delete(s.steps, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *StepStore) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *StepStore) get(stepID string) *stepEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.steps[stepID]
	if ok {
		entry.touched = time.Now()
	}
	return entry
}

// Bind registers the step under its scope. Rebinding with the same scope is
// idempotent; a different scope is rejected.
func (s *StepStore) Bind(stepID string, scope StepScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.steps[stepID]; ok {
		if entry.scope != scope {
			return perrors.NewErrBadRequest("stepId is already bound to a different scope", nil,
				map[string]interface{}{"stepId": stepID})
		}
		entry.touched = time.Now()
		return nil
	}

	s.steps[stepID] = &stepEntry{
		scope:       scope,
		clientCalls: map[string]*ClientCall{},
		touched:     time.Now(),
	}
	return nil
}

func (s *StepStore) Scope(stepID string) (StepScope, bool) {
	entry := s.get(stepID)
	if entry == nil {
		return StepScope{}, false
	}
	return entry.scope, true
}

// Lock serializes work on one step. The returned func releases it; callers
// hold it across a whole resume so a concurrent resume for the same step
// waits instead of interleaving.
func (s *StepStore) Lock(stepID string) func() {
	entry := s.get(stepID)
	if entry == nil {
		return func() {}
	}
	entry.mu.Lock()
	return entry.mu.Unlock
}

// RecordClientCalls remembers the calls a step handed to the client.
func (s *StepStore) RecordClientCalls(stepID string, calls []ClientCall) error {
	entry := s.get(stepID)
	if entry == nil {
		return perrors.NewErrNotFound("stepId not found", nil, map[string]interface{}{"stepId": stepID})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range calls {
		call := calls[i]
		if _, ok := entry.clientCalls[call.ID]; ok {
			continue
		}
		entry.clientCalls[call.ID] = &call
		entry.order = append(entry.order, call.ID)
	}
	return nil
}

// UnsatisfiedClientCalls lists issued calls still waiting for a client
// result, in issue order.
func (s *StepStore) UnsatisfiedClientCalls(stepID string) []ClientCall {
	entry := s.get(stepID)
	if entry == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := []ClientCall{}
	for _, id := range entry.order {
		if call := entry.clientCalls[id]; call != nil && !call.Satisfied {
			pending = append(pending, *call)
		}
	}
	return pending
}

func (s *StepStore) MarkSatisfied(stepID string, callIDs []string) {
	entry := s.get(stepID)
	if entry == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range callIDs {
		if call := entry.clientCalls[id]; call != nil {
			call.Satisfied = true
		}
	}
}

// ValidateResume checks a continuation payload against what the step
// actually issued. Each failure mode has a stable message the API maps to a
// 4xx.
func (s *StepStore) ValidateResume(stepID string, scope StepScope, callIDs []string) error {
	entry := s.get(stepID)
	if entry == nil {
		return perrors.NewErrNotFound("resumeStepId not found or already cleared", nil,
			map[string]interface{}{"stepId": stepID})
	}

	if entry.scope != scope {
		return perrors.NewErrBadRequest("resumeStepId does not match userId/conversationId", nil,
			map[string]interface{}{"stepId": stepID})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range callIDs {
		if _, ok := entry.clientCalls[id]; !ok {
			return perrors.NewErrBadRequest("unknown tool_call_id for this step", nil,
				map[string]interface{}{"stepId": stepID, "tool_call_id": id})
		}
	}
	return nil
}

// LoopCount returns the decision rounds consumed so far, surviving
// suspensions so a resumed step keeps its budget.
func (s *StepStore) LoopCount(stepID string) int {
	entry := s.get(stepID)
	if entry == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return entry.loops
}

func (s *StepStore) SetLoopCount(stepID string, loops int) {
	entry := s.get(stepID)
	if entry == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.loops = loops
}

// Clear drops the step once it has terminated.
func (s *StepStore) Clear(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, stepID)
}

func (s *StepStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
