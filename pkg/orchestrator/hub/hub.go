// Package hub fans step events out to late-joining subscribers. A step's
// stream outlives the originating request: the client that suspended a step
// can watch its progress from another connection.
package hub

import (
	"sync"
	"time"

	"github.com/curaious/relay/pkg/orchestrator"
)

const defaultBufferSize = 64

type subscriber struct {
	ch      chan *orchestrator.Event
	dropped int
}

type stream struct {
	subs      map[int]*subscriber
	nextSubID int
	completed bool
	lastEvent time.Time
}

// Hub is the per-process registry of step event streams.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream

	bufSize        int
	heartbeatEvery time.Duration
	stepTTL        time.Duration

	done chan struct{}
	once sync.Once
}

type Options struct {
	BufferSize     int
	HeartbeatEvery time.Duration
	StepTTL        time.Duration
	JanitorEvery   time.Duration
}

func New(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	// offer needs room for a lag marker plus the event it accompanies.
	if opts.BufferSize < 2 {
		opts.BufferSize = 2
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 20 * time.Second
	}
	if opts.StepTTL <= 0 {
		opts.StepTTL = 10 * time.Minute
	}
	if opts.JanitorEvery <= 0 {
		opts.JanitorEvery = time.Minute
	}

	h := &Hub{
		streams:        map[string]*stream{},
		bufSize:        opts.BufferSize,
		heartbeatEvery: opts.HeartbeatEvery,
		stepTTL:        opts.StepTTL,
		done:           make(chan struct{}),
	}
	go h.heartbeat()
	go h.janitor(opts.JanitorEvery)
	return h
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Subscribe attaches a fresh buffered channel to the step's stream. The
// channel only carries events published after this call; it closes when the
// step completes or the subscriber unsubscribes. Subscribing to a completed
// or unknown-but-finished step yields an immediate done frame.
func (h *Hub) Subscribe(stepID string) (<-chan *orchestrator.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[stepID]
	if !ok {
		st = &stream{subs: map[int]*subscriber{}, lastEvent: time.Now()}
		h.streams[stepID] = st
	}

	if st.completed {
		ch := make(chan *orchestrator.Event, 1)
		ch <- orchestrator.NewEvent(orchestrator.EventDone, map[string]any{"stepId": stepID})
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{ch: make(chan *orchestrator.Event, h.bufSize)}
	id := st.nextSubID
	st.nextSubID++
	st.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if current, ok := h.streams[stepID]; ok {
			if s, ok := current.subs[id]; ok {
				delete(current.subs, id)
				close(s.ch)
			}
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every live subscriber of the step. Slow
// subscribers lose their oldest frames and receive a lag marker so they know
// the stream has a gap; the publisher never blocks.
func (h *Hub) Publish(stepID string, ev *orchestrator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[stepID]
	if !ok {
		st = &stream{subs: map[int]*subscriber{}}
		h.streams[stepID] = st
	}
	st.lastEvent = time.Now()
	if st.completed {
		return
	}

	for _, sub := range st.subs {
		h.offer(sub, ev)
	}
}

func (h *Hub) offer(sub *subscriber, ev *orchestrator.Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Buffer full. Make room for a lag marker plus the event.
	for len(sub.ch) > cap(sub.ch)-2 {
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}

	sub.ch <- orchestrator.NewEvent(orchestrator.EventLag, map[string]any{"dropped": sub.dropped})
	sub.ch <- ev
	sub.dropped = 0
}

// Complete emits the done sentinel, closes every subscriber channel and
// marks the stream so late subscribers get an immediate done.
func (h *Hub) Complete(stepID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.streams[stepID]
	if !ok {
		st = &stream{subs: map[int]*subscriber{}}
		h.streams[stepID] = st
	}
	if st.completed {
		return
	}

	done := orchestrator.NewEvent(orchestrator.EventDone, map[string]any{"stepId": stepID})
	for id, sub := range st.subs {
		h.offer(sub, done)
		close(sub.ch)
		delete(st.subs, id)
	}

	st.completed = true
	st.lastEvent = time.Now()
}

func (h *Hub) heartbeat() {
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			ping := orchestrator.NewEvent(orchestrator.EventPing, nil)
			for _, st := range h.streams {
				if st.completed {
					continue
				}
				for _, sub := range st.subs {
					h.offer(sub, ping)
				}
			}
			h.mu.Unlock()
		}
	}
}

// janitor evicts streams idle past the TTL, closing any channels still
// attached so abandoned subscribers unblock.
func (h *Hub) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.stepTTL)
			h.mu.Lock()
			for stepID, st := range h.streams {
				if st.lastEvent.Before(cutoff) {
					for id, sub := range st.subs {
						close(sub.ch)
						delete(st.subs, id)
					}
					delete(h.streams, stepID)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
