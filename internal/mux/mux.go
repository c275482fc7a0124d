// Package mux merges the live streams of many plugs into one
// arrival-ordered event feed with dynamic membership and self-healing.
package mux

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chatloom/chatloom/internal/plug"
)

// slot tracks one plug's retrieval state. At most one retrieval is in
// flight per plug at any time; a second would independently consume the
// shared inbound buffer and duplicate or lose messages.
type slot struct {
	p        plug.Plug
	inFlight bool
	retired  bool
	cancel   context.CancelFunc
}

type result struct {
	name string
	ev   plug.Event
	err  error
}

// Multiplexer fans in plug streams. Add and Remove are safe to call from
// any goroutine, before or while Run is active.
type Multiplexer struct {
	mu    sync.Mutex
	slots map[string]*slot

	wake    chan struct{}
	results chan result
	out     chan plug.Event
	done    chan struct{}
}

func New() *Multiplexer {
	return &Multiplexer{
		slots:   make(map[string]*slot),
		wake:    make(chan struct{}, 1),
		results: make(chan result),
		out:     make(chan plug.Event),
		done:    make(chan struct{}),
	}
}

// Events is the merged feed. It is closed when Run returns.
func (m *Multiplexer) Events() <-chan plug.Event {
	return m.out
}

// Add registers plugs; while running, the wait loop is woken so the new
// streams are scheduled without waiting for an unrelated message.
func (m *Multiplexer) Add(plugs ...plug.Plug) {
	m.mu.Lock()
	for _, p := range plugs {
		if s, ok := m.slots[p.Name()]; ok {
			// A remove-then-add reconnect revives the slot; otherwise
			// it would still be dropped on the next cycle.
			s.retired = false
			s.p = p
			continue
		}
		m.slots[p.Name()] = &slot{p: p}
	}
	m.mu.Unlock()
	m.signal()
}

// Remove retires plugs: their outstanding retrievals are cancelled and
// they are dropped from the active set on the next wake-up.
func (m *Multiplexer) Remove(plugs ...plug.Plug) {
	m.mu.Lock()
	for _, p := range plugs {
		s, ok := m.slots[p.Name()]
		if !ok {
			continue
		}
		s.retired = true
		if s.inFlight && s.cancel != nil {
			s.cancel()
		}
	}
	m.mu.Unlock()
	m.signal()
}

func (m *Multiplexer) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives the fan-in until ctx is cancelled. Each cycle schedules a
// retrieval for every idle active plug, then waits for the first
// completed retrieval or a membership change. A plug whose stream fails
// unexpectedly is logged and its retrieval recreated; a closed stream
// drops the plug. Shutdown cancels all retrievals without draining them.
func (m *Multiplexer) Run(ctx context.Context) error {
	defer close(m.out)
	defer close(m.done)
	for {
		m.schedule(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		case r := <-m.results:
			ev, deliver := m.collect(r)
			if !deliver {
				continue
			}
			select {
			case m.out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// schedule drops fully retired slots and starts a retrieval for every
// active slot without one in flight.
func (m *Multiplexer) schedule(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.slots {
		if s.retired {
			if !s.inFlight {
				delete(m.slots, name)
			}
			continue
		}
		if s.inFlight {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		s.inFlight = true
		s.cancel = cancel
		go func(name string, p plug.Plug) {
			ev, err := p.Next(pctx)
			cancel()
			select {
			case m.results <- result{name: name, ev: ev, err: err}:
			case <-m.done:
			}
		}(name, s.p)
	}
}

// collect folds one completed retrieval back into the slot table and
// reports whether its event should be yielded.
func (m *Multiplexer) collect(r result) (plug.Event, bool) {
	m.mu.Lock()
	s, ok := m.slots[r.name]
	if ok {
		s.inFlight = false
	}
	retired := ok && s.retired
	m.mu.Unlock()

	switch {
	case !ok || retired:
		return plug.Event{}, false
	case errors.Is(r.err, plug.ErrClosed):
		slog.Info("plug stream closed", "plug", r.name)
		m.mu.Lock()
		delete(m.slots, r.name)
		m.mu.Unlock()
		return plug.Event{}, false
	case errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded):
		// Cancellation is a shutdown signal, not an error.
		return plug.Event{}, false
	case r.err != nil:
		// Self-healing: one plug's internal fault never terminates the
		// multiplexer. The idle slot is rescheduled on the next cycle.
		slog.Error("plug stream error, recreating", "plug", r.name, "err", r.err)
		return plug.Event{}, false
	default:
		return r.ev, true
	}
}
