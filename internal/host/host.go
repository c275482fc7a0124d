// Package host owns the plug, channel and hook registries and runs the
// hook chain around every message flowing through the multiplexer.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/mux"
	"github.com/chatloom/chatloom/internal/plug"
)

var (
	// ErrDuplicateName is returned when a plug, channel or hook is
	// registered under a name already taken.
	ErrDuplicateName = errors.New("host: duplicate name")
	// ErrUnknownPlug is returned when a registration or send references a
	// plug that was never added.
	ErrUnknownPlug = errors.New("host: unknown plug")
	// ErrNoCapability is returned when a registered hook implements none
	// of the hook capability interfaces.
	ErrNoCapability = errors.New("host: hook implements no capability")
)

// Hook is a processing stage. Capabilities are declared by additionally
// implementing SendFilter, ReceiveFilter, Processor or Runner; the host
// checks for at least one at registration time.
type Hook interface {
	Name() string
}

// SendFilter runs before every outbound send, in registration order. It
// may rewrite the channel or message, redirect to a different channel, or
// return a nil message to suppress the send.
type SendFilter interface {
	Hook
	BeforeSend(ctx context.Context, ch message.Channel, msg *message.Message) (message.Channel, *message.Message, error)
}

// ReceiveFilter runs sequentially against every received event before any
// processing. Returning nil suppresses the event for the rest of the
// chain and all processors.
type ReceiveFilter interface {
	Hook
	BeforeReceive(ctx context.Context, ev *plug.Event) (*plug.Event, error)
}

// Processor runs concurrently with the other processors against every
// event that survived the filter chain.
type Processor interface {
	Hook
	OnReceive(ctx context.Context, ev *plug.Event) error
}

// Runner is a hook with its own background work (timers, schedules). Run
// blocks until ctx is cancelled.
type Runner interface {
	Hook
	Run(ctx context.Context) error
}

// Host is the dispatch host. The zero value is not usable; call New.
type Host struct {
	mu       sync.RWMutex
	plugs    map[string]plug.Plug
	plugSeq  []string
	channels map[string]message.Channel
	hooks    []Hook
	hookSet  map[string]struct{}

	mux     *mux.Multiplexer
	running bool
	group   *errgroup.Group
	runCtx  context.Context
}

func New() *Host {
	return &Host{
		plugs:    make(map[string]plug.Plug),
		channels: make(map[string]message.Channel),
		hookSet:  make(map[string]struct{}),
		mux:      mux.New(),
	}
}

// AddPlug registers a plug under its own name. If the host is already
// running, the plug is started and joins the multiplexed feed at once.
func (h *Host) AddPlug(p plug.Plug) error {
	h.mu.Lock()
	if _, ok := h.plugs[p.Name()]; ok {
		h.mu.Unlock()
		return fmt.Errorf("plug %q: %w", p.Name(), ErrDuplicateName)
	}
	h.plugs[p.Name()] = p
	h.plugSeq = append(h.plugSeq, p.Name())
	running := h.running
	h.mu.Unlock()

	p.AttachHost(h)
	if running {
		h.startPlug(p)
		h.mux.Add(p)
	}
	return nil
}

// RemovePlug retires a plug from the feed and stops it.
func (h *Host) RemovePlug(name string) error {
	h.mu.Lock()
	p, ok := h.plugs[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("plug %q: %w", name, ErrUnknownPlug)
	}
	delete(h.plugs, name)
	for i, n := range h.plugSeq {
		if n == name {
			h.plugSeq = append(h.plugSeq[:i], h.plugSeq[i+1:]...)
			break
		}
	}
	h.mu.Unlock()

	h.mux.Remove(p)
	return p.Stop()
}

// PlugByName returns the plug registered under name, or nil. The
// signature doubles as the mention resolver for message.Unraw.
func (h *Host) PlugByName(name string) message.Origin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if p, ok := h.plugs[name]; ok {
		return p
	}
	return nil
}

// PlugFor resolves the live plug owning a channel.
func (h *Host) PlugFor(ch message.Channel) (plug.Plug, bool) {
	if ch.Plug == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.plugs[ch.Plug.Name()]
	return p, ok
}

// Plugs returns the registered plugs in registration order.
func (h *Host) Plugs() []plug.Plug {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]plug.Plug, 0, len(h.plugSeq))
	for _, name := range h.plugSeq {
		out = append(out, h.plugs[name])
	}
	return out
}

// AddChannel registers a named channel bound to (plug, source). The plug
// must already be registered.
func (h *Host) AddChannel(name, plugName, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[name]; ok {
		return fmt.Errorf("channel %q: %w", name, ErrDuplicateName)
	}
	p, ok := h.plugs[plugName]
	if !ok {
		return fmt.Errorf("channel %q: plug %q: %w", name, plugName, ErrUnknownPlug)
	}
	h.channels[name] = message.Channel{Plug: p, Source: source}
	return nil
}

// Channel returns the channel registered under name.
func (h *Host) Channel(name string) (message.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[name]
	return ch, ok
}

// ChannelName finds the registered name of a channel, if it has one.
func (h *Host) ChannelName(ch message.Channel) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, c := range h.channels {
		if c.Equal(ch) {
			return name, true
		}
	}
	return "", false
}

// ResolveChannel returns the pre-registered channel matching (plug,
// source) if one was configured, else a synthesized channel wrapping the
// same pair.
func (h *Host) ResolveChannel(o message.Origin, source string) message.Channel {
	probe := message.Channel{Plug: o, Source: source}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels {
		if c.Equal(probe) {
			return c
		}
	}
	return probe
}

// AddHook registers a hook; it must implement at least one capability.
func (h *Host) AddHook(hook Hook) error {
	switch hook.(type) {
	case SendFilter, ReceiveFilter, Processor, Runner:
	default:
		return fmt.Errorf("hook %q: %w", hook.Name(), ErrNoCapability)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.hookSet[hook.Name()]; ok {
		return fmt.Errorf("hook %q: %w", hook.Name(), ErrDuplicateName)
	}
	h.hookSet[hook.Name()] = struct{}{}
	h.hooks = append(h.hooks, hook)
	return nil
}

func (h *Host) snapshotHooks() []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Hook(nil), h.hooks...)
}

// BeforeSend runs every send filter in registration order. A failing
// hook is logged and treated as a no-op; a nil message means the send
// was suppressed.
func (h *Host) BeforeSend(ctx context.Context, ch message.Channel, msg *message.Message) (message.Channel, *message.Message, error) {
	for _, hook := range h.snapshotHooks() {
		f, ok := hook.(SendFilter)
		if !ok {
			continue
		}
		outCh, outMsg, err := f.BeforeSend(ctx, ch, msg)
		if err != nil {
			slog.Error("send filter failed, ignoring", "hook", hook.Name(), "err", err)
			continue
		}
		if outMsg == nil {
			return ch, nil, nil
		}
		ch, msg = outCh, outMsg
	}
	return ch, msg, nil
}

// Send dispatches a message to whichever plug owns the channel.
func (h *Host) Send(ctx context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error) {
	p, ok := h.PlugFor(ch)
	if !ok {
		return nil, fmt.Errorf("send to %s: %w", ch, ErrUnknownPlug)
	}
	return p.Send(ctx, ch, msg)
}

// Run starts every plug and runner hook, then dispatches the multiplexed
// feed through the hook chain until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	h.mu.Lock()
	h.running = true
	h.group = g
	h.runCtx = gctx
	h.mu.Unlock()

	for _, p := range h.Plugs() {
		h.startPlug(p)
		h.mux.Add(p)
	}
	for _, hook := range h.snapshotHooks() {
		if r, ok := hook.(Runner); ok {
			name := hook.Name()
			g.Go(func() error {
				if err := r.Run(gctx); err != nil && gctx.Err() == nil {
					slog.Error("hook runner exited", "hook", name, "err", err)
				}
				return nil
			})
		}
	}

	g.Go(func() error { return h.mux.Run(gctx) })
	g.Go(func() error {
		for ev := range h.mux.Events() {
			h.dispatch(gctx, ev)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startPlug runs a plug's network side, logging rather than propagating
// its exit so one adapter's failure never takes the process down.
func (h *Host) startPlug(p plug.Plug) {
	h.mu.RLock()
	g, gctx := h.group, h.runCtx
	h.mu.RUnlock()
	g.Go(func() error {
		if err := p.Start(gctx); err != nil && gctx.Err() == nil {
			slog.Error("plug exited with error", "plug", p.Name(), "err", err)
		}
		return nil
	})
}

// dispatch runs one multiplexed event through the sequential filter
// chain, then fans the survivors out to all processors concurrently.
func (h *Host) dispatch(ctx context.Context, ev plug.Event) {
	if ev.Sent != nil && ev.Sent.Channel.Plug != nil {
		ev.Sent.Channel = h.ResolveChannel(ev.Sent.Channel.Plug, ev.Sent.Channel.Source)
	}

	hooks := h.snapshotHooks()
	cur := &ev
	for _, hook := range hooks {
		f, ok := hook.(ReceiveFilter)
		if !ok {
			continue
		}
		out, err := f.BeforeReceive(ctx, cur)
		if err != nil {
			slog.Error("receive filter failed, ignoring", "hook", hook.Name(), "err", err)
			continue
		}
		if out == nil {
			return
		}
		cur = out
	}

	var wg sync.WaitGroup
	for _, hook := range hooks {
		pr, ok := hook.(Processor)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(pr Processor) {
			defer wg.Done()
			if err := pr.OnReceive(ctx, cur); err != nil {
				slog.Error("hook processing failed", "hook", pr.Name(), "err", err)
			}
		}(pr)
	}
	wg.Wait()
}
