package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

// memPlug is an in-memory loopback plug for host tests.
type memPlug struct {
	*plug.Base
	mu     sync.Mutex
	nextID int
	puts   []*message.Message
}

func newMemPlug(name string) *memPlug {
	p := &memPlug{}
	p.Base = plug.NewBase(name, "Memory", "mem:"+name, p)
	p.Open()
	return p
}

func (p *memPlug) Put(_ context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.puts = append(p.puts, msg)
	return []message.Receipt{{ID: fmt.Sprintf("%s-%d", p.Name(), p.nextID), Channel: ch, At: time.Now()}}, nil
}

func (p *memPlug) ChannelMembers(context.Context, message.Channel) ([]*message.User, error) {
	return nil, nil
}

func (p *memPlug) ChannelIsPrivate(context.Context, message.Channel) (bool, bool, error) {
	return false, false, nil
}

func (p *memPlug) UserFromID(context.Context, string) (*message.User, error) { return nil, nil }

func (p *memPlug) Start(ctx context.Context) error { <-ctx.Done(); p.Close(); return ctx.Err() }
func (p *memPlug) Stop() error                     { p.Close(); return nil }

// recordHook implements capabilities driven by optional funcs.
type recordHook struct {
	name       string
	beforeSend func(ch message.Channel, msg *message.Message) (message.Channel, *message.Message, error)
}

func (h *recordHook) Name() string { return h.name }

func (h *recordHook) BeforeSend(_ context.Context, ch message.Channel, msg *message.Message) (message.Channel, *message.Message, error) {
	if h.beforeSend == nil {
		return ch, msg, nil
	}
	return h.beforeSend(ch, msg)
}

type filterHook struct {
	name   string
	filter func(ev *plug.Event) (*plug.Event, error)
}

func (h *filterHook) Name() string { return h.name }

func (h *filterHook) BeforeReceive(_ context.Context, ev *plug.Event) (*plug.Event, error) {
	return h.filter(ev)
}

type processorHook struct {
	name string
	mu   sync.Mutex
	got  []*plug.Event
}

func (h *processorHook) Name() string { return h.name }

func (h *processorHook) OnReceive(_ context.Context, ev *plug.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, ev)
	return nil
}

func (h *processorHook) events() []*plug.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*plug.Event(nil), h.got...)
}

func TestDuplicateRegistrations(t *testing.T) {
	h := New()
	if err := h.AddPlug(newMemPlug("a")); err != nil {
		t.Fatal(err)
	}
	if err := h.AddPlug(newMemPlug("a")); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate plug: got %v", err)
	}

	if err := h.AddChannel("general", "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := h.AddChannel("general", "a", "2"); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate channel: got %v", err)
	}
	if err := h.AddChannel("other", "nope", "1"); !errors.Is(err, ErrUnknownPlug) {
		t.Errorf("channel on unknown plug: got %v", err)
	}

	hook := &processorHook{name: "p"}
	if err := h.AddHook(hook); err != nil {
		t.Fatal(err)
	}
	if err := h.AddHook(&processorHook{name: "p"}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate hook: got %v", err)
	}
}

type inertHook struct{ name string }

func (h inertHook) Name() string { return h.name }

func TestHookCapabilityCheck(t *testing.T) {
	h := New()
	if err := h.AddHook(inertHook{name: "inert"}); !errors.Is(err, ErrNoCapability) {
		t.Errorf("got %v, want ErrNoCapability", err)
	}
}

func TestResolveChannel(t *testing.T) {
	h := New()
	p := newMemPlug("a")
	if err := h.AddPlug(p); err != nil {
		t.Fatal(err)
	}
	if err := h.AddChannel("general", "a", "100"); err != nil {
		t.Fatal(err)
	}

	ch := h.ResolveChannel(p, "100")
	if name, ok := h.ChannelName(ch); !ok || name != "general" {
		t.Errorf("registered channel not resolved: %q %v", name, ok)
	}

	synth := h.ResolveChannel(p, "999")
	if _, ok := h.ChannelName(synth); ok {
		t.Error("unregistered channel should synthesize an unnamed channel")
	}
	if synth.Plug == nil || synth.Source != "999" {
		t.Errorf("synthesized channel should wrap the same pair: %#v", synth)
	}
}

func TestFilterChainOrderAndSuppression(t *testing.T) {
	h := New()
	var order []string
	rewrite := &filterHook{name: "rewrite", filter: func(ev *plug.Event) (*plug.Event, error) {
		order = append(order, "rewrite")
		out := *ev
		out.Sent = &message.SentMessage{
			Receipt: ev.Sent.Receipt,
			Message: message.Message{Text: message.Plain("rewritten")},
		}
		return &out, nil
	}}
	drop := &filterHook{name: "drop", filter: func(ev *plug.Event) (*plug.Event, error) {
		order = append(order, "drop")
		if ev.Sent.Text.String() == "rewritten" {
			return nil, nil
		}
		return ev, nil
	}}
	proc := &processorHook{name: "proc"}
	for _, hook := range []Hook{rewrite, drop, proc} {
		if err := h.AddHook(hook); err != nil {
			t.Fatal(err)
		}
	}

	ev := plug.Event{Sent: &message.SentMessage{Message: message.Message{Text: message.Plain("original")}}}
	h.dispatch(context.Background(), ev)

	if len(order) != 2 || order[0] != "rewrite" || order[1] != "drop" {
		t.Errorf("filters did not run sequentially in registration order: %v", order)
	}
	if got := proc.events(); len(got) != 0 {
		t.Errorf("suppressed event reached processors: %d", len(got))
	}
}

func TestFilterErrorIsolated(t *testing.T) {
	h := New()
	failing := &filterHook{name: "failing", filter: func(*plug.Event) (*plug.Event, error) {
		return nil, errors.New("boom")
	}}
	proc := &processorHook{name: "proc"}
	if err := h.AddHook(failing); err != nil {
		t.Fatal(err)
	}
	if err := h.AddHook(proc); err != nil {
		t.Fatal(err)
	}

	ev := plug.Event{Sent: &message.SentMessage{Message: message.Message{Text: message.Plain("x")}}}
	h.dispatch(context.Background(), ev)

	if got := proc.events(); len(got) != 1 {
		t.Errorf("failing filter should be a no-op, got %d processed events", len(got))
	}
}

func TestProcessorsRunConcurrently(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	wg.Add(2)
	// Each processor waits for the other; sequential execution would
	// deadlock and trip the dispatch timeout.
	a := &funcProcessor{name: "a", fn: func() { wg.Done(); wg.Wait() }}
	b := &funcProcessor{name: "b", fn: func() { wg.Done(); wg.Wait() }}
	if err := h.AddHook(a); err != nil {
		t.Fatal(err)
	}
	if err := h.AddHook(b); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		ev := plug.Event{Sent: &message.SentMessage{Message: message.Message{Text: message.Plain("x")}}}
		h.dispatch(context.Background(), ev)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processors appear to run sequentially")
	}
}

type funcProcessor struct {
	name string
	fn   func()
}

func (h *funcProcessor) Name() string { return h.name }

func (h *funcProcessor) OnReceive(context.Context, *plug.Event) error {
	h.fn()
	return nil
}

func TestBeforeSendChain(t *testing.T) {
	h := New()
	p := newMemPlug("a")
	if err := h.AddPlug(p); err != nil {
		t.Fatal(err)
	}

	upper := &recordHook{name: "upper", beforeSend: func(ch message.Channel, msg *message.Message) (message.Channel, *message.Message, error) {
		out := msg.Clone()
		out.Text = message.Plain("rewritten")
		return ch, out, nil
	}}
	failing := &recordHook{name: "failing", beforeSend: func(message.Channel, *message.Message) (message.Channel, *message.Message, error) {
		return message.Channel{}, nil, errors.New("boom")
	}}
	if err := h.AddHook(upper); err != nil {
		t.Fatal(err)
	}
	if err := h.AddHook(failing); err != nil {
		t.Fatal(err)
	}

	ch := message.Channel{Plug: p, Source: "room"}
	receipts, err := p.Send(context.Background(), ch, &message.Message{Text: message.Plain("original")})
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Fatalf("got %d receipts", len(receipts))
	}
	if len(p.puts) != 1 || p.puts[0].Text.String() != "rewritten" {
		t.Errorf("rewrite lost or failing hook not isolated: %#v", p.puts)
	}
}

func TestBeforeSendSuppression(t *testing.T) {
	h := New()
	p := newMemPlug("a")
	if err := h.AddPlug(p); err != nil {
		t.Fatal(err)
	}
	mute := &recordHook{name: "mute", beforeSend: func(ch message.Channel, _ *message.Message) (message.Channel, *message.Message, error) {
		return ch, nil, nil
	}}
	if err := h.AddHook(mute); err != nil {
		t.Fatal(err)
	}

	receipts, err := p.Send(context.Background(), message.Channel{Plug: p, Source: "room"}, &message.Message{Text: message.Plain("x")})
	if err != nil {
		t.Fatal(err)
	}
	if receipts != nil || len(p.puts) != 0 {
		t.Errorf("suppressed send still reached the network: %v %v", receipts, p.puts)
	}
}

func TestHostRunDeliversToProcessors(t *testing.T) {
	h := New()
	p := newMemPlug("a")
	if err := h.AddPlug(p); err != nil {
		t.Fatal(err)
	}
	proc := &processorHook{name: "proc"}
	if err := h.AddHook(proc); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() { _ = h.Run(ctx); close(runDone) }()

	p.Queue(&message.SentMessage{
		Receipt: message.Receipt{ID: "1", Channel: message.Channel{Plug: p, Source: "room"}},
		Message: message.Message{Text: message.Plain("hello")},
	})

	deadline := time.After(time.Second)
	for len(proc.events()) == 0 {
		select {
		case <-deadline:
			t.Fatal("event never reached processor")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("host did not shut down")
	}
}
