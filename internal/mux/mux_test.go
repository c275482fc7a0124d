package mux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

// fakePlug is a scripted plug: Next yields whatever the test pushes onto
// its events or errs channels.
type fakePlug struct {
	name   string
	events chan plug.Event
	errs   chan error
}

func newFakePlug(name string) *fakePlug {
	return &fakePlug{
		name:   name,
		events: make(chan plug.Event, 16),
		errs:   make(chan error, 16),
	}
}

func (f *fakePlug) push(id string) {
	f.events <- plug.Event{
		Sent:    &message.SentMessage{Receipt: message.Receipt{ID: f.name + "/" + id}},
		Primary: true,
	}
}

func (f *fakePlug) Next(ctx context.Context) (plug.Event, error) {
	select {
	case <-ctx.Done():
		return plug.Event{}, ctx.Err()
	case err := <-f.errs:
		return plug.Event{}, err
	case ev := <-f.events:
		return ev, nil
	}
}

func (f *fakePlug) Name() string      { return f.name }
func (f *fakePlug) Network() string   { return "Fake" }
func (f *fakePlug) NetworkID() string { return "fake:" + f.name }

func (f *fakePlug) Queue(*message.SentMessage)      {}
func (f *fakePlug) Active() bool                    { return true }
func (f *fakePlug) AttachHost(plug.Host)            {}
func (f *fakePlug) Start(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *fakePlug) Stop() error                     { return nil }

func (f *fakePlug) Put(context.Context, message.Channel, *message.Message) ([]message.Receipt, error) {
	return nil, nil
}

func (f *fakePlug) Send(context.Context, message.Channel, *message.Message) ([]message.Receipt, error) {
	return nil, nil
}

func (f *fakePlug) ChannelMembers(context.Context, message.Channel) ([]*message.User, error) {
	return nil, nil
}

func (f *fakePlug) ChannelIsPrivate(context.Context, message.Channel) (bool, bool, error) {
	return false, false, nil
}

func (f *fakePlug) UserFromID(context.Context, string) (*message.User, error) { return nil, nil }

func startMux(t *testing.T, m *Multiplexer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	return cancel
}

func recvIDs(t *testing.T, m *Multiplexer, n int) map[string]bool {
	t.Helper()
	ids := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case ev := <-m.Events():
			ids[ev.Sent.ID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events: %v", i, n, ids)
		}
	}
	return ids
}

func expectQuiet(t *testing.T, m *Multiplexer, d time.Duration) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %q", ev.Sent.ID)
	case <-time.After(d):
	}
}

func TestMergesMultiplePlugs(t *testing.T) {
	a, b := newFakePlug("a"), newFakePlug("b")
	a.push("1")
	b.push("1")

	m := New()
	m.Add(a, b)
	cancel := startMux(t, m)
	defer cancel()

	ids := recvIDs(t, m, 2)
	if !ids["a/1"] || !ids["b/1"] {
		t.Errorf("missing events: %v", ids)
	}
}

func TestRemoveStopsDelivery(t *testing.T) {
	a, b := newFakePlug("a"), newFakePlug("b")
	m := New()
	m.Add(a, b)
	cancel := startMux(t, m)
	defer cancel()

	a.push("1")
	ids := recvIDs(t, m, 1)
	if !ids["a/1"] {
		t.Fatalf("got %v", ids)
	}

	m.Remove(a)
	// Give the retirement a moment to take effect.
	time.Sleep(20 * time.Millisecond)
	a.push("2")
	b.push("1")

	ids = recvIDs(t, m, 1)
	if !ids["b/1"] {
		t.Errorf("b's delivery disrupted: %v", ids)
	}
	expectQuiet(t, m, 50*time.Millisecond)
}

func TestAddWhileRunning(t *testing.T) {
	a := newFakePlug("a")
	m := New()
	m.Add(a)
	cancel := startMux(t, m)
	defer cancel()

	a.push("1")
	recvIDs(t, m, 1)

	c := newFakePlug("c")
	c.push("1")
	m.Add(c)

	// The sync signal schedules c without waiting for traffic elsewhere.
	ids := recvIDs(t, m, 1)
	if !ids["c/1"] {
		t.Errorf("got %v", ids)
	}
}

func TestReAddAfterRemove(t *testing.T) {
	a := newFakePlug("a")
	m := New()
	m.Add(a)
	cancel := startMux(t, m)
	defer cancel()

	a.push("1")
	recvIDs(t, m, 1)

	// Reconnect flow: retire, then register again under the same name.
	m.Remove(a)
	time.Sleep(20 * time.Millisecond)
	m.Add(a)

	a.push("2")
	ids := recvIDs(t, m, 1)
	if !ids["a/2"] {
		t.Errorf("re-added plug not delivering: %v", ids)
	}
}

func TestSelfHealing(t *testing.T) {
	a, b := newFakePlug("a"), newFakePlug("b")
	m := New()
	m.Add(a, b)
	cancel := startMux(t, m)
	defer cancel()

	a.errs <- errors.New("connection reset")
	b.push("1")
	ids := recvIDs(t, m, 1)
	if !ids["b/1"] {
		t.Errorf("other plugs disrupted by failure: %v", ids)
	}

	// The failed plug's stream is recreated and keeps delivering.
	a.push("2")
	ids = recvIDs(t, m, 1)
	if !ids["a/2"] {
		t.Errorf("failed plug never recovered: %v", ids)
	}
}

func TestClosedStreamDropsPlug(t *testing.T) {
	a, b := newFakePlug("a"), newFakePlug("b")
	m := New()
	m.Add(a, b)
	cancel := startMux(t, m)
	defer cancel()

	a.errs <- plug.ErrClosed
	time.Sleep(20 * time.Millisecond)
	a.push("1")
	b.push("1")

	ids := recvIDs(t, m, 1)
	if !ids["b/1"] {
		t.Errorf("got %v", ids)
	}
	expectQuiet(t, m, 50*time.Millisecond)
}

func TestRunCancellation(t *testing.T) {
	a := newFakePlug("a")
	m := New()
	m.Add(a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}

	if _, open := <-m.Events(); open {
		t.Error("event feed not closed after shutdown")
	}
}
