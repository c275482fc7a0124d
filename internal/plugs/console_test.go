package plugs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

func TestConsoleReadsLines(t *testing.T) {
	t.Parallel()
	c := NewConsole("term")
	c.in = strings.NewReader("hello there\nexit\n")
	c.out = &bytes.Buffer{}

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return on exit command")
	}

	ev, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := ev.Sent.Text.String(); got != "hello there" {
		t.Errorf("text = %q, want %q", got, "hello there")
	}
	if ev.Sent.ID == "" {
		t.Error("receipt id should be synthesized")
	}
	if _, err := c.Next(context.Background()); !errors.Is(err, plug.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed after drain", err)
	}
}

func TestConsolePutPrints(t *testing.T) {
	t.Parallel()
	c := NewConsole("term")
	out := &bytes.Buffer{}
	c.out = out

	msg := &message.Message{
		Text: message.Plain("line one\nline two"),
		User: &message.User{Username: "zed"},
	}
	receipts, err := c.Put(context.Background(), c.channel(), msg)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(receipts) != 1 || receipts[0].ID == "" {
		t.Fatalf("receipts = %+v", receipts)
	}
	want := "zed: line one\nzed: line two\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestConsoleIsPrivateSingleMember(t *testing.T) {
	t.Parallel()
	c := NewConsole("term")

	private, known, err := c.ChannelIsPrivate(context.Background(), c.channel())
	if err != nil || !private || !known {
		t.Errorf("private=%v known=%v err=%v", private, known, err)
	}
	members, err := c.ChannelMembers(context.Background(), c.channel())
	if err != nil || len(members) != 1 {
		t.Fatalf("members = %+v, err = %v", members, err)
	}
}

func TestFactoryUnknownProtocol(t *testing.T) {
	t.Parallel()
	if _, err := FromConfig("x", config.PlugConfig{Protocol: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFactoryKnownProtocols(t *testing.T) {
	t.Parallel()
	for _, proto := range []string{"telegram", "slack", "discord", "console"} {
		p, err := FromConfig(proto+"-main", config.PlugConfig{Protocol: proto})
		if err != nil {
			t.Fatalf("%s: %v", proto, err)
		}
		if p.Name() != proto+"-main" {
			t.Errorf("%s: name = %q", proto, p.Name())
		}
	}
}
