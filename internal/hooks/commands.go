// Package hooks holds the processing stages registered on the host:
// command handling, channel bridging, mention alerts, join greetings,
// link previews and scheduled announcements.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chatloom/chatloom/internal/host"
	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

// CommandFunc handles one invoked command. args excludes the command
// word itself.
type CommandFunc func(ctx context.Context, ev *plug.Event, args []string) error

// Commands watches every channel for prefixed command invocations and
// dispatches them to registered handlers.
type Commands struct {
	name   string
	prefix string
	h      *host.Host

	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

// NewCommands creates the command hook. prefix defaults to "!".
func NewCommands(name, prefix string, h *host.Host) *Commands {
	if prefix == "" {
		prefix = "!"
	}
	c := &Commands{
		name:     name,
		prefix:   prefix,
		h:        h,
		handlers: make(map[string]CommandFunc),
	}
	c.Register("help", c.cmdHelp)
	c.Register("members", c.cmdMembers)
	return c
}

func (c *Commands) Name() string { return c.name }

// Register binds a command word to a handler, replacing any previous
// binding.
func (c *Commands) Register(word string, fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[word] = fn
}

// OnReceive parses and dispatches a command if the message carries one.
func (c *Commands) OnReceive(ctx context.Context, ev *plug.Event) error {
	if ev.Own() || !ev.Primary || ev.Sent.Deleted {
		return nil
	}
	text := ev.Source.Text.String()
	if !strings.HasPrefix(text, c.prefix) {
		return nil
	}
	fields := strings.Fields(strings.TrimPrefix(text, c.prefix))
	if len(fields) == 0 {
		return nil
	}
	c.mu.RLock()
	fn, ok := c.handlers[fields[0]]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := fn(ctx, ev, fields[1:]); err != nil {
		return fmt.Errorf("command %q: %w", fields[0], err)
	}
	return nil
}

func (c *Commands) reply(ctx context.Context, ev *plug.Event, text message.RichText) error {
	_, err := c.h.Send(ctx, ev.Sent.Channel, &message.Message{Text: text})
	return err
}

func (c *Commands) cmdHelp(ctx context.Context, ev *plug.Event, _ []string) error {
	c.mu.RLock()
	words := make([]string, 0, len(c.handlers))
	for w := range c.handlers {
		words = append(words, w)
	}
	c.mu.RUnlock()
	sort.Strings(words)

	text := message.RichText{{Text: "Commands: ", Bold: true}}
	for i, w := range words {
		if i > 0 {
			text = append(text, message.Segment{Text: ", "})
		}
		text = append(text, message.Segment{Text: c.prefix + w, Code: true})
	}
	return c.reply(ctx, ev, text)
}

func (c *Commands) cmdMembers(ctx context.Context, ev *plug.Event, _ []string) error {
	p, ok := c.h.PlugFor(ev.Sent.Channel)
	if !ok {
		return nil
	}
	members, err := p.ChannelMembers(ctx, ev.Sent.Channel)
	if err != nil {
		return err
	}
	if members == nil {
		return c.reply(ctx, ev, message.Plain("Member list not available here."))
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.DisplayName())
	}
	sort.Strings(names)
	text := message.RichText{
		{Text: fmt.Sprintf("%d members: ", len(names)), Bold: true},
		{Text: strings.Join(names, ", ")},
	}
	return c.reply(ctx, ev, text)
}
