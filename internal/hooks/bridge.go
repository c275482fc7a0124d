package hooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatloom/chatloom/internal/host"
	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

// Bridge forwards messages between linked channels. Channels are linked
// in named groups; a message arriving in any member of a group is
// repeated, with its sender prefixed, into every other member.
type Bridge struct {
	name   string
	h      *host.Host
	groups [][]string
}

// NewBridge creates the bridging hook over groups of registered channel
// names.
func NewBridge(name string, h *host.Host, groups [][]string) *Bridge {
	return &Bridge{name: name, h: h, groups: groups}
}

func (b *Bridge) Name() string { return b.name }

// OnReceive repeats an inbound message into the other members of every
// group its channel belongs to. Echoes of our own sends are skipped, as
// are trailing chunks of a split message; both would loop otherwise.
func (b *Bridge) OnReceive(ctx context.Context, ev *plug.Event) error {
	if ev.Own() || !ev.Primary || ev.Sent.Deleted {
		return nil
	}
	from, ok := b.h.ChannelName(ev.Sent.Channel)
	if !ok {
		return nil
	}

	var firstErr error
	for _, group := range b.groups {
		if !contains(group, from) {
			continue
		}
		for _, to := range group {
			if to == from {
				continue
			}
			ch, ok := b.h.Channel(to)
			if !ok {
				slog.Warn("bridge target not registered", "hook", b.name, "channel", to)
				continue
			}
			if _, err := b.h.Send(ctx, ch, b.repeat(ev)); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("forward to %q: %w", to, err)
			}
		}
	}
	return firstErr
}

// repeat clones the source message and prefixes the sender so readers on
// the far side know who is speaking.
func (b *Bridge) repeat(ev *plug.Event) *message.Message {
	msg := ev.Source.Clone()
	name := msg.User.DisplayName()
	if name == "" {
		name = "unknown"
	}
	prefix := message.Segment{Text: name, Bold: true}
	sep := message.Segment{Text: ": "}
	if msg.Action {
		prefix = message.Segment{Text: name, Bold: true, Italic: true}
		sep = message.Segment{Text: " "}
	}
	msg.Text = append(message.RichText{prefix, sep}, msg.Text...)
	// The repeated copy speaks for the original sender, not for us.
	msg.User = nil
	return msg
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
