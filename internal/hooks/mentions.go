package hooks

import (
	"context"

	"github.com/chatloom/chatloom/internal/host"
	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

const mentionExcerptLen = 120

// Mentions posts an alert into a registered channel whenever someone is
// mentioned elsewhere.
type Mentions struct {
	name         string
	h            *host.Host
	alertChannel string
}

// NewMentions creates the mention alert hook. alertChannel is the
// registered name of the channel alerts go to.
func NewMentions(name string, h *host.Host, alertChannel string) *Mentions {
	return &Mentions{name: name, h: h, alertChannel: alertChannel}
}

func (m *Mentions) Name() string { return m.name }

func (m *Mentions) OnReceive(ctx context.Context, ev *plug.Event) error {
	if ev.Own() || !ev.Primary || ev.Sent.Deleted {
		return nil
	}
	mentioned := mentionedUsers(ev.Source.Text)
	if len(mentioned) == 0 {
		return nil
	}
	target, ok := m.h.Channel(m.alertChannel)
	if !ok || target.Equal(ev.Sent.Channel) {
		return nil
	}

	who := ev.Source.User.DisplayName()
	if who == "" {
		who = "someone"
	}
	text := message.RichText{{Text: who, Bold: true}, {Text: " mentioned "}}
	for i, u := range mentioned {
		if i > 0 {
			text = append(text, message.Segment{Text: ", "})
		}
		text = append(text, message.Segment{Text: u.DisplayName(), Bold: true})
	}
	text = append(text, message.Segment{Text: " in " + ev.Sent.Channel.String() + ": "})
	text = append(text, ev.Source.Text.Trim(mentionExcerptLen)...)

	_, err := m.h.Send(ctx, target, &message.Message{Text: text})
	return err
}

// mentionedUsers collects the distinct users mentioned in the text.
func mentionedUsers(rt message.RichText) []*message.User {
	var out []*message.User
	for _, seg := range rt {
		if seg.Mention == nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen.Equal(seg.Mention) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, seg.Mention)
		}
	}
	return out
}
