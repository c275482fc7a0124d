package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatloom/chatloom/internal/host"
	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

// Joins greets arriving members and notes departures in public
// channels. Direct conversations are left alone. With an allowlist
// configured it also acts as a receive filter, vetoing join events from
// users not on the list before any other hook sees them.
type Joins struct {
	name     string
	h        *host.Host
	greeting string // format string, %s is the display name
	allow    map[string]bool
}

// NewJoins creates the membership hook. greeting may be empty for the
// default text; an empty allow list admits everyone.
func NewJoins(name string, h *host.Host, greeting string, allow []string) *Joins {
	if greeting == "" {
		greeting = "Welcome, %s!"
	}
	allowed := make(map[string]bool, len(allow))
	for _, id := range allow {
		allowed[id] = true
	}
	return &Joins{name: name, h: h, greeting: greeting, allow: allowed}
}

func (j *Joins) Name() string { return j.name }

// BeforeReceive suppresses join events from users outside the allowlist,
// posting a notice in the channel instead of the greeting.
func (j *Joins) BeforeReceive(ctx context.Context, ev *plug.Event) (*plug.Event, error) {
	if len(j.allow) == 0 || ev.Own() || !ev.Primary || len(ev.Source.Joined) == 0 {
		return ev, nil
	}
	var barred []*message.User
	for _, u := range ev.Source.Joined {
		if u == nil || (!j.allow[u.ID] && !j.allow[u.Username]) {
			barred = append(barred, u)
		}
	}
	if len(barred) == 0 {
		return ev, nil
	}
	names := displayNames(barred)
	slog.Warn("unauthorized join", "channel", ev.Sent.Channel.String(), "users", names)
	_, err := j.h.Send(ctx, ev.Sent.Channel, &message.Message{
		Text: message.Plain(fmt.Sprintf("Sorry, %s is not allowed here.", strings.Join(names, ", "))),
	})
	return nil, err
}

func (j *Joins) OnReceive(ctx context.Context, ev *plug.Event) error {
	if ev.Own() || !ev.Primary || ev.Sent.Deleted {
		return nil
	}
	if len(ev.Source.Joined) == 0 && len(ev.Source.Left) == 0 {
		return nil
	}
	p, ok := j.h.PlugFor(ev.Sent.Channel)
	if !ok {
		return nil
	}
	if private, known, err := p.ChannelIsPrivate(ctx, ev.Sent.Channel); err != nil {
		return fmt.Errorf("channel privacy: %w", err)
	} else if known && private {
		return nil
	}

	var lines []string
	if names := displayNames(ev.Source.Joined); len(names) > 0 {
		line := fmt.Sprintf(j.greeting, strings.Join(names, ", "))
		if members, err := p.ChannelMembers(ctx, ev.Sent.Channel); err == nil && members != nil {
			line += fmt.Sprintf(" You are %d here.", len(members))
		}
		lines = append(lines, line)
	}
	if names := displayNames(ev.Source.Left); len(names) > 0 {
		lines = append(lines, fmt.Sprintf("Goodbye, %s.", strings.Join(names, ", ")))
	}

	_, err := j.h.Send(ctx, ev.Sent.Channel, &message.Message{
		Text: message.Plain(strings.Join(lines, "\n")),
	})
	return err
}

func displayNames(users []*message.User) []string {
	var out []string
	for _, u := range users {
		if name := u.DisplayName(); name != "" {
			out = append(out, name)
		} else if u != nil && u.ID != "" {
			out = append(out, u.ID)
		}
	}
	return out
}
