package hooks

import (
	"context"
	"fmt"
	"log/slog"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/chatloom/chatloom/internal/host"
	"github.com/chatloom/chatloom/internal/message"
)

// Job is one scheduled announcement: a cron expression, a registered
// channel name, and the text to post in raw rich-text form.
type Job struct {
	Cron    string
	Channel string
	Text    string
}

// Schedule posts configured announcements on cron schedules. It runs as
// a background hook with no interest in inbound traffic.
type Schedule struct {
	name   string
	h      *host.Host
	jobs   []Job
	robfig *robfigcron.Cron
}

// NewSchedule creates the scheduling hook.
func NewSchedule(name string, h *host.Host, jobs []Job) *Schedule {
	return &Schedule{
		name:   name,
		h:      h,
		jobs:   jobs,
		robfig: robfigcron.New(),
	}
}

func (s *Schedule) Name() string { return s.name }

// Run arms every job and blocks until ctx is cancelled. A job with a bad
// cron expression or unparsable text fails the whole hook: schedule
// configuration errors should surface at startup, not at 3am.
func (s *Schedule) Run(ctx context.Context) error {
	for _, job := range s.jobs {
		text, err := message.Unraw(job.Text, s.h)
		if err != nil {
			return fmt.Errorf("schedule %q: text: %w", job.Channel, err)
		}
		channel := job.Channel
		if _, err := s.robfig.AddFunc(job.Cron, func() {
			s.fire(ctx, channel, text)
		}); err != nil {
			return fmt.Errorf("schedule %q: cron %q: %w", job.Channel, job.Cron, err)
		}
	}

	s.robfig.Start()
	<-ctx.Done()
	<-s.robfig.Stop().Done()
	return ctx.Err()
}

func (s *Schedule) fire(ctx context.Context, channel string, text message.RichText) {
	ch, ok := s.h.Channel(channel)
	if !ok {
		slog.Warn("scheduled channel not registered", "hook", s.name, "channel", channel)
		return
	}
	if _, err := s.h.Send(ctx, ch, &message.Message{Text: text.Clone()}); err != nil {
		slog.Error("scheduled send failed", "hook", s.name, "channel", channel, "err", err)
	}
}
