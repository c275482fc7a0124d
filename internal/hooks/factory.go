package hooks

import (
	"fmt"

	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/host"
)

// FromConfig builds the hook described by one config entry.
func FromConfig(cfg config.HookConfig, h *host.Host) (host.Hook, error) {
	switch cfg.Protocol {
	case "commands":
		return NewCommands(cfg.Name, cfg.Prefix, h), nil
	case "bridge":
		return NewBridge(cfg.Name, h, cfg.Groups), nil
	case "mentions":
		return NewMentions(cfg.Name, h, cfg.AlertChannel), nil
	case "joins":
		return NewJoins(cfg.Name, h, cfg.Greeting, cfg.Allow), nil
	case "preview":
		return NewPreview(cfg.Name, h, cfg.MaxPreviewLen), nil
	case "schedule":
		jobs := make([]Job, 0, len(cfg.Jobs))
		for _, j := range cfg.Jobs {
			jobs = append(jobs, Job{Cron: j.Cron, Channel: j.Channel, Text: j.Text})
		}
		return NewSchedule(cfg.Name, h, jobs), nil
	}
	return nil, fmt.Errorf("hooks: unknown protocol %q", cfg.Protocol)
}
