package plugs

import (
	"fmt"

	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/plug"
)

// FromConfig builds the plug described by one config entry.
func FromConfig(name string, cfg config.PlugConfig) (plug.Plug, error) {
	switch cfg.Protocol {
	case "telegram":
		return NewTelegram(name, cfg.Token), nil
	case "slack":
		return NewSlack(name, cfg.BotToken, cfg.AppToken), nil
	case "discord":
		return NewDiscord(name, cfg.Token, cfg.GatewayURL), nil
	case "console":
		return NewConsole(name), nil
	}
	return nil, fmt.Errorf("plugs: unknown protocol %q", cfg.Protocol)
}
