package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatloom/chatloom/internal/config"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Inspect configured plugs and channels",
}

func init() {
	channelsCmd.AddCommand(channelsStatusCmd)
}

var channelsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured plugs and channels",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		fmt.Printf("%-16s %-10s %s\n", "Plug", "Protocol", "Credentials")
		fmt.Println(strings.Repeat("-", 50))
		for _, name := range sortedKeys(cfg.Plugs) {
			p := cfg.Plugs[name]
			fmt.Printf("%-16s %-10s %s\n", name, p.Protocol, credentialHint(p))
		}

		if len(cfg.Channels) > 0 {
			fmt.Printf("\n%-16s %-16s %s\n", "Channel", "Plug", "Source")
			fmt.Println(strings.Repeat("-", 50))
			for _, name := range sortedKeys(cfg.Channels) {
				ch := cfg.Channels[name]
				fmt.Printf("%-16s %-16s %s\n", name, ch.Plug, ch.Source)
			}
		}

		if len(cfg.Hooks) > 0 {
			fmt.Printf("\n%-16s %s\n", "Hook", "Protocol")
			fmt.Println(strings.Repeat("-", 50))
			for _, h := range cfg.Hooks {
				fmt.Printf("%-16s %s\n", h.Name, h.Protocol)
			}
		}
		return nil
	},
}

func credentialHint(p config.PlugConfig) string {
	switch p.Protocol {
	case "telegram", "discord":
		return tokenHint(p.Token)
	case "slack":
		if p.BotToken != "" && p.AppToken != "" {
			return "socket"
		}
		return "(not configured)"
	case "console":
		return "stdin/stdout"
	}
	return ""
}

func tokenHint(token string) string {
	if token == "" {
		return "(not configured)"
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
