package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatloom/chatloom/internal/config"
	"github.com/chatloom/chatloom/internal/container"
)

var runVerbose bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the chatloom bridge",
	RunE:  runBridge,
}

func init() {
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Verbose logging")
}

func runBridge(_ *cobra.Command, _ []string) error {
	if runVerbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := container.New(cfg)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	h := c.Host()

	names := make([]string, 0, len(h.Plugs()))
	for _, p := range h.Plugs() {
		names = append(names, p.Name())
	}
	fmt.Printf("chatloom running with plugs: %s. Press Ctrl+C to stop.\n",
		strings.Join(names, ", "))

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "bridge error: %v\n", err)
		return err
	}
	fmt.Println("\nShutdown complete.")
	return nil
}
