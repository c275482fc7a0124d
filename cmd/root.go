// Package cmd implements the chatloom CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "chatloom",
	Short: "chatloom — a multi-network message bridge",
	Long:  "chatloom bridges conversations across chat networks through pluggable adapters and hook chains",
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.chatloom/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(channelsCmd)
}
