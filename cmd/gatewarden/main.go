package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ClientFlags holds flags for commands that talk to a running daemon.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	clientFlags := &ClientFlags{}

	root := &cobra.Command{
		Use:   "gatewarden",
		Short: "Supervisor for a messaging gateway agent",
		Long: `gatewarden runs and watches a single gateway agent process,
keeps its skills content in sync with a git source, and exposes an
HTTP control surface.

Examples:
  gatewarden serve --config=/etc/gatewarden/gatewarden.toml
  gatewarden status
  gatewarden restart
  gatewarden sync`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "gatewarden.toml", "path to TOML config file")

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(clientFlags),
		createHealthCommand(clientFlags),
		createRestartCommand(clientFlags),
		createSyncCommand(clientFlags),
	)
	return root
}

func addClientFlags(cmd *cobra.Command, flags *ClientFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:7580", "base URL of the daemon's control API")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout for the control API")
}
