package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(globalFlags.ConfigPath)
		},
	}
}

func createStatusCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent and sync status from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Status()
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createHealthCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check daemon liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Health()
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createRestartCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Request an agent restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Restart()
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createSyncCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a skills synchronization immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := NewAPIClient(flags.APIUrl, flags.APITimeout).SyncNow()
			if body != nil {
				_ = printJSON(body)
			}
			return err
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
