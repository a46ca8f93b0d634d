package main

import (
	"fmt"

	"github.com/sessamekesh/spanreed-session/pkg/connection"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect connection configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate a TOML connection config and print the effective values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := envOr("SPANREED_CONFIG", "")
			if len(args) == 1 {
				path = args[0]
			}

			config, err := loadConfig(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "disconnection_timeout = %q\n", config.DisconnectionTimeoutDuration.String())
			fmt.Fprintf(out, "heartbeat_interval    = %q\n", config.HeartbeatInterval.String())
			fmt.Fprintf(out, "rtt_smoothing_factor  = %v\n", config.RttSmoothingFactor)
			fmt.Fprintf(out, "rtt_max_value_ms      = %d\n", config.RttMaxValueMs)
			return nil
		},
	})

	return cmd
}

// loadConfig returns the defaults when path is empty.
func loadConfig(path string) (connection.Config, error) {
	if path == "" {
		return connection.DefaultConfig(), nil
	}
	return connection.LoadConfigFile(path)
}
