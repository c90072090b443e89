package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"greetbot/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Parse and validate the config, then exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfigManager(configPath).Parse()
		if err != nil {
			return fmt.Errorf("%s: %w", configPath, err)
		}
		off := cfg.Schedule.UTCOffset
		if off == "" {
			off = "+00:00"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s (utc_offset %s)\n", configPath, off)
		return nil
	},
}
