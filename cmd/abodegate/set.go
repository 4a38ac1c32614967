package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/platform"
)

var setCmd = &cobra.Command{
	Use:   "set <device-id> open|closed",
	Short: "Open or close a garage door",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := device.ParseTarget(args[1])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := platform.New(cfg.Abode, newLogger(cfg))
		if err != nil {
			return err
		}
		if err := p.Login(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}

		ack, err := p.SetActuatorTarget(cmd.Context(), args[0], target)
		if err != nil {
			return err
		}
		fmt.Printf("%s: target %s accepted\n", ack.ID, ack.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setCmd)
}
