package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trymwestin/abodegate/internal/core/device"
	"github.com/trymwestin/abodegate/internal/core/platform"
)

var (
	devicesJSON bool
	devicesAll  bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the garage doors on the account",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		var list []device.Device
		if devicesAll {
			list, err = p.ListDevices(cmd.Context())
		} else {
			list, err = p.GarageDoors(cmd.Context())
		}
		if err != nil {
			return err
		}
		return printDevices(list)
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Output devices in JSON format")
	devicesCmd.Flags().BoolVar(&devicesAll, "all", false, "Include devices that are not garage doors")
}

func printDevices(list []device.Device) error {
	if devicesJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tJAMMED\tLOW BATTERY")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%t\n",
			d.ID, d.Name, d.TypeTag, d.Status, d.Faults.IsJammed(), d.Faults.IsLowBattery())
	}
	return tw.Flush()
}
