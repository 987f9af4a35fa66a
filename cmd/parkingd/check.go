package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/care/parking/internal/config"
	"github.com/care/parking/internal/geometry"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and geometry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			store, err := geometry.Load(cfg.Geometry.Path, cfg.Geometry.NamePrefix)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "instance:     %s\n", cfg.InstanceID)
			fmt.Fprintf(out, "broker:       %s\n", cfg.MQTT.Broker)
			fmt.Fprintf(out, "reserve:      %s\n", cfg.MQTT.Topics.Reserve)
			fmt.Fprintf(out, "free:         %s (%s)\n", cfg.MQTT.Topics.Free, cfg.Availability.Schedule)
			fmt.Fprintf(out, "settlement:   %s\n", cfg.Settlement.Mode)
			fmt.Fprintf(out, "perception:   %s\n", cfg.Perception.Mode)
			fmt.Fprintf(out, "slots:        %d\n", store.Len())
			for _, slot := range store.Slots() {
				fmt.Fprintf(out, "  %-5s %d points\n", slot.Name, len(slot.Polygon))
			}
			return nil
		},
	}
}
