package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aura-interview/voice-engine/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List microphone sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		devices, err := audio.ListDevices(cmd.Context())
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no capture devices found")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDESCRIPTION\tSTATE")
		for _, d := range devices {
			state := ""
			if d.Default {
				state = "default"
			}
			if d.Muted {
				state += " muted"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Description, state)
		}
		return w.Flush()
	},
}
