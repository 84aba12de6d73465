package devices

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/voiceengine/internal/audiodevice"
)

// Command creates the command that lists audio devices
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := audiodevice.EnumerateDevices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "DIRECTION\tINDEX\tDEFAULT\tNAME\tID")
			for _, d := range devices {
				def := ""
				if d.IsDefault {
					def = "*"
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", d.Direction, d.Index, def, d.Name, d.ID)
			}
			return w.Flush()
		},
	}
}
