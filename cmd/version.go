package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/endorses/wdpool/internal/pkg/output"
	"github.com/endorses/wdpool/internal/pkg/packetlib"
	"github.com/endorses/wdpool/internal/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and decoder library information",
	RunE: func(cmd *cobra.Command, args []string) error {
		lib := packetlib.New()
		if err := lib.Init(); err != nil {
			return err
		}
		info := version.Collect(lib.Version(), lib.Profile())

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			data, err := output.MarshalJSON(info)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wdpool %s\n", version.GetFullVersion())
		fmt.Fprintf(cmd.OutOrStdout(), "decoder: %s (profile %s)\n", info.DecoderVersion, info.DecoderProfile)
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "Output in JSON format")
}
