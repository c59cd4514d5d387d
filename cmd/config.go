package cmd

import (
	"github.com/spf13/cobra"

	"github.com/endorses/wdpool/internal/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if defaults, _ := cmd.Flags().GetBool("defaults"); defaults {
			return config.WriteDefault(cmd.OutOrStdout())
		}
		c, err := loadConfig()
		if err != nil {
			return err
		}
		return c.WriteYAML(cmd.OutOrStdout())
	},
}

func init() {
	configCmd.Flags().Bool("defaults", false, "print built-in defaults instead of the effective configuration")
}
