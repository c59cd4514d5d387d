package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/wdpool/internal/pkg/config"
	"github.com/endorses/wdpool/internal/pkg/logger"
	"github.com/endorses/wdpool/internal/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "wdpool",
	Short:   "wdpool dissects packets in concurrent sessions",
	Long:    fmt.Sprintf("wdpool %s - concurrent packet dissection sessions", version.GetVersion()),
	Version: version.GetFullVersion(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	logger.Initialize()

	rootCmd.AddCommand(dissectCmd)
	rootCmd.AddCommand(fieldsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/wdpool/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag(config.KeyLogLevel, rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home + "/.config/wdpool")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig returns the validated effective configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

func setupLogging() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := c.LoggerOptions()
	if err != nil {
		return err
	}
	logger.Configure(opts)
	return nil
}
