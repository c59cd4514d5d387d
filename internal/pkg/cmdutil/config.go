// Package cmdutil provides shared utilities for CLI command implementations.
package cmdutil

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// GetStringConfig returns flagValue when non-empty, otherwise the config
// value for key. Flag values take precedence over config file values.
func GetStringConfig(key, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return viper.GetString(key)
}

// GetStringSliceConfig returns flagValue when non-empty, otherwise the
// config value for key.
func GetStringSliceConfig(key string, flagValue []string) []string {
	if len(flagValue) > 0 {
		return flagValue
	}
	// viper.IsSet reports bound flags as set, so check the value itself
	if configValue := viper.GetStringSlice(key); len(configValue) > 0 {
		return configValue
	}
	return flagValue
}

// GetIntConfig returns the flag's value when the user changed it on the
// command line, otherwise the config value for key, otherwise the flag
// default.
func GetIntConfig(cmd *cobra.Command, flagName, key string) int {
	f := cmd.Flags().Lookup(flagName)
	if f != nil && f.Changed {
		v, _ := cmd.Flags().GetInt(flagName)
		return v
	}
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	v, _ := cmd.Flags().GetInt(flagName)
	return v
}

// ParseSizeString parses a size string (e.g., "100M", "1G", "500K") and returns bytes.
// Supported suffixes: K/k (KiB), M/m (MiB), G/g (GiB), T/t (TiB).
func ParseSizeString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	lastChar := s[len(s)-1]
	var multiplier int64 = 1

	switch lastChar {
	case 'K', 'k':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case 'T', 't':
		multiplier = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	var value int64
	var rest string
	n, err := fmt.Sscanf(s, "%d%s", &value, &rest)
	if n == 0 {
		return 0, fmt.Errorf("invalid size value %q: %w", s, err)
	}
	if rest != "" {
		return 0, fmt.Errorf("invalid size value %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}

	return value * multiplier, nil
}
