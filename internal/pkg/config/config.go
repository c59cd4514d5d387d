// Package config loads wdpool settings from defaults, an optional YAML file
// and WDPOOL_* environment variables.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/endorses/wdpool/internal/pkg/cmdutil"
	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
	"github.com/endorses/wdpool/internal/pkg/logger"
	"github.com/endorses/wdpool/internal/pkg/pool"
)

// EnvPrefix is prepended to every environment override, e.g.
// WDPOOL_POOL_CAPACITY for pool.capacity.
const EnvPrefix = "WDPOOL"

// Configuration keys
const (
	KeyPoolCapacity        = "pool.capacity"
	KeyPoolDefaultProtocol = "pool.default_protocol"
	KeyPoolDefaultMode     = "pool.default_mode"
	KeyPoolDirection       = "pool.default_direction"
	KeyDecodeMaxPacketSize = "decode.max_packet_size"
	KeyDecodeWorkers       = "decode.workers"
	KeyDecodeFields        = "decode.fields"
	KeyLogLevel            = "log.level"
	KeyLogFormat           = "log.format"
)

// Config is the effective configuration.
type Config struct {
	Pool   PoolConfig   `yaml:"pool"`
	Decode DecodeConfig `yaml:"decode"`
	Log    LogConfig    `yaml:"log"`
}

type PoolConfig struct {
	Capacity         int    `yaml:"capacity"`
	DefaultProtocol  string `yaml:"default_protocol"`
	DefaultMode      string `yaml:"default_mode"`
	DefaultDirection string `yaml:"default_direction"`
}

type DecodeConfig struct {
	// MaxPacketSize is a size string such as "64K".
	MaxPacketSize string `yaml:"max_packet_size"`
	Workers       int    `yaml:"workers"`
	// Fields are printed for every packet when --field is not given.
	Fields []string `yaml:"fields"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SetDefaults registers every key with its default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPoolCapacity, constants.MaxSessions)
	v.SetDefault(KeyPoolDefaultProtocol, constants.DefaultLinkType)
	v.SetDefault(KeyPoolDefaultMode, decoder.ModeNormal.String())
	v.SetDefault(KeyPoolDirection, decoder.DirectionUnknown.String())
	v.SetDefault(KeyDecodeMaxPacketSize, "64K")
	v.SetDefault(KeyDecodeWorkers, 4)
	v.SetDefault(KeyDecodeFields, []string{})
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// BindEnv enables WDPOOL_* overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v after installing defaults and
// environment bindings. A config file must already be set on v if one is
// wanted; a missing file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	c := fromViper(v)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Pool: PoolConfig{
			Capacity:         v.GetInt(KeyPoolCapacity),
			DefaultProtocol:  v.GetString(KeyPoolDefaultProtocol),
			DefaultMode:      v.GetString(KeyPoolDefaultMode),
			DefaultDirection: v.GetString(KeyPoolDirection),
		},
		Decode: DecodeConfig{
			MaxPacketSize: v.GetString(KeyDecodeMaxPacketSize),
			Workers:       v.GetInt(KeyDecodeWorkers),
			Fields:        v.GetStringSlice(KeyDecodeFields),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Pool.Capacity < 1 || c.Pool.Capacity > constants.MaxSessions {
		return fmt.Errorf("%s must be between 1 and %d, got %d", KeyPoolCapacity, constants.MaxSessions, c.Pool.Capacity)
	}
	if _, err := decoder.ParseMode(c.Pool.DefaultMode); err != nil {
		return fmt.Errorf("%s: %w", KeyPoolDefaultMode, err)
	}
	if _, err := decoder.ParseDirection(c.Pool.DefaultDirection); err != nil {
		return fmt.Errorf("%s: %w", KeyPoolDirection, err)
	}
	if _, err := cmdutil.ParseSizeString(c.Decode.MaxPacketSize); err != nil {
		return fmt.Errorf("%s: %w", KeyDecodeMaxPacketSize, err)
	}
	if c.Decode.Workers < 1 {
		return fmt.Errorf("%s must be positive, got %d", KeyDecodeWorkers, c.Decode.Workers)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%s must be json or text, got %q", KeyLogFormat, c.Log.Format)
	}
	return nil
}

// PoolConfig converts the pool and decode sections to a pool.Config.
func (c *Config) PoolConfig() (pool.Config, error) {
	mode, err := decoder.ParseMode(c.Pool.DefaultMode)
	if err != nil {
		return pool.Config{}, err
	}
	dir, err := decoder.ParseDirection(c.Pool.DefaultDirection)
	if err != nil {
		return pool.Config{}, err
	}
	size, err := cmdutil.ParseSizeString(c.Decode.MaxPacketSize)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Capacity:         c.Pool.Capacity,
		DefaultProtocol:  c.Pool.DefaultProtocol,
		DefaultMode:      mode,
		DefaultDirection: dir,
		MaxPacketSize:    int(size),
	}, nil
}

// LoggerOptions converts the log section to logger.Options.
func (c *Config) LoggerOptions() (logger.Options, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.Options{}, err
	}
	return logger.Options{Level: level, Format: c.Log.Format}, nil
}

// WriteYAML dumps c as a YAML document that Load accepts back.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// WriteDefault writes the built-in defaults to w, ignoring the environment.
func WriteDefault(w io.Writer) error {
	v := viper.New()
	SetDefaults(v)
	return fromViper(v).WriteYAML(w)
}
