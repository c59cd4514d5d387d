package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endorses/wdpool/internal/pkg/constants"
	"github.com/endorses/wdpool/internal/pkg/decoder"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, constants.MaxSessions, c.Pool.Capacity)
	assert.Equal(t, constants.DefaultLinkType, c.Pool.DefaultProtocol)
	assert.Equal(t, "normal", c.Pool.DefaultMode)
	assert.Equal(t, "64K", c.Decode.MaxPacketSize)
	assert.Empty(t, c.Decode.Fields)

	pc, err := c.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultMaxPacketSize, pc.MaxPacketSize)
	assert.Equal(t, decoder.ModeNormal, pc.DefaultMode)
	assert.Equal(t, decoder.DirectionUnknown, pc.DefaultDirection)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WDPOOL_POOL_CAPACITY", "4")
	t.Setenv("WDPOOL_POOL_DEFAULT_MODE", "fast")
	t.Setenv("WDPOOL_DECODE_MAX_PACKET_SIZE", "2K")
	t.Setenv("WDPOOL_LOG_LEVEL", "debug")

	c, err := Load(viper.New())
	require.NoError(t, err)

	pc, err := c.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, pc.Capacity)
	assert.Equal(t, decoder.ModeFast, pc.DefaultMode)
	assert.Equal(t, 2048, pc.MaxPacketSize)

	lo, err := c.LoggerOptions()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lo.Level)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wdpool.yaml")
	content := `pool:
  capacity: 2
  default_protocol: proto:udp
  default_direction: rx
decode:
  fields: [ip.src, udp.srcport]
log:
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Pool.Capacity)
	assert.Equal(t, "proto:udp", c.Pool.DefaultProtocol)
	assert.Equal(t, "text", c.Log.Format)
	assert.Equal(t, 4, c.Decode.Workers, "unset keys keep their defaults")
	assert.Equal(t, []string{"ip.src", "udp.srcport"}, c.Decode.Fields)

	pc, err := c.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, decoder.DirectionReceived, pc.DefaultDirection)
}

func TestLoad_MissingFile(t *testing.T) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		return fromViper(v)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"capacity zero", func(c *Config) { c.Pool.Capacity = 0 }, KeyPoolCapacity},
		{"capacity too large", func(c *Config) { c.Pool.Capacity = constants.MaxSessions + 1 }, KeyPoolCapacity},
		{"bad mode", func(c *Config) { c.Pool.DefaultMode = "turbo" }, KeyPoolDefaultMode},
		{"bad direction", func(c *Config) { c.Pool.DefaultDirection = "sideways" }, KeyPoolDirection},
		{"bad size", func(c *Config) { c.Decode.MaxPacketSize = "lots" }, KeyDecodeMaxPacketSize},
		{"no workers", func(c *Config) { c.Decode.Workers = 0 }, KeyDecodeWorkers},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, KeyLogLevel},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, KeyLogFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteDefault_LoadsBack(t *testing.T) {
	t.Setenv("WDPOOL_POOL_CAPACITY", "3")

	var buf bytes.Buffer
	require.NoError(t, WriteDefault(&buf))
	assert.Contains(t, buf.String(), "encap:1")
	assert.Contains(t, buf.String(), "capacity: 16", "environment is ignored")

	path := filepath.Join(t.TempDir(), "defaults.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Pool.Capacity, "environment wins over the file")
	assert.Equal(t, "info", c.Log.Level)
}
