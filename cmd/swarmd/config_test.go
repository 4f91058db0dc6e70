package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, args ...string) (*pflag.FlagSet, *Config) {
	flags := defaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, &flags)
	require.NoError(t, fs.Parse(args))
	return fs, &flags
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: swarm~one
server: true
listen: ":9000"
keepalive: 3s
uplinks:
  - ws://127.0.0.1:8001/swarm
gossip:
  enabled: true
  port: 7000
  seeds: ["10.0.0.1:7000"]
`), 0o600))

	t.Run("file only", func(t *testing.T) {
		fs, flags := parseFlags(t)
		cfg, err := loadConfig(path, fs, flags)
		require.NoError(t, err)
		require.Equal(t, "swarm~one", cfg.ID)
		require.True(t, cfg.Server)
		require.Equal(t, ":9000", cfg.Listen)
		require.Equal(t, 3*time.Second, cfg.Keepalive)
		require.Equal(t, []string{"ws://127.0.0.1:8001/swarm"}, cfg.Uplinks)
		require.Equal(t, 7000, cfg.Gossip.Port)
		require.Equal(t, "0.0.0.0", cfg.Gossip.Bind)
		require.Equal(t, "json", cfg.Codec)
	})

	t.Run("flags win", func(t *testing.T) {
		fs, flags := parseFlags(t, "--listen", ":9100", "--gossip-port", "7100", "--codec", "proto")
		cfg, err := loadConfig(path, fs, flags)
		require.NoError(t, err)
		require.Equal(t, ":9100", cfg.Listen)
		require.Equal(t, 7100, cfg.Gossip.Port)
		require.Equal(t, "proto", cfg.Codec)
		require.Equal(t, 3*time.Second, cfg.Keepalive)
	})
}

func TestDefaultID(t *testing.T) {
	fs, flags := parseFlags(t)
	cfg, err := loadConfig("", fs, flags)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(cfg.ID, "client~"))

	fs, flags = parseFlags(t, "--server")
	cfg, err = loadConfig("", fs, flags)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(cfg.ID, "swarm~"))
}

func TestConfigValidation(t *testing.T) {
	for name, args := range map[string][]string{
		"extension":         {"--id", "swarm+x"},
		"server prefix":     {"--server", "--id", "alice"},
		"client gossip":     {"--gossip"},
		"quic without cert": {"--quic-listen", ":4433"},
	} {
		t.Run(name, func(t *testing.T) {
			fs, flags := parseFlags(t, args...)
			_, err := loadConfig("", fs, flags)
			require.Error(t, err)
		})
	}
}

func TestDialerFor(t *testing.T) {
	_, err := dialerFor("ws://127.0.0.1:8000/swarm", nil)
	require.NoError(t, err)

	_, err = dialerFor("quic://127.0.0.1:4433", nil)
	require.Error(t, err)

	_, err = dialerFor("tcp://127.0.0.1:1", nil)
	require.Error(t, err)
}
