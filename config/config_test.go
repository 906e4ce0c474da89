package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/Liangxia6/quicmux"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quicmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
transport:
  versions: [QMX1]
  idle_timeout: 5s
  max_packet_size: 1350
server:
  listen_addr: ":9000"
proxy:
  drop_rate: 0.1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, []string{"stdout"}, cfg.Log.Outputs)
	// a shorter list replaces the default one instead of overlaying it
	require.Equal(t, []string{"QMX1"}, cfg.Transport.Versions)
	require.Equal(t, 5*time.Second, cfg.Transport.IdleTimeout)
	require.Equal(t, ":9000", cfg.Server.ListenAddr)
	require.Equal(t, 0.1, cfg.Proxy.DropRate)
	// untouched keys keep their defaults
	require.Equal(t, Default().Client, cfg.Client)

	conf, err := cfg.Transport.EngineConfig()
	require.NoError(t, err)
	require.Equal(t, []quicmux.Version{quicmux.Version1}, conf.Versions)
	require.Equal(t, quicmux.ByteCount(1350), conf.MaxPacketSize)
	require.Equal(t, 5*time.Second, conf.IdleTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("QUICMUX_LOG_LEVEL", "warn")
	t.Setenv("QUICMUX_CLIENT_TARGET", "10.0.0.1:4242")
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "10.0.0.1:4242", cfg.Client.Target)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	t.Setenv("QUICMUX_CONFIG", writeConfig(t, "server:\n  migrate_port: 6000\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 6000, cfg.Server.MigratePort)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	_, err := Load(writeConfig(t, "log: [unterminated"))
	require.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
log:
  level: loud
transport:
  versions: [QMX1, XYZ]
  max_packet_size: 9000
proxy:
  drop_rate: 2
`)
	_, err := Load(path)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.Errors, 4)
	require.ErrorContains(t, err, "log.level")
	require.ErrorContains(t, err, "XYZ")
	require.ErrorContains(t, err, "max_packet_size")
	require.ErrorContains(t, err, "drop_rate")
}

func TestValidateUnsupportedVersion(t *testing.T) {
	cfg := Default()
	cfg.Transport.Versions = []string{"QMX9"}
	require.ErrorContains(t, cfg.Validate(), "unsupported version")
	_, err := cfg.Transport.EngineConfig()
	require.Error(t, err)
}

func TestMustLoadPanics(t *testing.T) {
	require.Panics(t, func() { MustLoad(writeConfig(t, "proxy:\n  drop_rate: -1\n")) })
}
