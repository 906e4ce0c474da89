// Package config loads the YAML configuration of the quicmux binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/Liangxia6/quicmux"
	"github.com/Liangxia6/quicmux/internal/protocol"
)

// Config is the root configuration shared by Server/APP, Client/APP and Proxy.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Transport TransportConfig `mapstructure:"transport"`
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the in-memory metrics sink.
type MetricsConfig struct {
	Enable      bool          `mapstructure:"enable"`
	ServiceName string        `mapstructure:"service_name"`
	Interval    time.Duration `mapstructure:"interval"`
	Retain      time.Duration `mapstructure:"retain"`
}

// TransportConfig holds the engine settings. Zero values keep the engine
// defaults.
type TransportConfig struct {
	Versions           []string      `mapstructure:"versions"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	MaxIncomingStreams int           `mapstructure:"max_incoming_streams"`
	MaxPacketSize      int           `mapstructure:"max_packet_size"`
	TimeWaitCapacity   int           `mapstructure:"time_wait_capacity"`
	// SocketBufferSize sizes SO_RCVBUF and SO_SNDBUF. 0 keeps the OS default.
	SocketBufferSize int `mapstructure:"socket_buffer_size"`
}

// ServerConfig configures Server/APP.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// 迁移时推送给 client 的新地址/端口
	MigrateAddr string        `mapstructure:"migrate_addr"`
	MigratePort int           `mapstructure:"migrate_port"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	Quiet       bool          `mapstructure:"quiet"`
}

// ClientConfig configures Client/APP.
type ClientConfig struct {
	Target      string        `mapstructure:"target"`
	ClientID    string        `mapstructure:"client_id"`
	ServerName  string        `mapstructure:"server_name"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	DialBackoff time.Duration `mapstructure:"dial_backoff"`
	Interval    time.Duration `mapstructure:"interval"`
	IOTimeout   time.Duration `mapstructure:"io_timeout"`
	Quiet       bool          `mapstructure:"quiet"`
}

// ProxyConfig configures Proxy.
type ProxyConfig struct {
	ListenAddr  string        `mapstructure:"listen_addr"`
	BackendFile string        `mapstructure:"backend_file"`
	Backend     string        `mapstructure:"backend"`
	Poll        time.Duration `mapstructure:"poll"`
	// DropRate is the share of datagrams dropped in each direction.
	DropRate float64 `mapstructure:"drop_rate"`
}

// Default returns a Config populated with the defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Filename:   "logs/quicmux.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{
			Enable:      true,
			ServiceName: "quicmux",
			Interval:    10 * time.Second,
			Retain:      time.Minute,
		},
		Transport: TransportConfig{
			Versions:           []string{protocol.Version2.String(), protocol.Version1.String()},
			IdleTimeout:        protocol.DefaultIdleTimeout,
			HandshakeTimeout:   protocol.DefaultHandshakeTimeout,
			MaxIncomingStreams: protocol.DefaultMaxIncomingStreams,
			MaxPacketSize:      int(protocol.MaxPacketSize),
			TimeWaitCapacity:   protocol.DefaultTimeWaitCapacity,
		},
		Server: ServerConfig{
			ListenAddr:  ":4242",
			MigrateAddr: "127.0.0.1",
			MigratePort: 5243,
			AckTimeout:  800 * time.Millisecond,
			Quiet:       true,
		},
		Client: ClientConfig{
			Target:      "127.0.0.1:5242",
			ClientID:    "car",
			ServerName:  "localhost",
			DialTimeout: 900 * time.Millisecond,
			DialBackoff: 50 * time.Millisecond,
			Interval:    200 * time.Millisecond,
			IOTimeout:   1200 * time.Millisecond,
		},
		Proxy: ProxyConfig{
			ListenAddr:  ":5342",
			BackendFile: "/dev/shm/criu-inject/backend.addr",
			Poll:        20 * time.Millisecond,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix QUICMUX with `.`
// and `-` replaced by `_`, e.g. QUICMUX_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QUICMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, Default())

	if path == "" {
		path = os.Getenv("QUICMUX_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quicmux")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".quicmux"))
		}
	}

	// 没有配置文件时使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	// Defaults come from viper; decoding over Default() would overlay lists
	// element by element.
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDefaults registers every key, so env-only configs work.
func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.service_name", cfg.Metrics.ServiceName)
	v.SetDefault("metrics.interval", cfg.Metrics.Interval)
	v.SetDefault("metrics.retain", cfg.Metrics.Retain)

	v.SetDefault("transport.versions", cfg.Transport.Versions)
	v.SetDefault("transport.idle_timeout", cfg.Transport.IdleTimeout)
	v.SetDefault("transport.handshake_timeout", cfg.Transport.HandshakeTimeout)
	v.SetDefault("transport.max_incoming_streams", cfg.Transport.MaxIncomingStreams)
	v.SetDefault("transport.max_packet_size", cfg.Transport.MaxPacketSize)
	v.SetDefault("transport.time_wait_capacity", cfg.Transport.TimeWaitCapacity)
	v.SetDefault("transport.socket_buffer_size", cfg.Transport.SocketBufferSize)

	v.SetDefault("server.listen_addr", cfg.Server.ListenAddr)
	v.SetDefault("server.migrate_addr", cfg.Server.MigrateAddr)
	v.SetDefault("server.migrate_port", cfg.Server.MigratePort)
	v.SetDefault("server.ack_timeout", cfg.Server.AckTimeout)
	v.SetDefault("server.quiet", cfg.Server.Quiet)

	v.SetDefault("client.target", cfg.Client.Target)
	v.SetDefault("client.client_id", cfg.Client.ClientID)
	v.SetDefault("client.server_name", cfg.Client.ServerName)
	v.SetDefault("client.dial_timeout", cfg.Client.DialTimeout)
	v.SetDefault("client.dial_backoff", cfg.Client.DialBackoff)
	v.SetDefault("client.interval", cfg.Client.Interval)
	v.SetDefault("client.io_timeout", cfg.Client.IOTimeout)
	v.SetDefault("client.quiet", cfg.Client.Quiet)

	v.SetDefault("proxy.listen_addr", cfg.Proxy.ListenAddr)
	v.SetDefault("proxy.backend_file", cfg.Proxy.BackendFile)
	v.SetDefault("proxy.backend", cfg.Proxy.Backend)
	v.SetDefault("proxy.poll", cfg.Proxy.Poll)
	v.SetDefault("proxy.drop_rate", cfg.Proxy.DropRate)
}

// Validate normalizes c and reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "console"
	case "console", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if _, err := c.Transport.versions(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Transport.IdleTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid transport.idle_timeout: %s", c.Transport.IdleTimeout))
	}
	if c.Transport.HandshakeTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid transport.handshake_timeout: %s", c.Transport.HandshakeTimeout))
	}
	if s := c.Transport.MaxPacketSize; s != 0 && (s < protocol.MinInitialPacketSize || s > int(protocol.MaxPacketSize)) {
		result = multierror.Append(result, fmt.Errorf("transport.max_packet_size %d out of range [%d, %d]", s, protocol.MinInitialPacketSize, protocol.MaxPacketSize))
	}
	if c.Transport.MaxIncomingStreams < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid transport.max_incoming_streams: %d", c.Transport.MaxIncomingStreams))
	}

	if c.Server.MigratePort < 0 || c.Server.MigratePort > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid server.migrate_port: %d", c.Server.MigratePort))
	}
	if strings.TrimSpace(c.Client.ClientID) == "" {
		c.Client.ClientID = "car"
	}
	if c.Proxy.DropRate < 0 || c.Proxy.DropRate >= 1 {
		result = multierror.Append(result, fmt.Errorf("proxy.drop_rate %v out of range [0, 1)", c.Proxy.DropRate))
	}
	return result.ErrorOrNil()
}

func (t *TransportConfig) versions() ([]quicmux.Version, error) {
	var versions []quicmux.Version
	for _, tag := range t.Versions {
		if len(tag) != 4 {
			return nil, fmt.Errorf("invalid transport.versions entry %q", tag)
		}
		v := protocol.VersionTag(tag)
		if !protocol.IsSupportedVersion(protocol.SupportedVersions, v) {
			return nil, fmt.Errorf("unsupported version %q", tag)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// EngineConfig returns the engine config for these settings. The caller sets
// the logger and the callbacks.
func (t *TransportConfig) EngineConfig() (*quicmux.Config, error) {
	versions, err := t.versions()
	if err != nil {
		return nil, err
	}
	return &quicmux.Config{
		Versions:           versions,
		IdleTimeout:        t.IdleTimeout,
		HandshakeTimeout:   t.HandshakeTimeout,
		MaxIncomingStreams: t.MaxIncomingStreams,
		MaxPacketSize:      quicmux.ByteCount(t.MaxPacketSize),
		TimeWaitCapacity:   t.TimeWaitCapacity,
	}, nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
