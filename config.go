package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all node settings. It is loaded from TOML and then
// overridden by explicitly set command-line flags.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Session   SessionConfig   `toml:"session"`
	Mirror    MirrorConfig    `toml:"mirror"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Log       LogConfig       `toml:"log"`
	UI        UIConfig        `toml:"ui"`
}

type NodeConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	DataDir string `toml:"data_dir"`
}

type SessionConfig struct {
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	DialTimeout      Duration `toml:"dial_timeout"`
	SendQueue        int      `toml:"send_queue"`
	MaxLineBytes     int      `toml:"max_line_bytes"`
}

type MirrorConfig struct {
	EchoWindow   Duration `toml:"echo_window"`
	SkipExisting bool     `toml:"skip_existing"`
}

type DiscoveryConfig struct {
	Enabled  bool     `toml:"enabled"`
	Group    string   `toml:"group"`
	Interval Duration `toml:"interval"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type UIConfig struct {
	TUI       bool   `toml:"tui"`
	Chime     bool   `toml:"chime"`
	ChimeFile string `toml:"chime_file"`
}

// Duration wraps time.Duration for TOML parsing.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Host:    "",
			Port:    3000,
			DataDir: "./data",
		},
		Session: SessionConfig{
			HandshakeTimeout: Duration{10 * time.Second},
			WriteTimeout:     Duration{10 * time.Second},
			DialTimeout:      Duration{5 * time.Second},
			SendQueue:        256,
			MaxLineBytes:     16 << 20,
		},
		Mirror: MirrorConfig{
			EchoWindow:   Duration{2 * time.Second},
			SkipExisting: false,
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Group:    "239.255.255.250:9999",
			Interval: Duration{5 * time.Second},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path on top of the defaults. An empty path or a missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ListenAddr is the TCP address the node listens on.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Node.Host, fmt.Sprint(c.Node.Port))
}

func (c *Config) Validate() error {
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Node.Port)
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.Session.SendQueue < 1 {
		return fmt.Errorf("invalid send queue size: %d (must be >= 1)", c.Session.SendQueue)
	}
	if c.Session.MaxLineBytes < 1024 {
		return fmt.Errorf("invalid max line size: %d (must be >= 1024)", c.Session.MaxLineBytes)
	}
	if c.Session.HandshakeTimeout.Duration < 0 {
		return fmt.Errorf("invalid handshake timeout: %v (must not be negative)", c.Session.HandshakeTimeout)
	}
	if c.Session.WriteTimeout.Duration < 0 {
		return fmt.Errorf("invalid write timeout: %v (must not be negative)", c.Session.WriteTimeout)
	}
	if c.Mirror.EchoWindow.Duration <= 0 {
		return fmt.Errorf("invalid echo window: %v (must be positive)", c.Mirror.EchoWindow)
	}
	if c.Discovery.Enabled {
		if _, err := net.ResolveUDPAddr("udp4", c.Discovery.Group); err != nil {
			return fmt.Errorf("invalid discovery group %q: %w", c.Discovery.Group, err)
		}
		if c.Discovery.Interval.Duration <= 0 {
			return fmt.Errorf("invalid discovery interval: %v (must be positive)", c.Discovery.Interval)
		}
	}
	return nil
}
