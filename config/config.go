// Package config reads the YAML configuration shared by the relay binary and
// the sync client.
//
//	relay:
//	  http_addr: ":8080"
//	  quic_addr: ":8443"
//	  db_path: data/boards.db
//	log:
//	  level: info
//	sync:
//	  persist_debounce: 500ms
//	  poll_interval: 1s
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/boardsync/session"
)

// sync.persist_debounce is clamped to this range.
const (
	MinPersistDebounce = 200 * time.Millisecond
	MaxPersistDebounce = time.Second
)

// Config is the top-level configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
	Sync   SyncConfig   `yaml:"sync"`
	Client ClientConfig `yaml:"client"`
}

// RelayConfig configures cmd/boardrelay.
type RelayConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// QUICAddr enables the QUIC broadcast-channel listener when set.
	QUICAddr string `yaml:"quic_addr"`
	DBPath   string `yaml:"db_path"`
	// TLSCert and TLSKey serve QUIC. Without them a self-signed
	// certificate is generated.
	TLSCert      string        `yaml:"tls_cert"`
	TLSKey       string        `yaml:"tls_key"`
	SendBuffer   int           `yaml:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	// MetricsInterval is the hub/runtime sampling period; 0 disables metrics.
	MetricsInterval  time.Duration `yaml:"metrics_interval"`
	MetricsRetention time.Duration `yaml:"metrics_retention"`
}

// LogConfig selects the log level and format (json or text).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig is the session tuning. Zero values keep session defaults.
type SyncConfig struct {
	PersistDebounce       time.Duration `yaml:"persist_debounce"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	ConfirmTimeout        time.Duration `yaml:"confirm_timeout"`
	Cooldown              time.Duration `yaml:"cooldown"`
	ActiveWindow          time.Duration `yaml:"active_window"`
	StrokeIdle            time.Duration `yaml:"stroke_idle"`
	FullSnapshotThreshold int           `yaml:"full_snapshot_threshold"`
}

// ClientConfig configures cmd/boardtail.
type ClientConfig struct {
	// RelayURL is the relay's HTTP base, e.g. http://localhost:8080.
	RelayURL string `yaml:"relay_url"`
	// Transport is "websocket" (default) or "quic".
	Transport string `yaml:"transport"`
	QUICAddr  string `yaml:"quic_addr"`
	// Insecure skips relay certificate verification for QUIC.
	Insecure bool `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			HTTPAddr:         ":8080",
			DBPath:           "data/boards.db",
			SendBuffer:       256,
			PingInterval:     30 * time.Second,
			MetricsInterval:  15 * time.Second,
			MetricsRetention: 7 * 24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Sync: SyncConfig{
			PersistDebounce:       500 * time.Millisecond,
			PollInterval:          time.Second,
			ConfirmTimeout:        time.Second,
			Cooldown:              100 * time.Millisecond,
			ActiveWindow:          150 * time.Millisecond,
			StrokeIdle:            50 * time.Millisecond,
			FullSnapshotThreshold: 500,
		},
		Client: ClientConfig{
			RelayURL:  "http://localhost:8080",
			Transport: "websocket",
		},
	}
}

// LoadFile reads path over Default. An empty path returns Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse: %w", err)
	}
	cfg.Sync.PersistDebounce = clamp(cfg.Sync.PersistDebounce, MinPersistDebounce, MaxPersistDebounce)
	return nil
}

// Validate checks values a process cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Relay.HTTPAddr == "":
		return errors.New("config: relay.http_addr is required")
	case c.Relay.DBPath == "":
		return errors.New("config: relay.db_path is required")
	case (c.Relay.TLSCert == "") != (c.Relay.TLSKey == ""):
		return errors.New("config: relay.tls_cert and relay.tls_key go together")
	case c.Relay.SendBuffer < 0:
		return errors.New("config: relay.send_buffer must be >= 0")
	case c.Sync.PollInterval < 0, c.Sync.ConfirmTimeout < 0, c.Sync.Cooldown < 0,
		c.Sync.ActiveWindow < 0, c.Sync.StrokeIdle < 0:
		return errors.New("config: sync durations must be >= 0")
	}
	switch c.Client.Transport {
	case "", "websocket":
	case "quic":
		if c.Client.QUICAddr == "" {
			return errors.New("config: client.quic_addr is required with the quic transport")
		}
	default:
		return fmt.Errorf("config: unknown client.transport %q", c.Client.Transport)
	}
	return nil
}

// Session builds the session configuration of one client.
func (s SyncConfig) Session(boardID, clientID, pageID string) session.Config {
	return session.Config{
		BoardID:               boardID,
		ClientID:              clientID,
		PageID:                pageID,
		PersistDebounce:       clamp(s.PersistDebounce, MinPersistDebounce, MaxPersistDebounce),
		PollInterval:          s.PollInterval,
		ConfirmTimeout:        s.ConfirmTimeout,
		Cooldown:              s.Cooldown,
		ActiveWindow:          s.ActiveWindow,
		StrokeIdle:            s.StrokeIdle,
		FullSnapshotThreshold: s.FullSnapshotThreshold,
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 0
	case d < lo:
		return lo
	case d > hi:
		return hi
	}
	return d
}
