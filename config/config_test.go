package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boardsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.HTTPAddr != ":8080" || cfg.Sync.PersistDebounce != 500*time.Millisecond {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadFile_Overrides(t *testing.T) {
	path := writeFile(t, `
relay:
  http_addr: "127.0.0.1:9000"
  quic_addr: ":9443"
  db_path: /tmp/boards.db
  ping_interval: 10s
log:
  level: debug
sync:
  poll_interval: 2s
  cooldown: 250ms
  full_snapshot_threshold: 50
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.HTTPAddr != "127.0.0.1:9000" || cfg.Relay.QUICAddr != ":9443" {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if cfg.Relay.PingInterval != 10*time.Second {
		t.Fatalf("ping_interval = %v", cfg.Relay.PingInterval)
	}
	if cfg.Sync.PollInterval != 2*time.Second || cfg.Sync.Cooldown != 250*time.Millisecond {
		t.Fatalf("sync = %+v", cfg.Sync)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.PersistDebounce != 500*time.Millisecond || cfg.Relay.SendBuffer != 256 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log = %+v", cfg.Log)
	}
}

func TestParse_ClampsPersistDebounce(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want time.Duration
	}{
		{"50ms", MinPersistDebounce},
		{"700ms", 700 * time.Millisecond},
		{"5s", MaxPersistDebounce},
	} {
		cfg := Default()
		if err := Parse([]byte("sync:\n  persist_debounce: "+tc.in+"\n"), cfg); err != nil {
			t.Fatal(err)
		}
		if cfg.Sync.PersistDebounce != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.in, cfg.Sync.PersistDebounce, tc.want)
		}
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	err := Parse([]byte("relay:\n  htp_addr: x\n"), Default())
	if err == nil || !strings.Contains(err.Error(), "htp_addr") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no http addr":      func(c *Config) { c.Relay.HTTPAddr = "" },
		"no db":             func(c *Config) { c.Relay.DBPath = "" },
		"cert without key":  func(c *Config) { c.Relay.TLSCert = "cert.pem" },
		"negative poll":     func(c *Config) { c.Sync.PollInterval = -time.Second },
		"quic without addr": func(c *Config) { c.Client.Transport = "quic" },
		"unknown transport": func(c *Config) { c.Client.Transport = "carrier-pigeon" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSyncConfig_Session(t *testing.T) {
	s := Default().Sync
	s.PersistDebounce = 10 * time.Second
	cfg := s.Session("b1", "cli_a", "page:1")
	if cfg.BoardID != "b1" || cfg.ClientID != "cli_a" || cfg.PageID != "page:1" {
		t.Fatalf("ids = %+v", cfg)
	}
	if cfg.PersistDebounce != MaxPersistDebounce {
		t.Fatalf("persist debounce = %v", cfg.PersistDebounce)
	}
	if cfg.FullSnapshotThreshold != 500 || cfg.StrokeIdle != 50*time.Millisecond {
		t.Fatalf("tuning = %+v", cfg)
	}
}
