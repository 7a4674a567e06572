package app

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "murmur.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:3000" || cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "database.db" {
		t.Fatalf("unexpected defaults: addr=%q driver=%q path=%q", cfg.HTTPAddr, cfg.Store.Driver, cfg.Store.SQLitePath)
	}
	if cfg.Cluster.BasePort != 3000 || cfg.Cluster.Workers < 1 {
		t.Fatalf("cluster defaults=%+v", cfg.Cluster)
	}
}

func TestLoadConfig_YAMLOverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
http_addr: 127.0.0.1:4100
log_format: pretty
store:
  driver: pebble
  pebble_dir: /var/lib/murmur
ws:
  allowed_origins:
    - https://chat.example
  recovery_max_disconnect: 90s
peer:
  bus: relay
  relay_url: ws://127.0.0.1:3999/peer
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:4100" || cfg.LogFormat != "pretty" {
		t.Fatalf("addr=%q format=%q", cfg.HTTPAddr, cfg.LogFormat)
	}
	if cfg.Store.Driver != "pebble" || cfg.Store.PebbleDir != "/var/lib/murmur" {
		t.Fatalf("store=%+v", cfg.Store)
	}
	if !slices.Equal(cfg.WS.AllowedOrigins, []string{"https://chat.example"}) {
		t.Fatalf("allowed_origins=%v", cfg.WS.AllowedOrigins)
	}
	if cfg.WS.RecoveryMaxDisconnect != 90*time.Second {
		t.Fatalf("recovery_max_disconnect=%v", cfg.WS.RecoveryMaxDisconnect)
	}
	// Untouched keys keep their defaults.
	if cfg.WS.RecoveryMaxBuffer != 256 || cfg.Store.SQLitePath != "database.db" {
		t.Fatalf("defaults lost: buffer=%d sqlite=%q", cfg.WS.RecoveryMaxBuffer, cfg.Store.SQLitePath)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "http_addr: 127.0.0.1:4100\nstore:\n  driver: sqlite\n")

	t.Setenv("MURMUR_HTTP_ADDR", "127.0.0.1:4200")
	t.Setenv("MURMUR_STORE", "memory")
	t.Setenv("MURMUR_WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MURMUR_RECOVERY_ENABLED", "false")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:4200" {
		t.Fatalf("addr=%q want env value", cfg.HTTPAddr)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("driver=%q want memory", cfg.Store.Driver)
	}
	if !slices.Equal(cfg.WS.AllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("allowed_origins=%v", cfg.WS.AllowedOrigins)
	}
	if cfg.WS.RecoveryEnabled {
		t.Fatal("recovery should be disabled by env")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "unknown key", body: "htp_addr: x\n", wantErr: "htp_addr"},
		{name: "bad driver", body: "store:\n  driver: mysql\n", wantErr: "unknown store driver"},
		{name: "relay without url", body: "peer:\n  bus: relay\n", wantErr: "relay_url"},
		{name: "bad log format", body: "log_format: xml\n", wantErr: "log_format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfig_EmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != DefaultConfig().HTTPAddr {
		t.Fatalf("addr=%q", cfg.HTTPAddr)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = " " }},
		{name: "postgres without url", mutate: func(c *Config) { c.Store.Driver = "postgres" }},
		{name: "postgres with url", mutate: func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DatabaseURL = "postgres://localhost/murmur"
		}, ok: true},
		{name: "pebble without dir", mutate: func(c *Config) {
			c.Store.Driver = "pebble"
			c.Store.PebbleDir = ""
		}},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.SQLitePath = "" }},
		{name: "unknown bus", mutate: func(c *Config) { c.Peer.Bus = "kafka" }},
		{name: "memory store", mutate: func(c *Config) { c.Store.Driver = "memory" }, ok: true},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: Validate err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}
}
