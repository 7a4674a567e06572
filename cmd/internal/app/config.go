package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"murmur/cmd/internal/logstore"
)

// Config contains all runtime configuration.
//
// Sources, lowest precedence first: DefaultConfig, an optional YAML file,
// MURMUR_* environment variables, then command-line flags.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | pretty

	// NodeID identifies this worker on the peer bus. Empty derives one from
	// the hostname and pid.
	NodeID string `yaml:"node_id"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	Store StoreConfig `yaml:"store"`
	WS    WSConfig    `yaml:"ws"`
	Peer  PeerConfig  `yaml:"peer"`

	Cluster ClusterConfig `yaml:"cluster"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// StoreConfig selects the durable log backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite | postgres | pebble | memory
	PageSize int    `yaml:"page_size"`

	SQLitePath        string        `yaml:"sqlite_path"`
	SQLiteBusyTimeout time.Duration `yaml:"sqlite_busy_timeout"`

	PebbleDir    string `yaml:"pebble_dir"`
	PebbleNoSync bool   `yaml:"pebble_no_sync"`

	DatabaseURL    string `yaml:"database_url"`
	DBMaxConns     int32  `yaml:"db_max_conns"`
	DBMinConns     int32  `yaml:"db_min_conns"`
	PostgresSchema string `yaml:"postgres_schema"`
}

// WSConfig is the client transport policy.
type WSConfig struct {
	OriginRequired bool     `yaml:"origin_required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DevInsecure    bool     `yaml:"dev_insecure"`

	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HelloTimeout      time.Duration `yaml:"hello_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	RateEvents int           `yaml:"rate_events"`
	RateWindow time.Duration `yaml:"rate_window"`

	// Session continuity: a disconnected session is kept this long and
	// buffers up to RecoveryMaxBuffer messages.
	RecoveryEnabled       bool          `yaml:"recovery_enabled"`
	RecoveryMaxDisconnect time.Duration `yaml:"recovery_max_disconnect"`
	RecoveryMaxBuffer     int           `yaml:"recovery_max_buffer"`
}

// PeerConfig selects the peer bus connecting workers.
type PeerConfig struct {
	Bus         string `yaml:"bus"` // memory | relay
	RelayURL    string `yaml:"relay_url"`
	OutboxLimit int    `yaml:"outbox_limit"`
}

// ClusterConfig drives `murmur cluster` and `murmur relay`.
type ClusterConfig struct {
	Workers      int    `yaml:"workers"`
	BasePort     int    `yaml:"base_port"`
	RelayAddr    string `yaml:"relay_addr"`
	RelayBacklog int    `yaml:"relay_backlog"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:3000",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		Store: StoreConfig{
			Driver:            logstore.DriverSQLite,
			PageSize:          logstore.DefaultPageSize,
			SQLitePath:        "database.db",
			SQLiteBusyTimeout: 5 * time.Second,
			PebbleDir:         "murmur-data",
			DBMaxConns:        10,
			DBMinConns:        0,
			PostgresSchema:    "murmur",
		},

		WS: WSConfig{
			OriginRequired:        true,
			AllowedOrigins:        []string{"http://localhost", "http://127.0.0.1"},
			WriteTimeout:          5 * time.Second,
			HelloTimeout:          10 * time.Second,
			HeartbeatInterval:     25 * time.Second,
			HeartbeatTimeout:      5 * time.Second,
			RateEvents:            120,
			RateWindow:            10 * time.Second,
			RecoveryEnabled:       true,
			RecoveryMaxDisconnect: 2 * time.Minute,
			RecoveryMaxBuffer:     256,
		},

		Peer: PeerConfig{
			Bus:         "memory",
			OutboxLimit: 4096,
		},

		Cluster: ClusterConfig{
			Workers:      runtime.NumCPU(),
			BasePort:     3000,
			RelayAddr:    "127.0.0.1:3999",
			RelayBacklog: 4096,
		},

		MetricsEnabled: true,
	}
}

// LoadConfig builds Config from defaults, the YAML file at path (optional)
// and the environment.
func LoadConfig(path string) (Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// decodeYAML overlays data on cfg and rejects unknown keys.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides cfg with MURMUR_* variables that are set.
func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("MURMUR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("MURMUR_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("MURMUR_LOG_FORMAT", cfg.LogFormat)
	cfg.NodeID = EnvString("MURMUR_NODE_ID", cfg.NodeID)

	cfg.ReadHeaderTimeout = EnvDuration("MURMUR_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("MURMUR_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("MURMUR_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("MURMUR_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("MURMUR_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	s := &cfg.Store
	s.Driver = EnvString("MURMUR_STORE", s.Driver)
	s.PageSize = EnvInt("MURMUR_STORE_PAGE_SIZE", s.PageSize)
	s.SQLitePath = EnvString("MURMUR_SQLITE_PATH", s.SQLitePath)
	s.SQLiteBusyTimeout = EnvDuration("MURMUR_SQLITE_BUSY_TIMEOUT", s.SQLiteBusyTimeout)
	s.PebbleDir = EnvString("MURMUR_PEBBLE_DIR", s.PebbleDir)
	s.PebbleNoSync = EnvBool("MURMUR_PEBBLE_NO_SYNC", s.PebbleNoSync)
	s.DatabaseURL = EnvString("MURMUR_DATABASE_URL", s.DatabaseURL)
	s.DBMaxConns = EnvInt32("MURMUR_DB_MAX_CONNS", s.DBMaxConns)
	s.DBMinConns = EnvInt32("MURMUR_DB_MIN_CONNS", s.DBMinConns)
	s.PostgresSchema = EnvString("MURMUR_POSTGRES_SCHEMA", s.PostgresSchema)

	w := &cfg.WS
	w.OriginRequired = EnvBool("MURMUR_WS_ORIGIN_REQUIRED", w.OriginRequired)
	w.AllowedOrigins = EnvCSV("MURMUR_WS_ALLOWED_ORIGINS", w.AllowedOrigins)
	w.DevInsecure = EnvBool("MURMUR_WS_DEV_INSECURE", w.DevInsecure)
	w.WriteTimeout = EnvDuration("MURMUR_WS_WRITE_TIMEOUT", w.WriteTimeout)
	w.HelloTimeout = EnvDuration("MURMUR_WS_HELLO_TIMEOUT", w.HelloTimeout)
	w.HeartbeatInterval = EnvDuration("MURMUR_WS_HEARTBEAT_INTERVAL", w.HeartbeatInterval)
	w.HeartbeatTimeout = EnvDuration("MURMUR_WS_HEARTBEAT_TIMEOUT", w.HeartbeatTimeout)
	w.RateEvents = EnvInt("MURMUR_WS_RATE_EVENTS", w.RateEvents)
	w.RateWindow = EnvDuration("MURMUR_WS_RATE_WINDOW", w.RateWindow)
	w.RecoveryEnabled = EnvBool("MURMUR_RECOVERY_ENABLED", w.RecoveryEnabled)
	w.RecoveryMaxDisconnect = EnvDuration("MURMUR_RECOVERY_MAX_DISCONNECT", w.RecoveryMaxDisconnect)
	w.RecoveryMaxBuffer = EnvInt("MURMUR_RECOVERY_MAX_BUFFER", w.RecoveryMaxBuffer)

	p := &cfg.Peer
	p.Bus = EnvString("MURMUR_PEER_BUS", p.Bus)
	p.RelayURL = EnvString("MURMUR_PEER_RELAY_URL", p.RelayURL)
	p.OutboxLimit = EnvInt("MURMUR_PEER_OUTBOX_LIMIT", p.OutboxLimit)

	c := &cfg.Cluster
	c.Workers = EnvInt("MURMUR_WORKERS", c.Workers)
	c.BasePort = EnvInt("MURMUR_BASE_PORT", c.BasePort)
	c.RelayAddr = EnvString("MURMUR_RELAY_ADDR", c.RelayAddr)
	c.RelayBacklog = EnvInt("MURMUR_RELAY_BACKLOG", c.RelayBacklog)

	cfg.MetricsEnabled = EnvBool("MURMUR_METRICS_ENABLED", cfg.MetricsEnabled)
}

// Validate rejects configurations that cannot start.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: http_addr is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", logstore.DriverSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("config: store.sqlite_path is required for sqlite")
		}
	case logstore.DriverPebble:
		if strings.TrimSpace(c.Store.PebbleDir) == "" {
			return errors.New("config: store.pebble_dir is required for pebble")
		}
	case logstore.DriverPostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return errors.New("config: store.database_url is required for postgres")
		}
	case logstore.DriverMemory:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Peer.Bus)) {
	case "", "memory":
	case "relay":
		if strings.TrimSpace(c.Peer.RelayURL) == "" {
			return errors.New("config: peer.relay_url is required for the relay bus")
		}
	default:
		return fmt.Errorf("config: unknown peer bus %q", c.Peer.Bus)
	}

	return nil
}

// storeDriver returns the normalized store driver name.
func (c Config) storeDriver() string {
	return strings.ToLower(strings.TrimSpace(c.Store.Driver))
}
