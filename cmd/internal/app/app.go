// Package app wires the murmur runtime: config, logging, storage, the peer
// bus, HTTP routes and the realtime gateway, plus the cluster supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"murmur/cmd/internal/fanout"
	"murmur/cmd/internal/ingest"
	"murmur/cmd/internal/logstore"
	"murmur/cmd/internal/metrics"
	"murmur/cmd/internal/peerbus"
	"murmur/cmd/internal/realtime"
	"murmur/cmd/internal/replay"
)

// App is one murmur worker: it owns the store, the peer bus and the HTTP server.
type App struct {
	cfg    Config
	log    Logger
	nodeID string

	store logstore.Store
	pool  *pgxpool.Pool

	bus     peerbus.Bus
	ownsBus bool

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	hub         *realtime.Hub
	broadcaster *fanout.Broadcaster
	ws          *realtime.WSGateway
}

// Option customizes New.
type Option func(*App)

// WithBus injects a peer bus instead of building one from config.
// The caller keeps ownership and closes it.
func WithBus(bus peerbus.Bus) Option {
	return func(a *App) { a.bus = bus }
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, nodeID: resolveNodeID(cfg.NodeID)}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.log = a.log.With("node_id", a.nodeID)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	st, pool, err := newStore(ctx, cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.store, a.pool = st, pool

	if a.bus == nil {
		bus, err := newBus(cfg, a.nodeID, a.log)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		a.bus, a.ownsBus = bus, true
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	reg := fanout.NewRegistry()

	bc, err := fanout.NewBroadcaster(a.log, a.nodeID, reg, a.bus, a.metrics)
	if err != nil {
		return err
	}
	pipe, err := ingest.New(a.store, bc, a.log, a.metrics)
	if err != nil {
		return err
	}
	rp, err := replay.New(a.store, a.log, a.metrics)
	if err != nil {
		return err
	}

	w := a.cfg.WS
	maxDisconnect := w.RecoveryMaxDisconnect
	if !w.RecoveryEnabled {
		maxDisconnect = -1
	}
	hub := realtime.NewHub(a.log, reg, a.metrics, realtime.HubConfig{
		SendQueueSize: w.RecoveryMaxBuffer,
		MaxDisconnect: maxDisconnect,
	})

	ws, err := realtime.NewWSGateway(a.log, realtime.GatewayConfig{
		OriginRequired:     w.OriginRequired,
		AllowedOrigins:     w.AllowedOrigins,
		InsecureSkipVerify: w.DevInsecure,
		WriteTimeout:       w.WriteTimeout,
		HelloTimeout:       w.HelloTimeout,
		HeartbeatInterval:  w.HeartbeatInterval,
		HeartbeatTimeout:   w.HeartbeatTimeout,
		RateEvents:         w.RateEvents,
		RateWindow:         w.RateWindow,
	}, hub, pipe, rp, a.metrics)
	if err != nil {
		return err
	}

	a.hub, a.broadcaster, a.ws = hub, bc, ws
	return nil
}

// NodeID returns the id this worker uses on the peer bus.
func (a *App) NodeID() string { return a.nodeID }

// Handler returns the full HTTP handler (routes plus middleware).
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.store, a.registry, a.ws)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and the peer subscription, and blocks until
// context cancellation or a fatal error. Resources are released on return.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"store", a.cfg.storeDriver(),
		"peer_bus", a.cfg.Peer.Bus,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.broadcaster.Run(gctx); err != nil {
			a.log.Error("fanout.run.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		// Parked sessions would otherwise keep timers alive past shutdown.
		a.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		// WebSocket connections are hijacked, so Shutdown does not wait for them.
		if err := a.ws.Shutdown(shutdownCtx); err != nil {
			a.log.Error("ws.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close ends open sessions, then releases the bus (when owned) and the store.
func (a *App) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.ws != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.ws.Shutdown(ctx); err != nil {
			a.log.Error("ws.shutdown.fail", "err", err)
		}
		cancel()
	}
	if a.ownsBus && a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("peerbus.close.fail", "err", err)
		}
		a.bus = nil
	}
	a.closeStore()
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	// Ownership model: the app owns the pool; PostgresStore.Close is a no-op.
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func resolveNodeID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "murmur"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// newStore opens the configured log store. For postgres it also returns
// the pool, which the app owns.
func newStore(ctx context.Context, cfg Config, log Logger) (logstore.Store, *pgxpool.Pool, error) {
	s := cfg.Store
	lcfg := logstore.Config{
		Driver:   cfg.storeDriver(),
		PageSize: s.PageSize,
		SQLite: logstore.SQLiteConfig{
			Path:        s.SQLitePath,
			BusyTimeout: s.SQLiteBusyTimeout,
		},
		Pebble: logstore.PebbleConfig{
			Dir:    s.PebbleDir,
			NoSync: s.PebbleNoSync,
		},
		PostgresSchema: s.PostgresSchema,
	}

	var pool *pgxpool.Pool
	if lcfg.Driver == logstore.DriverPostgres {
		p, err := NewDBPool(ctx, s)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pool = p
		lcfg.Pool = pool
	}

	st, err := logstore.Open(ctx, lcfg, log)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, nil, err
	}
	return st, pool, nil
}

// newBus builds the peer bus named by cfg.Peer.Bus.
func newBus(cfg Config, nodeID string, log Logger) (peerbus.Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Peer.Bus)) {
	case "", "memory":
		return peerbus.NewMemoryBus(0), nil
	case "relay":
		return peerbus.NewRelayClient(log, peerbus.RelayClientConfig{
			URL:         cfg.Peer.RelayURL,
			Origin:      nodeID,
			OutboxLimit: cfg.Peer.OutboxLimit,
		})
	default:
		return nil, fmt.Errorf("unknown peer bus %q", cfg.Peer.Bus)
	}
}
