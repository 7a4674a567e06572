package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"murmur/cmd/internal/logstore"
	"murmur/cmd/internal/peerbus"
)

const (
	workerStopGrace = 10 * time.Second
	relayPath       = "/peer"
)

// ErrWorkerExited is returned when a worker stops while the cluster is running.
var ErrWorkerExited = errors.New("cluster: worker exited")

// ClusterOptions carries what the supervisor needs to re-exec itself.
type ClusterOptions struct {
	// Executable defaults to os.Executable().
	Executable string
	// ConfigPath is forwarded to every worker as --config.
	ConfigPath string
}

// RunCluster hosts the peer relay and supervises cfg.Cluster.Workers worker
// processes, one per port starting at BasePort. Any worker exit brings the
// whole cluster down.
func RunCluster(ctx context.Context, cfg Config, opts ClusterOptions, log Logger) error {
	if err := validateCluster(cfg); err != nil {
		return err
	}

	exe := opts.Executable
	if exe == "" {
		p, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cluster: resolve executable: %w", err)
		}
		exe = p
	}

	ln, err := net.Listen("tcp", cfg.Cluster.RelayAddr)
	if err != nil {
		return fmt.Errorf("cluster: relay listen: %w", err)
	}
	relayURL := wsBaseURL(runtimeBaseURL(ln.Addr().String())) + relayPath

	log.Info("cluster.start",
		"workers", cfg.Cluster.Workers,
		"base_port", cfg.Cluster.BasePort,
		"relay_url", relayURL,
		"store", cfg.storeDriver(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveRelay(gctx, ln, cfg.Cluster.RelayBacklog, log)
	})

	for i := 0; i < cfg.Cluster.Workers; i++ {
		cmd := workerCommand(gctx, exe, opts.ConfigPath, workerEnv(cfg, i, relayURL))
		if err := cmd.Start(); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("cluster: start worker %d: %w", i, err)
		}
		log.Info("cluster.worker.start", "worker", i, "pid", cmd.Process.Pid, "port", cfg.Cluster.BasePort+i)

		g.Go(func() error {
			err := cmd.Wait()
			if gctx.Err() != nil {
				log.Info("cluster.worker.stop", "worker", i, "err", err)
				return nil
			}
			log.Error("cluster.worker.exit", "worker", i, "err", err)
			if err == nil {
				return fmt.Errorf("%w: worker %d", ErrWorkerExited, i)
			}
			return fmt.Errorf("%w: worker %d: %w", ErrWorkerExited, i, err)
		})
	}

	notifySystemd(log, daemon.SdNotifyReady)
	go func() {
		<-gctx.Done()
		notifySystemd(log, daemon.SdNotifyStopping)
	}()

	err = g.Wait()
	log.Info("cluster.stopped", "err", err)
	return err
}

// RunRelay serves only the peer relay, for workers started by another
// supervisor (systemd units, containers).
func RunRelay(ctx context.Context, cfg Config, log Logger) error {
	ln, err := net.Listen("tcp", cfg.Cluster.RelayAddr)
	if err != nil {
		return fmt.Errorf("relay: listen: %w", err)
	}
	log.Info("relay.start", "url", wsBaseURL(runtimeBaseURL(ln.Addr().String()))+relayPath)

	notifySystemd(log, daemon.SdNotifyReady)
	err = serveRelay(ctx, ln, cfg.Cluster.RelayBacklog, log)
	notifySystemd(log, daemon.SdNotifyStopping)
	return err
}

// serveRelay runs a RelayServer on ln until ctx is done.
func serveRelay(ctx context.Context, ln net.Listener, backlog int, log Logger) error {
	relay := peerbus.NewRelayServer(log, backlog)

	mux := http.NewServeMux()
	mux.Handle(relayPath, relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Handler:           WithRequestLogging(mux, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("relay.fail", "err", err)
			return fmt.Errorf("relay: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked peer connections; they drop when
	// the process exits and workers reconnect to the next relay.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay: shutdown: %w", err)
	}
	log.Info("relay.stopped", "epoch", relay.Epoch())
	return nil
}

func validateCluster(cfg Config) error {
	if cfg.Cluster.Workers < 1 {
		return errors.New("cluster: workers must be at least 1")
	}
	if cfg.Cluster.BasePort < 1 || cfg.Cluster.BasePort+cfg.Cluster.Workers-1 > 65535 {
		return fmt.Errorf("cluster: base_port %d leaves no room for %d workers", cfg.Cluster.BasePort, cfg.Cluster.Workers)
	}
	switch cfg.storeDriver() {
	case logstore.DriverMemory, logstore.DriverPebble:
		// Both are private to one process; workers would not share a log.
		return fmt.Errorf("cluster: store %q cannot be shared between workers; use sqlite or postgres", cfg.Store.Driver)
	}
	return nil
}

// workerEnv returns the variables that turn a `serve` process into cluster
// worker i. Store and log settings are forwarded so flag overrides reach the workers.
func workerEnv(cfg Config, i int, relayURL string) []string {
	host, _, err := net.SplitHostPort(cfg.HTTPAddr)
	if err != nil {
		host = "0.0.0.0"
	}
	env := []string{
		"MURMUR_HTTP_ADDR=" + net.JoinHostPort(host, strconv.Itoa(cfg.Cluster.BasePort+i)),
		"MURMUR_NODE_ID=worker-" + strconv.Itoa(i),
		"MURMUR_PEER_BUS=relay",
		"MURMUR_PEER_RELAY_URL=" + relayURL,
		"MURMUR_STORE=" + cfg.storeDriver(),
	}
	if cfg.LogLevel != "" {
		env = append(env, "MURMUR_LOG_LEVEL="+cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		env = append(env, "MURMUR_LOG_FORMAT="+cfg.LogFormat)
	}
	if cfg.Store.SQLitePath != "" {
		env = append(env, "MURMUR_SQLITE_PATH="+cfg.Store.SQLitePath)
	}
	if cfg.Store.DatabaseURL != "" {
		env = append(env, "MURMUR_DATABASE_URL="+cfg.Store.DatabaseURL)
	}
	return env
}

func workerCommand(ctx context.Context, exe, configPath string, env []string) *exec.Cmd {
	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = workerStopGrace
	return cmd
}

func notifySystemd(log Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd.notify.fail", "state", state, "err", err)
		return
	}
	if sent {
		log.Debug("systemd.notify", "state", state)
	}
}
