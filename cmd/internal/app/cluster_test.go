package app

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestValidateCluster(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "sqlite ok", mutate: func(*Config) {}},
		{name: "postgres ok", mutate: func(c *Config) { c.Store.Driver = "postgres" }},
		{name: "memory refused", mutate: func(c *Config) { c.Store.Driver = "memory" }, wantErr: "cannot be shared"},
		{name: "pebble refused", mutate: func(c *Config) { c.Store.Driver = "pebble" }, wantErr: "cannot be shared"},
		{name: "no workers", mutate: func(c *Config) { c.Cluster.Workers = 0 }, wantErr: "at least 1"},
		{name: "port overflow", mutate: func(c *Config) {
			c.Cluster.BasePort = 65535
			c.Cluster.Workers = 2
		}, wantErr: "base_port"},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Cluster.Workers = 4
		tc.mutate(&cfg)

		err := validateCluster(cfg)
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected err %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err=%v want containing %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestWorkerEnv(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.HTTPAddr = "0.0.0.0:3000"
	cfg.Cluster.BasePort = 3000
	cfg.Store.SQLitePath = "/data/murmur.db"
	cfg.LogLevel = "debug"

	got := workerEnv(cfg, 2, "ws://127.0.0.1:3999/peer")
	want := []string{
		"MURMUR_HTTP_ADDR=0.0.0.0:3002",
		"MURMUR_NODE_ID=worker-2",
		"MURMUR_PEER_BUS=relay",
		"MURMUR_PEER_RELAY_URL=ws://127.0.0.1:3999/peer",
		"MURMUR_STORE=sqlite",
		"MURMUR_SQLITE_PATH=/data/murmur.db",
		"MURMUR_LOG_LEVEL=debug",
	}
	for _, w := range want {
		if !slices.Contains(got, w) {
			t.Fatalf("workerEnv missing %q in %v", w, got)
		}
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "MURMUR_DATABASE_URL=") {
			t.Fatalf("unexpected %q for sqlite", kv)
		}
	}
}

func TestWorkerCommand(t *testing.T) {
	t.Parallel()

	cmd := workerCommand(context.Background(), "/usr/local/bin/murmur", "/etc/murmur.yaml", []string{"MURMUR_NODE_ID=worker-0"})

	wantArgs := []string{"/usr/local/bin/murmur", "serve", "--config", "/etc/murmur.yaml"}
	if !slices.Equal(cmd.Args, wantArgs) {
		t.Fatalf("args=%v want %v", cmd.Args, wantArgs)
	}
	if !slices.Contains(cmd.Env, "MURMUR_NODE_ID=worker-0") {
		t.Fatal("worker env not applied")
	}
	if cmd.Cancel == nil || cmd.WaitDelay != workerStopGrace {
		t.Fatal("graceful stop not configured")
	}

	bare := workerCommand(context.Background(), "murmur", "", nil)
	if !slices.Equal(bare.Args, []string{"murmur", "serve"}) {
		t.Fatalf("args without config=%v", bare.Args)
	}
}

func TestRunCluster_RefusesPrivateStore(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Store.Driver = "pebble"
	err := RunCluster(context.Background(), cfg, ClusterOptions{Executable: "/bin/false"}, quietLogger())
	if err == nil || !strings.Contains(err.Error(), "cannot be shared") {
		t.Fatalf("err=%v", err)
	}
}

func TestServeRelay_HealthAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := runtimeBaseURL(ln.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serveRelay(ctx, ln, 16, quietLogger()) }()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serveRelay: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveRelay did not stop")
	}

	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Fatal("relay still serving after shutdown")
	}
}
