package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func findCommand(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	cmd, _, err := root.Find([]string{name})
	if err != nil || cmd == root {
		t.Fatalf("command %q not found: %v", name, err)
	}
	return cmd
}

func TestApplyFlags_OnlyChangedFlagsOverride(t *testing.T) {
	t.Parallel()

	root := NewRootCommand()
	serve := findCommand(t, root, "serve")
	if err := serve.ParseFlags([]string{"--addr", "127.0.0.1:4000", "--store", "memory", "--metrics=false"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	if err := applyFlags(serve, &cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:4000" || cfg.Store.Driver != "memory" {
		t.Fatalf("addr=%q driver=%q", cfg.HTTPAddr, cfg.Store.Driver)
	}
	if cfg.MetricsEnabled {
		t.Fatal("--metrics=false should disable metrics")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unset flag overwrote log level: %q", cfg.LogLevel)
	}
}

func TestApplyFlags_ClusterInts(t *testing.T) {
	t.Parallel()

	root := NewRootCommand()
	cluster := findCommand(t, root, "cluster")
	if err := cluster.ParseFlags([]string{"--workers", "3", "--base-port", "5000"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := DefaultConfig()
	if err := applyFlags(cluster, &cfg); err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if cfg.Cluster.Workers != 3 || cfg.Cluster.BasePort != 5000 {
		t.Fatalf("cluster=%+v", cfg.Cluster)
	}
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
		wantOut string
	}{
		{name: "version", args: []string{"--version"}, wantOut: "dev"},
		{name: "help", args: []string{"--help"}, wantOut: "serve"},
		{name: "serve rejects args", args: []string{"serve", "extra"}, wantErr: "unknown command"},
		{name: "cluster refuses memory store", args: []string{"cluster", "--store", "memory"}, wantErr: "cannot be shared"},
		{name: "bad store flag", args: []string{"serve", "--store", "mysql"}, wantErr: "unknown store driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewRootCommand()
			var out bytes.Buffer
			root.SetOut(&out)
			root.SetErr(&out)
			root.SetArgs(tt.args)

			err := root.ExecuteContext(context.Background())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err=%v want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Fatalf("output %q does not contain %q", out.String(), tt.wantOut)
			}
		})
	}
}
