package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/relayinbox/internal/cliutil"
)

func TestResolveLogDSNProfiles(t *testing.T) {
	cases := []struct {
		cfg  serveConfig
		want string
	}{
		{cfg: serveConfig{}, want: "memory://"},
		{cfg: serveConfig{Profile: "memory"}, want: "memory://"},
		{cfg: serveConfig{Profile: "durable-local", DataDir: "/var/lib/inbox"}, want: filepath.Join("/var/lib/inbox", "messages.jsonl")},
		{cfg: serveConfig{Profile: "production", ProductionDSN: "postgres://db/inbox"}, want: "postgres://db/inbox"},
		{cfg: serveConfig{Profile: "production", LogDSN: "sqlite:///tmp/x.db"}, want: "sqlite:///tmp/x.db"},
	}
	for _, tc := range cases {
		got, err := resolveLogDSN(tc.cfg)
		if err != nil {
			t.Fatalf("resolve %+v: %v", tc.cfg, err)
		}
		if got != tc.want {
			t.Fatalf("resolve %+v: expected %q, got %q", tc.cfg, tc.want, got)
		}
	}
}

func TestResolveLogDSNRejectsBadProfiles(t *testing.T) {
	if _, err := resolveLogDSN(serveConfig{Profile: "production"}); err == nil {
		t.Fatalf("expected production without dsn to fail")
	}
	if _, err := resolveLogDSN(serveConfig{Profile: "cloud"}); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestServeConfigFromEnv(t *testing.T) {
	t.Setenv("RELAYINBOX_RATE_LIMIT_MAX", "42")
	t.Setenv("RELAYINBOX_HEARTBEAT_INTERVAL", "150ms")
	cmd := newRootCommand()
	v := viper.New()
	if err := cliutil.BindConfig(v, cmd, envPrefix); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	cfg := loadServeConfig(v)
	if cfg.RateLimitMax != 42 {
		t.Fatalf("expected 42, got %d", cfg.RateLimitMax)
	}
	if cfg.HeartbeatInterval != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", cfg.HeartbeatInterval)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
}

func TestBackendName(t *testing.T) {
	if got := backendName("postgres://user:secret@db/inbox"); got != "postgres" {
		t.Fatalf("expected postgres, got %q", got)
	}
	if got := backendName("/data/messages.jsonl"); got != "file" {
		t.Fatalf("expected file, got %q", got)
	}
}
