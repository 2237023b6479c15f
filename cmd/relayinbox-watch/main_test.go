package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/relayinbox/internal/cliutil"
	"github.com/agentworkforce/relayinbox/internal/httpapi"
	"github.com/agentworkforce/relayinbox/internal/messagelog"
)

func TestLoadWatchConfigRequiresOperator(t *testing.T) {
	cmd := newRootCommand()
	v := viper.New()
	if err := cliutil.BindConfig(v, cmd, "RELAYINBOX_WATCH_TEST"); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if _, err := loadWatchConfig(v); err == nil {
		t.Fatalf("expected missing operator to fail")
	}
}

func TestLoadWatchConfigReadsFlags(t *testing.T) {
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{"--operator", "op_1", "--select", "961700000001", "--thread-interval", "750ms", "--no-push"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	v := viper.New()
	if err := cliutil.BindConfig(v, cmd, "RELAYINBOX_WATCH_TEST"); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	cfg, err := loadWatchConfig(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.OperatorID != "op_1" || cfg.Select != "961700000001" || !cfg.NoPush {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ThreadInterval != 750*time.Millisecond {
		t.Fatalf("expected 750ms, got %s", cfg.ThreadInterval)
	}
	if cfg.IndexInterval != 5*time.Second {
		t.Fatalf("expected default index interval, got %s", cfg.IndexInterval)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("  hello\n  world "); got != "hello world" {
		t.Fatalf("expected collapsed whitespace, got %q", got)
	}
	long := strings.Repeat("é", 100)
	if got := preview(long); len([]rune(got)) != 80 || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected 80 rune preview, got %d runes", len([]rune(got)))
	}
}

func TestRunWatchOncePrintsView(t *testing.T) {
	log := messagelog.NewMemoryLog()
	if _, err := log.Append(context.Background(), messagelog.AppendRequest{
		OperatorID:      "op_1",
		ConversationKey: "961700000001",
		Direction:       messagelog.DirectionInbound,
		Body:            "hi",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	server := httptest.NewServer(httpapi.NewServer(log))
	defer server.Close()

	var out bytes.Buffer
	logger := cliutil.NewLogger("info", "json", &out)
	err := runWatch(context.Background(), watchConfig{
		BaseURL:     server.URL,
		OperatorID:  "op_1",
		Select:      "961700000001",
		PollTimeout: 5 * time.Second,
		Once:        true,
	}, logger)
	if err != nil {
		t.Fatalf("run watch: %v", err)
	}
	got := out.String()
	for _, want := range []string{`"conversations":1`, `"selected":"961700000001"`, `"thread_len":1`, `"last_body":"hi"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %s in output:\n%s", want, got)
		}
	}
}

func TestSendCommandAppends(t *testing.T) {
	log := messagelog.NewMemoryLog()
	server := httptest.NewServer(httpapi.NewServer(log))
	defer server.Close()

	cmd := newRootCommand()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"send", "--base-url", server.URL, "--operator", "op_1", "--key", "961700000001", "--log-format", "json", "hello there"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("send: %v (%s)", err, stderr.String())
	}
	messages, err := log.ListMessages(context.Background(), "op_1", "961700000001")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 1 || messages[0].Body != "hello there" || messages[0].Direction != messagelog.DirectionOutbound {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if !strings.Contains(stderr.String(), "message appended") {
		t.Fatalf("expected log line, got %s", stderr.String())
	}
}
