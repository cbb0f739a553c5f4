package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"escrowflow/config"
	"escrowflow/db/dbtest"
	"escrowflow/sweep"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Auth.JWTSecret = "0123456789abcdef"
	return cfg
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept", "hold_id", "h1")

	out := strings.TrimSpace(buf.String())
	if strings.Contains(out, "dropped") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(out), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", out, err)
	}
	if line["hold_id"] != "h1" {
		t.Fatalf("unexpected line: %v", line)
	}

	buf.Reset()
	NewLogger(config.LogConfig{Level: "nonsense", Format: "text"}, &buf).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output at info, got %q", buf.String())
	}
}

func TestBuildWiresHandler(t *testing.T) {
	a := Build(&dbtest.FakePool{}, testConfig(t), nil, Collaborators{})
	if a.Ledger == nil || a.Bids == nil || a.Arbiter == nil || a.Runner == nil || a.Dispatcher == nil {
		t.Fatalf("incomplete wiring: %+v", a)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/escrows/h1")
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

type countingRunner struct {
	runs atomic.Int32
}

func (c *countingRunner) Run(ctx context.Context) (sweep.Summary, error) {
	c.runs.Add(1)
	return sweep.Summary{}, nil
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler(context.Background(), "every now and then", &countingRunner{}, 0, nil); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestSchedulerRunsSweeps(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewScheduler(context.Background(), "@every 1s", runner, time.Second, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start()
	deadline := time.Now().Add(5 * time.Second)
	for runner.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()
	if runner.runs.Load() == 0 {
		t.Fatal("expected at least one scheduled sweep")
	}
}
