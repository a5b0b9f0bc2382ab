package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatusCommand_ExtraArgs(t *testing.T) {
	var out bytes.Buffer
	if code := statusCommand(context.Background(), []string{"extra"}, &out, false); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestStatusCommand_HealthyServerRaw(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true, "db_ok": true, "agent_count": 2})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	var out bytes.Buffer
	if code := statusCommand(context.Background(), nil, &out, false); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"agent_count":2`) {
		t.Fatalf("raw output = %q", out.String())
	}
}

func TestStatusCommand_TerminalSummary(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true, "db_ok": true, "agent_count": 3, "ws_clients": 1})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	var out bytes.Buffer
	if code := statusCommand(context.Background(), nil, &out, true); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	got := out.String()
	for _, want := range []string{"healthy:       yes", "store:         ok", "active agents: 3"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}

	out.Reset()
	if code := statusCommand(context.Background(), []string{"-json"}, &out, true); code != 0 {
		t.Fatalf("-json exit code %d", code)
	}
	if !strings.HasPrefix(out.String(), "{") {
		t.Fatalf("-json output = %q", out.String())
	}
}

func TestStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false,"db_ok":false}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())

	var out bytes.Buffer
	if code := statusCommand(context.Background(), nil, &out, true); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "store:         down") {
		t.Fatalf("summary = %q", out.String())
	}
}

func TestStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	var out bytes.Buffer
	if code := statusCommand(context.Background(), nil, &out, false); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets AGENTHOST_HOME.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENTHOST_HOME", home)
	yaml := `bind_addr: "` + addr + `"`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
