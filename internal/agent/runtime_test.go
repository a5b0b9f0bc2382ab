package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/agenthost/internal/agent"
)

func TestRuntime_CloseOrderAndIdempotence(t *testing.T) {
	rt := agent.NewTestRuntime("a", nil, nil)
	var order []int
	rt.OnClose(func() { order = append(order, 1) })
	rt.OnClose(func() { order = append(order, 2) })
	rt.RegisterService("svc", 42)

	exited := make(chan struct{})
	rt.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(exited)
	})

	if !rt.Close(time.Second) {
		t.Fatal("drain should finish in time")
	}
	<-exited
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("closers ran in order %v, want [2 1]", order)
	}
	if _, ok := rt.Service("svc"); ok {
		t.Fatal("services must be cleared on close")
	}
	rt.Close(time.Second)
	if len(order) != 2 {
		t.Fatal("closers must run once")
	}
}

func TestRuntime_CloseReportsSlowDrain(t *testing.T) {
	rt := agent.NewTestRuntime("slow", nil, nil)
	release := make(chan struct{})
	rt.Go(func(ctx context.Context) { <-release })
	if rt.Close(20 * time.Millisecond) {
		t.Fatal("expected drain timeout")
	}
	close(release)
}

func TestRuntime_SettingsAndSecrets(t *testing.T) {
	rt := agent.NewTestRuntime("a",
		map[string]any{"url": "http://x", "n": float64(7), "s": "12"},
		map[string]any{"API_KEY": "k", "UNSET": nil},
	)
	if got := rt.SettingString("url", ""); got != "http://x" {
		t.Fatalf("url = %q", got)
	}
	if got := rt.SettingString("missing", "def"); got != "def" {
		t.Fatalf("default = %q", got)
	}
	if rt.SettingInt("n", 0) != 7 || rt.SettingInt("s", 0) != 12 || rt.SettingInt("missing", 5) != 5 {
		t.Fatal("SettingInt conversions wrong")
	}
	if v, ok := rt.Secret("API_KEY"); !ok || v != "k" {
		t.Fatalf("secret = %q, %v", v, ok)
	}
	if _, ok := rt.Secret("UNSET"); ok {
		t.Fatal("nil secret must be unset")
	}
	if _, ok := rt.Secret("MISSING"); ok {
		t.Fatal("missing secret must be unset")
	}
}
