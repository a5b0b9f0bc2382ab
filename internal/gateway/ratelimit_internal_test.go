package gateway

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/agenthost/internal/config"
)

func TestRateLimiter_DisabledByZeroConfig(t *testing.T) {
	if rl := newRateLimiter(config.RateLimitConfig{}); rl != nil {
		t.Fatal("zero config must disable limiting")
	}
	var rl *rateLimiter
	if !rl.allow("k") {
		t.Fatal("nil limiter must allow")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	rl.now = func() time.Time { return now }

	if !rl.allow("k") {
		t.Fatal("first request must pass")
	}
	if rl.allow("k") {
		t.Fatal("second request inside the same second must be rejected")
	}
	now = now.Add(time.Second)
	if !rl.allow("k") {
		t.Fatal("bucket must refill after one second")
	}
}

func TestRateLimiter_EvictsIdleEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(config.RateLimitConfig{RequestsPerSecond: 10, Burst: 10})
	rl.now = func() time.Time { return now }
	rl.lastCleanup = now

	rl.allow("idle")
	now = now.Add(rateLimitEntryTTL - time.Minute)
	rl.allow("busy")
	if rl.size() != 2 {
		t.Fatalf("size = %d, want 2", rl.size())
	}

	now = now.Add(6 * time.Minute)
	rl.allow("busy")
	if rl.size() != 1 {
		t.Fatalf("size after eviction = %d, want 1", rl.size())
	}
	if _, ok := rl.entries["idle"]; ok {
		t.Fatal("idle entry survived eviction")
	}
}

func TestRateLimiter_ConcurrentKeys(t *testing.T) {
	rl := newRateLimiter(config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			for j := 0; j < 50; j++ {
				rl.allow(key)
			}
		}(i)
	}
	wg.Wait()
	if rl.size() != 16 {
		t.Fatalf("size = %d, want 16", rl.size())
	}
}

func TestRateLimitKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/agents", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	if got := rateLimitKey(r); got != "ip:10.0.0.7" {
		t.Fatalf("key = %q", got)
	}
	r.Header.Set("Authorization", "Bearer tok")
	if got := rateLimitKey(r); got != "key:tok" {
		t.Fatalf("key = %q", got)
	}
}
