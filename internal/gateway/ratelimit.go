package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/agenthost/internal/config"
	otelPkg "github.com/basket/agenthost/internal/otel"
)

const (
	rateLimitEntryTTL = 15 * time.Minute
	rateLimitCleanup  = 5 * time.Minute
)

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client key. Entries idle for
// longer than entryTTL are evicted on the next cleanup pass.
type rateLimiter struct {
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	entries         map[string]*rateLimitEntry
	entryTTL        time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             func() time.Time
}

// newRateLimiter returns nil when the config disables limiting.
func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if cfg.RequestsPerSecond <= 0 || cfg.Burst <= 0 {
		return nil
	}
	return &rateLimiter{
		limit:           rate.Limit(cfg.RequestsPerSecond),
		burst:           cfg.Burst,
		entries:         make(map[string]*rateLimitEntry),
		entryTTL:        rateLimitEntryTTL,
		cleanupInterval: rateLimitCleanup,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	if rl == nil || key == "" {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastCleanup) >= rl.cleanupInterval {
		rl.evictLocked(now)
	}

	entry, ok := rl.entries[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) evictLocked(now time.Time) {
	for k, entry := range rl.entries {
		if now.Sub(entry.lastSeen) > rl.entryTTL {
			delete(rl.entries, k)
		}
	}
	rl.lastCleanup = now
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Wrap limits /api/* requests per client key and answers 429 when a bucket
// is empty. Other paths pass through.
func (rl *rateLimiter) Wrap(next http.Handler, metrics *otelPkg.Metrics) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(rateLimitKey(r)) {
			metrics.RateLimited(r.Context())
			w.Header().Set("Retry-After", "1")
			writeErrorCode(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host != "" {
		return "ip:" + host
	}
	return "anonymous"
}
