package agent

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Runtime is the live execution context of one active agent. Secrets are
// decrypted once when the runtime is built and only readable through Secret.
type Runtime struct {
	ID   string
	Name string

	settings map[string]any
	secrets  map[string]any

	mu       sync.RWMutex
	services map[string]any
	closers  []func()

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	closeOnce sync.Once
}

func newRuntime(id, name string, settings, secrets map[string]any) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	if settings == nil {
		settings = map[string]any{}
	}
	if secrets == nil {
		secrets = map[string]any{}
	}
	return &Runtime{
		ID:        id,
		Name:      name,
		settings:  settings,
		secrets:   secrets,
		services:  make(map[string]any),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
}

// NewTestRuntime builds a detached runtime for plugin and scheduler tests.
func NewTestRuntime(id string, settings, secrets map[string]any) *Runtime {
	return newRuntime(id, id, deepCopyMap(settings), deepCopyMap(secrets))
}

// Context is cancelled when the runtime is torn down.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

func (rt *Runtime) StartedAt() time.Time {
	return rt.startedAt
}

// Secret returns a decrypted secret. Unset (null) secrets report false.
func (rt *Runtime) Secret(key string) (string, bool) {
	v, ok := rt.secrets[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Setting returns a non-secret value from characterConfig.settings.
func (rt *Runtime) Setting(key string) (any, bool) {
	v, ok := rt.settings[key]
	return v, ok
}

// SettingString returns a string setting or def.
func (rt *Runtime) SettingString(key, def string) string {
	if v, ok := rt.settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

// SettingInt returns an integer setting or def. JSON numbers and numeric
// strings are both accepted.
func (rt *Runtime) SettingInt(key string, def int64) int64 {
	switch v := rt.settings[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// RegisterService publishes a named collaborator for workers to look up.
func (rt *Runtime) RegisterService(name string, svc any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.services[name] = svc
}

// UnregisterService removes a named collaborator.
func (rt *Runtime) UnregisterService(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.services, name)
}

// Service looks up a collaborator registered by a plugin.
func (rt *Runtime) Service(name string) (any, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	svc, ok := rt.services[name]
	return svc, ok
}

// OnClose registers a cleanup that runs after the runtime's goroutines drain.
func (rt *Runtime) OnClose(fn func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closers = append(rt.closers, fn)
}

// Go runs fn on a goroutine tracked by the runtime. fn must return once
// ctx is cancelled.
func (rt *Runtime) Go(fn func(ctx context.Context)) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		fn(rt.ctx)
	}()
}

// Close cancels the runtime, waits up to timeout for tracked goroutines and
// then runs cleanups in reverse order. It reports whether the drain finished
// in time. Safe to call more than once.
func (rt *Runtime) Close(timeout time.Duration) bool {
	drained := true
	rt.closeOnce.Do(func() {
		rt.cancel()
		done := make(chan struct{})
		go func() {
			rt.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			drained = false
		}

		rt.mu.Lock()
		closers := rt.closers
		rt.closers = nil
		rt.services = make(map[string]any)
		rt.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	})
	return drained
}
