package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/basket/agenthost/internal/apperr"
	"github.com/basket/agenthost/internal/persistence"
)

// Store is the narrow Agent Store surface the manager depends on.
// *persistence.Store satisfies it.
type Store interface {
	CreateAgent(ctx context.Context, rec persistence.AgentRecord) (*persistence.AgentRecord, error)
	GetAgent(ctx context.Context, id string) (*persistence.AgentRecord, error)
	ListAgents(ctx context.Context) ([]persistence.AgentRecord, error)
	UpdateAgent(ctx context.Context, id, name string, cfg map[string]any) (*persistence.AgentRecord, error)
	DeleteAgent(ctx context.Context, id string) error
}

const (
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// guardedStore routes every store call through a circuit breaker. Only
// outages count as failures; domain rejections (not found, constraint
// violations) leave the breaker closed.
type guardedStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker[any]
}

func newGuardedStore(inner Store, failures int, cooldown time.Duration, logger *slog.Logger) *guardedStore {
	if failures <= 0 {
		failures = defaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	threshold := uint32(failures)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "agent-store",
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !persistence.IsUnavailable(err)
		},
	})
	return &guardedStore{inner: inner, breaker: cb}
}

func (g *guardedStore) state() gobreaker.State {
	return g.breaker.State()
}

func guard[T any](g *guardedStore, op string, fn func() (T, error)) (T, error) {
	out, err := g.breaker.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		return zero, classifyStoreErr(op, err)
	}
	if out == nil {
		var zero T
		return zero, nil
	}
	return out.(T), nil
}

func (g *guardedStore) CreateAgent(ctx context.Context, rec persistence.AgentRecord) (*persistence.AgentRecord, error) {
	return guard(g, "store.create_agent", func() (*persistence.AgentRecord, error) {
		return g.inner.CreateAgent(ctx, rec)
	})
}

func (g *guardedStore) GetAgent(ctx context.Context, id string) (*persistence.AgentRecord, error) {
	return guard(g, "store.get_agent", func() (*persistence.AgentRecord, error) {
		return g.inner.GetAgent(ctx, id)
	})
}

func (g *guardedStore) ListAgents(ctx context.Context) ([]persistence.AgentRecord, error) {
	return guard(g, "store.list_agents", func() ([]persistence.AgentRecord, error) {
		return g.inner.ListAgents(ctx)
	})
}

func (g *guardedStore) UpdateAgent(ctx context.Context, id, name string, cfg map[string]any) (*persistence.AgentRecord, error) {
	return guard(g, "store.update_agent", func() (*persistence.AgentRecord, error) {
		return g.inner.UpdateAgent(ctx, id, name, cfg)
	})
}

func (g *guardedStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := guard(g, "store.delete_agent", func() (struct{}, error) {
		return struct{}{}, g.inner.DeleteAgent(ctx, id)
	})
	return err
}

// classifyStoreErr adds breaker rejections to the store's own classification.
func classifyStoreErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Wrap(op, apperr.KindStoreUnavailable, err)
	}
	return persistence.Classify(op, err)
}
