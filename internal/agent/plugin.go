package agent

import (
	"context"
	"fmt"

	"github.com/basket/agenthost/internal/apperr"
	"github.com/basket/agenthost/internal/persistence"
)

// Plugin extends every runtime at build time. Setup runs before the runtime
// becomes visible in the registry; an error aborts the start.
type Plugin interface {
	Name() string
	Setup(ctx context.Context, rt *Runtime) error
}

// buildRuntime constructs a complete runtime from a stored record: secrets
// are decrypted and every plugin is set up. A failure closes the partial
// runtime before returning.
func (m *Manager) buildRuntime(ctx context.Context, rec *persistence.AgentRecord) (*Runtime, error) {
	secretVals, err := m.codec.DecryptValues(secretsOf(rec.CharacterConfig), m.salt)
	if err != nil {
		return nil, apperr.Wrap("agent.build", apperr.KindDecryption, err)
	}
	rt := newRuntime(rec.ID, rec.Name, runtimeSettings(rec.CharacterConfig), secretVals)
	for _, p := range m.plugins {
		if err := p.Setup(ctx, rt); err != nil {
			rt.Close(m.stopDrain)
			if apperr.KindOf(err) != apperr.KindInternal {
				return nil, err
			}
			return nil, apperr.Wrap("agent.build", apperr.KindInternal, fmt.Errorf("plugin %s setup: %w", p.Name(), err))
		}
	}
	return rt, nil
}
