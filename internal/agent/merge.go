package agent

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/basket/agenthost/internal/secrets"
)

// RedactedValue replaces secret values in every config leaving the manager.
const RedactedValue = "[REDACTED]"

// agentNamespace scopes name-derived agent ids.
var agentNamespace = uuid.MustParse("6f1c3a52-9d0e-4b8a-a1f7-3c2e5d4b7a90")

// AgentID derives the stable id for a display name.
func AgentID(name string) string {
	return uuid.NewSHA1(agentNamespace, []byte(name)).String()
}

// deepMerge applies patch onto base and returns a new map. Nested objects
// merge key by key; scalars, arrays and nil replace.
func deepMerge(base, patch map[string]any) map[string]any {
	out := deepCopyMap(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, pv := range patch {
		pm, pIsMap := pv.(map[string]any)
		bm, bIsMap := out[k].(map[string]any)
		if pIsMap && bIsMap {
			out[k] = deepMerge(bm, pm)
			continue
		}
		out[k] = deepCopyValue(pv)
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}

// normalizeJSON round-trips v through encoding/json so that callers handing
// in YAML-decoded or hand-built maps end up with the same value types a
// stored record decodes to.
func normalizeJSON(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

func configName(cfg map[string]any) string {
	name, _ := cfg["name"].(string)
	return name
}

// settingsOf returns cfg.settings, or nil when absent or not an object.
func settingsOf(cfg map[string]any) map[string]any {
	s, _ := cfg["settings"].(map[string]any)
	return s
}

func secretsOf(cfg map[string]any) map[string]any {
	s, _ := settingsOf(cfg)["secrets"].(map[string]any)
	return s
}

// withSecrets returns a copy of cfg whose settings.secrets is replaced by fn's result.
func withSecrets(cfg map[string]any, fn func(map[string]any) (map[string]any, error)) (map[string]any, error) {
	sec := secretsOf(cfg)
	if sec == nil {
		return cfg, nil
	}
	replaced, err := fn(sec)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(cfg)
	settings := maps.Clone(settingsOf(cfg))
	settings["secrets"] = replaced
	out["settings"] = settings
	return out, nil
}

func sealSecrets(codec *secrets.Codec, salt string, cfg map[string]any) (map[string]any, error) {
	return withSecrets(cfg, func(sec map[string]any) (map[string]any, error) {
		return codec.EncryptValues(sec, salt)
	})
}

// dropRedacted removes secrets that still hold RedactedValue, so a record
// read back from Get and patched as a whole keeps its stored secrets.
func dropRedacted(cfg map[string]any) map[string]any {
	out, _ := withSecrets(cfg, func(sec map[string]any) (map[string]any, error) {
		kept := make(map[string]any, len(sec))
		for k, v := range sec {
			if s, ok := v.(string); ok && s == RedactedValue {
				continue
			}
			kept[k] = v
		}
		return kept, nil
	})
	return out
}

// maskSecrets replaces every non-nil secret with RedactedValue.
func maskSecrets(cfg map[string]any) map[string]any {
	out, _ := withSecrets(deepCopyMap(cfg), func(sec map[string]any) (map[string]any, error) {
		masked := make(map[string]any, len(sec))
		for k, v := range sec {
			if v == nil {
				masked[k] = nil
				continue
			}
			masked[k] = RedactedValue
		}
		return masked, nil
	})
	return out
}

// runtimeSettings returns settings without the secrets sub-object.
func runtimeSettings(cfg map[string]any) map[string]any {
	settings := deepCopyMap(settingsOf(cfg))
	delete(settings, "secrets")
	return settings
}
