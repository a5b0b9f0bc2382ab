package agent

import (
	"reflect"
	"testing"
)

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"name": "Eli5",
		"tags": []any{"a", "b"},
		"settings": map[string]any{
			"model": "small",
			"secrets": map[string]any{
				"API_KEY": "enc:old",
				"OTHER":   "enc:keep",
			},
		},
	}
	patch := map[string]any{
		"tags": []any{"c"},
		"settings": map[string]any{
			"model": nil,
			"secrets": map[string]any{
				"API_KEY": "enc:new",
			},
		},
		"bio": "new",
	}
	got := deepMerge(base, patch)
	want := map[string]any{
		"name": "Eli5",
		"tags": []any{"c"},
		"bio":  "new",
		"settings": map[string]any{
			"model": nil,
			"secrets": map[string]any{
				"API_KEY": "enc:new",
				"OTHER":   "enc:keep",
			},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge mismatch:\n got %#v\nwant %#v", got, want)
	}
	if base["settings"].(map[string]any)["model"] != "small" {
		t.Fatal("base must not be mutated")
	}
}

func TestDeepMerge_ScalarReplacesObject(t *testing.T) {
	got := deepMerge(map[string]any{"settings": map[string]any{"a": 1.0}}, map[string]any{"settings": nil})
	if v, ok := got["settings"]; !ok || v != nil {
		t.Fatalf("null must replace the object, got %#v", got)
	}
}

func TestAgentID_Deterministic(t *testing.T) {
	a, b := AgentID("Eli5"), AgentID("Eli5")
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	if a == AgentID("eli5") {
		t.Fatal("names differing in case must map to different ids")
	}
	if len(a) != 36 {
		t.Fatalf("unexpected id format %q", a)
	}
}

func TestMaskSecrets(t *testing.T) {
	cfg := map[string]any{
		"name": "x",
		"settings": map[string]any{
			"secrets": map[string]any{"K": "enc:abc", "UNSET": nil},
			"plain":   "visible",
		},
	}
	masked := maskSecrets(cfg)
	sec := masked["settings"].(map[string]any)["secrets"].(map[string]any)
	if sec["K"] != RedactedValue || sec["UNSET"] != nil {
		t.Fatalf("unexpected masked secrets %#v", sec)
	}
	if masked["settings"].(map[string]any)["plain"] != "visible" {
		t.Fatal("non-secret settings must pass through")
	}
	if cfg["settings"].(map[string]any)["secrets"].(map[string]any)["K"] != "enc:abc" {
		t.Fatal("input must not be mutated")
	}
	if got := maskSecrets(map[string]any{"name": "no-settings"}); got["name"] != "no-settings" {
		t.Fatalf("config without secrets changed: %#v", got)
	}
}

func TestRuntimeSettingsDropsSecrets(t *testing.T) {
	s := runtimeSettings(map[string]any{"settings": map[string]any{"a": "b", "secrets": map[string]any{"K": "v"}}})
	if _, ok := s["secrets"]; ok {
		t.Fatal("secrets must not be exposed as settings")
	}
	if s["a"] != "b" {
		t.Fatalf("settings = %#v", s)
	}
}

func TestNormalizeJSONConvertsNumbers(t *testing.T) {
	out, err := normalizeJSON(map[string]any{"n": 3, "nested": map[string]any{"m": int64(4)}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out["n"] != float64(3) || out["nested"].(map[string]any)["m"] != float64(4) {
		t.Fatalf("numbers not normalized: %#v", out)
	}
}

func TestValidateCharacterAndPatch(t *testing.T) {
	if err := ValidateCharacter(map[string]any{"name": "ok", "settings": map[string]any{"secrets": map[string]any{"A": "x", "B": nil}}}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := ValidateCharacter(map[string]any{"settings": map[string]any{}}); err == nil {
		t.Fatal("missing name accepted")
	}
	if err := ValidatePatch(map[string]any{"settings": map[string]any{"secrets": map[string]any{"A": "y"}}}); err != nil {
		t.Fatalf("valid patch rejected: %v", err)
	}
	if err := ValidatePatch(map[string]any{"settings": map[string]any{"secrets": map[string]any{"A": true}}}); err == nil {
		t.Fatal("boolean secret accepted")
	}
}
