package agents_test

import (
	"reflect"
	"testing"

	"github.com/basket/oni/internal/agents"
	"github.com/basket/oni/internal/config"
)

func chainConfig() *config.Config {
	globalFallbacks := []string{"openai/gpt-4.1"}
	supportFallbacks := []string{"openai/gpt-5.2"}
	emptyFallbacks := []string{}
	return &config.Config{
		Agents: config.AgentsConfig{
			Defaults: config.AgentDefaults{
				Model: config.ObjectModel("anthropic/claude-opus-4", &globalFallbacks),
			},
			List: []config.AgentEntry{
				{ID: "main"},
				{ID: "support", Model: config.ObjectModel("", &supportFallbacks)},
				{ID: "solo", Model: config.ObjectModel("openai/o3", &emptyFallbacks)},
				{ID: "bare", Model: config.BareModel("anthropic/claude-haiku-4-5")},
			},
		},
	}
}

func TestEffectivePrimary_InheritsGlobalDefault(t *testing.T) {
	cfg := chainConfig()
	if got := agents.EffectivePrimary(cfg, "main"); got != "anthropic/claude-opus-4" {
		t.Fatalf("main primary = %q", got)
	}
	if got := agents.EffectivePrimary(cfg, "bare"); got != "anthropic/claude-haiku-4-5" {
		t.Fatalf("bare primary = %q", got)
	}
}

func TestExplicitPrimary_OnlyOwnEntry(t *testing.T) {
	cfg := chainConfig()
	if got := agents.ExplicitPrimary(cfg, "main"); got != "" {
		t.Fatalf("main explicit primary = %q, want empty", got)
	}
	if got := agents.ExplicitPrimary(cfg, "bare"); got != "anthropic/claude-haiku-4-5" {
		t.Fatalf("bare explicit primary = %q", got)
	}
}

func TestEffectiveFallbacks_ExplicitEmptyDisablesInheritance(t *testing.T) {
	cfg := chainConfig()
	got := agents.EffectiveFallbacks(cfg, "solo")
	if len(got) != 0 {
		t.Fatalf("solo fallbacks = %v, want none despite global defaults", got)
	}
	// The override must still be distinguishable from "unset".
	if agents.FallbacksOverride(cfg, "solo") == nil {
		t.Fatal("explicit empty override reported as unset")
	}
	if agents.FallbacksOverride(cfg, "main") != nil {
		t.Fatal("absent fallbacks reported as an override")
	}
}

func TestEffectiveFallbacks_AbsentInheritsGlobal(t *testing.T) {
	cfg := chainConfig()
	want := []string{"openai/gpt-4.1"}
	if got := agents.EffectiveFallbacks(cfg, "main"); !reflect.DeepEqual(got, want) {
		t.Fatalf("main fallbacks = %v, want %v", got, want)
	}
	// Bare string model: no override, defaults still apply.
	if got := agents.EffectiveFallbacks(cfg, "bare"); !reflect.DeepEqual(got, want) {
		t.Fatalf("bare fallbacks = %v, want %v", got, want)
	}
}

func TestEffectiveModelChain_EndToEnd(t *testing.T) {
	cfg := chainConfig()

	support := agents.EffectiveModelChain(cfg, "support")
	if !reflect.DeepEqual(support.Fallbacks, []string{"openai/gpt-5.2"}) {
		t.Fatalf("support chain = %+v", support)
	}
	// No explicit primary on support: inherits the global one.
	if support.Primary != "anthropic/claude-opus-4" {
		t.Fatalf("support primary = %q", support.Primary)
	}

	main := agents.EffectiveModelChain(cfg, "main")
	if !reflect.DeepEqual(main.Fallbacks, []string{"openai/gpt-4.1"}) {
		t.Fatalf("main chain = %+v", main)
	}
}

func TestEffectiveFallbacks_ReturnsCopy(t *testing.T) {
	cfg := chainConfig()
	got := agents.EffectiveFallbacks(cfg, "main")
	got[0] = "mutated"
	if agents.EffectiveFallbacks(cfg, "main")[0] != "openai/gpt-4.1" {
		t.Fatal("resolver leaked a mutable reference into the config tree")
	}
}

func TestResolveFallbackAgentID(t *testing.T) {
	cases := []struct {
		name       string
		agentID    string
		sessionKey string
		want       string
	}{
		{"explicit wins and lowercases", "Support", "agent:worker:session", "support"},
		{"parsed from key", "", "agent:worker:session", "worker"},
		{"parsed id lowercased", "", "agent:Worker:ctx", "worker"},
		{"context may contain colons", "", "agent:w:telegram:123:topic", "w"},
		{"wrong prefix fails closed", "", "session:worker:x", ""},
		{"missing context fails closed", "", "agent:worker", ""},
		{"empty id fails closed", "", "agent::ctx", ""},
		{"empty everything", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := agents.ResolveFallbackAgentID(tc.agentID, tc.sessionKey); got != tc.want {
				t.Fatalf("ResolveFallbackAgentID(%q, %q) = %q, want %q", tc.agentID, tc.sessionKey, got, tc.want)
			}
		})
	}
}

func TestSessionKey(t *testing.T) {
	if got := agents.SessionKey("Main", "telegram:123"); got != "agent:main:telegram:123" {
		t.Fatalf("session key = %q", got)
	}
}

func TestAvailableModels_IncludesConfiguredModels(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	cfg := chainConfig()
	models := agents.AvailableModels(cfg)
	want := map[string]bool{
		"anthropic/claude-opus-4":    false,
		"openai/gpt-4.1":             false,
		"openai/gpt-5.2":             false,
		"openai/o3":                  false,
		"anthropic/claude-haiku-4-5": false,
	}
	for _, m := range models {
		if _, ok := want[m]; ok {
			want[m] = true
		}
	}
	for m, found := range want {
		if !found {
			t.Fatalf("model %q missing from catalog %v", m, models)
		}
	}
}

func TestResolveIdentity(t *testing.T) {
	cfg := &config.Config{
		Agents: config.AgentsConfig{
			List: []config.AgentEntry{
				{ID: "main", Name: "Main Agent", Identity: &config.IdentityConfig{Name: "Oni", Emoji: "👹"}},
				{ID: "plain"},
			},
		},
	}
	id, ok := agents.ResolveIdentity(cfg, "main")
	if !ok || id.Name != "Oni" || id.Emoji != "👹" {
		t.Fatalf("identity = %+v ok=%v", id, ok)
	}
	id, ok = agents.ResolveIdentity(cfg, "plain")
	if !ok || id.Name != "plain" {
		t.Fatalf("plain identity = %+v", id)
	}
	if _, ok := agents.ResolveIdentity(cfg, "ghost"); ok {
		t.Fatal("unknown agent resolved an identity")
	}
}
