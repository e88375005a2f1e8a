// Package agents resolves which model chain serves an agent's next turn.
//
// Resolution is pure: it reads a config tree snapshot and never performs
// I/O, so it is safe to call on every inbound message.
package agents

import (
	"strings"

	"github.com/basket/oni/internal/config"
)

// ModelChain is the effective model sequence for one agent at one point in
// time: the primary model plus the ordered fallbacks tried when it fails.
type ModelChain struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
}

// ExplicitPrimary returns the model.primary literally present on the agent's
// own config entry, or "" when absent. A bare-string model field counts as
// an explicit primary.
func ExplicitPrimary(cfg *config.Config, agentID string) string {
	agent, ok := cfg.AgentByID(agentID)
	if !ok || agent.Model == nil {
		return ""
	}
	return agent.Model.Primary
}

// EffectivePrimary returns the agent's explicit primary if set, else the
// global agents.defaults.model primary, else "".
func EffectivePrimary(cfg *config.Config, agentID string) string {
	if p := ExplicitPrimary(cfg, agentID); p != "" {
		return p
	}
	if def := cfg.Agents.Defaults.Model; def != nil {
		return def.Primary
	}
	return ""
}

// FallbacksOverride returns the agent's fallbacks field when the model is in
// object form and the field is present. The returned pointer distinguishes
// the explicit empty list (disable inherited fallbacks) from absence
// (inherit): nil means inherit.
func FallbacksOverride(cfg *config.Config, agentID string) *[]string {
	agent, ok := cfg.AgentByID(agentID)
	if !ok || agent.Model == nil || !agent.Model.HasFallbacksOverride() {
		return nil
	}
	fb := make([]string, len(*agent.Model.Fallbacks))
	copy(fb, *agent.Model.Fallbacks)
	return &fb
}

// EffectiveFallbacks returns the fallback list that applies to the agent:
// the agent's own override when present (including the explicit empty list),
// else the global default fallbacks, else none.
func EffectiveFallbacks(cfg *config.Config, agentID string) []string {
	if override := FallbacksOverride(cfg, agentID); override != nil {
		return *override
	}
	if def := cfg.Agents.Defaults.Model; def != nil && def.Fallbacks != nil {
		fb := make([]string, len(*def.Fallbacks))
		copy(fb, *def.Fallbacks)
		return fb
	}
	return nil
}

// EffectiveModelChain combines EffectivePrimary and EffectiveFallbacks into
// the chain that serves the agent's next turn.
func EffectiveModelChain(cfg *config.Config, agentID string) ModelChain {
	return ModelChain{
		Primary:   EffectivePrimary(cfg, agentID),
		Fallbacks: EffectiveFallbacks(cfg, agentID),
	}
}

// SessionKey builds the composite key for one persisted conversation:
// agent:<agentId>:<context>.
func SessionKey(agentID, context string) string {
	return "agent:" + strings.ToLower(agentID) + ":" + context
}

// ResolveFallbackAgentID derives an agent id for contexts where only a
// session key may be available (e.g. scheduled turns). An explicit agentID
// wins; otherwise the key must match agent:<id>:<context> exactly. A
// malformed key resolves to "" rather than a guess.
func ResolveFallbackAgentID(agentID, sessionKey string) string {
	if trimmed := strings.TrimSpace(agentID); trimmed != "" {
		return strings.ToLower(trimmed)
	}
	parts := strings.SplitN(sessionKey, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return ""
	}
	return strings.ToLower(id)
}
