package agents

import (
	"os"
	"sort"

	"github.com/basket/oni/internal/config"
)

// AvailableModels returns the model ids the gateway can offer, based on
// configured API keys plus every model referenced by the config tree.
func AvailableModels(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var models []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			models = append(models, id)
		}
	}

	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		add("anthropic/claude-opus-4", "anthropic/claude-sonnet-4-5", "anthropic/claude-haiku-4-5")
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		add("openai/gpt-4.1", "openai/gpt-4o", "openai/gpt-4o-mini")
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		add("google/gemini-2.5-pro", "google/gemini-2.5-flash")
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" {
		add("openrouter/auto")
	}

	if def := cfg.Agents.Defaults.Model; def != nil {
		add(def.Primary)
		if def.Fallbacks != nil {
			add(*def.Fallbacks...)
		}
	}
	for _, agent := range cfg.Agents.List {
		if agent.Model == nil {
			continue
		}
		add(agent.Model.Primary)
		if agent.Model.Fallbacks != nil {
			add(*agent.Model.Fallbacks...)
		}
	}

	sort.Strings(models)
	return models
}

// Identity is the public persona surfaced by the agent.identity RPC.
type Identity struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Emoji   string `json:"emoji,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
}

// ResolveIdentity returns the display identity for an agent, falling back to
// the agent id when no identity block is configured.
func ResolveIdentity(cfg *config.Config, agentID string) (Identity, bool) {
	agent, ok := cfg.AgentByID(agentID)
	if !ok {
		return Identity{}, false
	}
	id := Identity{AgentID: agent.ID, Name: agent.Name}
	if agent.Identity != nil {
		if agent.Identity.Name != "" {
			id.Name = agent.Identity.Name
		}
		id.Emoji = agent.Identity.Emoji
		id.Avatar = agent.Identity.Avatar
	}
	if id.Name == "" {
		id.Name = agent.ID
	}
	return id, true
}
