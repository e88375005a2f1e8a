package channels

import (
	"context"
	"strings"

	"github.com/basket/oni/internal/config"
)

// accountOps is the shared Setup + ConfigOps implementation. Provider
// adapters embed it; account handling is identical across channels since it
// operates purely on the config tree.
type accountOps struct {
	channelID string
}

func newAccountOps(channelID string) accountOps {
	return accountOps{channelID: channelID}
}

func (o accountOps) ValidateInput(input config.AccountInput) string {
	if input.GroupPolicy != nil {
		switch *input.GroupPolicy {
		case config.GroupPolicyOpen, config.GroupPolicyAllowlist, config.GroupPolicyClosed:
		default:
			return "groupPolicy must be one of open, allowlist, closed"
		}
	}
	if input.CredentialsRef != nil {
		ref := strings.TrimSpace(*input.CredentialsRef)
		if ref != "" && !strings.HasPrefix(ref, "env:") && !strings.HasPrefix(ref, "file:") && strings.ContainsAny(ref, " \t\n") {
			return "credentialsRef must be env:NAME, file:PATH, or an inline token without whitespace"
		}
	}
	return ""
}

func (o accountOps) ApplyAccountConfig(cfg *config.Config, accountID string, input config.AccountInput) (*config.Config, error) {
	return cfg.ApplyAccountConfig(o.channelID, accountID, input)
}

func (o accountOps) ListAccountIDs(cfg *config.Config) []string {
	return cfg.ListAccountIDs(o.channelID)
}

func (o accountOps) ResolveAccount(cfg *config.Config, accountID string) (config.ChannelAccount, bool) {
	return cfg.ResolveAccount(o.channelID, accountID)
}

func (o accountOps) IsConfigured(_ context.Context, account config.ChannelAccount) (bool, error) {
	return CredentialConfigured(account.CredentialsRef), nil
}

func (o accountOps) DescribeAccount(account config.ChannelAccount) AccountDescription {
	return AccountDescription{
		ChannelID:      o.channelID,
		AccountID:      account.AccountID,
		Enabled:        account.IsEnabled(),
		Configured:     CredentialConfigured(account.CredentialsRef),
		CredentialHint: CredentialHint(account.CredentialsRef),
		GroupPolicy:    account.GroupPolicy,
		AllowFromCount: len(account.AllowFrom),
	}
}

// groupOps is the shared Group implementation backed by per-agent groupChat
// config. Mention is required unless the agent opts out.
type groupOps struct{}

func (groupOps) MentionRequired(cfg *config.Config, agentID string, msg Message) bool {
	if !msg.Group {
		return false
	}
	agent, ok := cfg.AgentByID(agentID)
	if !ok || agent.GroupChat == nil || agent.GroupChat.MentionRequired == nil {
		return true
	}
	return *agent.GroupChat.MentionRequired
}

func (groupOps) GroupToolPolicy(cfg *config.Config, agentID string) string {
	agent, ok := cfg.AgentByID(agentID)
	if !ok || agent.GroupChat == nil || agent.GroupChat.ToolPolicy == "" {
		return "default"
	}
	return agent.GroupChat.ToolPolicy
}
