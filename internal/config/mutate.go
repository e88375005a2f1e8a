package config

import (
	"fmt"
)

// AccountInput is a partial update for a channel account. Nil fields are
// left untouched, which lets adapter setup functions stay pure: the same
// tree and input always produce the same output tree.
type AccountInput struct {
	Enabled        *bool
	CredentialsRef *string
	AllowFrom      *AllowList
	GroupPolicy    *string
	DefaultTo      *string
}

// ApplyAccountConfig returns a new tree with the account created or updated.
// The receiver is never modified.
func (c *Config) ApplyAccountConfig(channelID, accountID string, input AccountInput) (*Config, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if accountID == "" {
		accountID = DefaultAccountID
	}
	if input.GroupPolicy != nil {
		switch *input.GroupPolicy {
		case GroupPolicyOpen, GroupPolicyAllowlist, GroupPolicyClosed:
		default:
			return nil, fmt.Errorf("groupPolicy %q must be one of open, allowlist, closed", *input.GroupPolicy)
		}
	}

	out := c.Clone()
	if out.Channels == nil {
		out.Channels = make(map[string]ChannelConfig)
	}
	ch := out.Channels[channelID]
	if ch.Accounts == nil {
		ch.Accounts = make(map[string]ChannelAccount)
	}
	acct := ch.Accounts[accountID]
	if input.Enabled != nil {
		v := *input.Enabled
		acct.Enabled = &v
	}
	if input.CredentialsRef != nil {
		acct.CredentialsRef = *input.CredentialsRef
	}
	if input.AllowFrom != nil {
		acct.AllowFrom = append(AllowList(nil), (*input.AllowFrom)...)
	}
	if input.GroupPolicy != nil {
		acct.GroupPolicy = *input.GroupPolicy
	}
	if input.DefaultTo != nil {
		acct.DefaultTo = *input.DefaultTo
	}
	if acct.GroupPolicy == "" {
		acct.GroupPolicy = GroupPolicyAllowlist
	}
	ch.Accounts[accountID] = acct
	out.Channels[channelID] = ch
	return out, nil
}

// RemoveAccount returns a new tree with the account deleted. The caller is
// responsible for clearing linked pairing records in the pairing store.
func (c *Config) RemoveAccount(channelID, accountID string) (*Config, error) {
	if accountID == "" {
		accountID = DefaultAccountID
	}
	ch, ok := c.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %q is not configured", channelID)
	}
	if _, ok := ch.Accounts[accountID]; !ok {
		return nil, fmt.Errorf("account %q is not configured on channel %q", accountID, channelID)
	}
	out := c.Clone()
	outCh := out.Channels[channelID]
	delete(outCh.Accounts, accountID)
	if len(outCh.Accounts) == 0 {
		delete(out.Channels, channelID)
	} else {
		out.Channels[channelID] = outCh
	}
	return out, nil
}

// AddAllowFrom returns a new tree with sender appended to the account's
// allowlist. Adding an already-present sender is a no-op clone.
func (c *Config) AddAllowFrom(channelID, accountID, sender string) (*Config, error) {
	if sender == "" {
		return nil, fmt.Errorf("sender is required")
	}
	if accountID == "" {
		accountID = DefaultAccountID
	}
	acct, ok := c.ResolveAccount(channelID, accountID)
	if !ok {
		return nil, fmt.Errorf("account %q is not configured on channel %q", accountID, channelID)
	}
	allow := acct.AllowFrom.With(sender)
	return c.ApplyAccountConfig(channelID, accountID, AccountInput{AllowFrom: &allow})
}

// RemoveAllowFrom returns a new tree with sender removed from the account's
// allowlist.
func (c *Config) RemoveAllowFrom(channelID, accountID, sender string) (*Config, error) {
	if accountID == "" {
		accountID = DefaultAccountID
	}
	acct, ok := c.ResolveAccount(channelID, accountID)
	if !ok {
		return nil, fmt.Errorf("account %q is not configured on channel %q", accountID, channelID)
	}
	allow := acct.AllowFrom.Without(sender)
	return c.ApplyAccountConfig(channelID, accountID, AccountInput{AllowFrom: &allow})
}
