package channels

import (
	"context"
	"log/slog"

	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/config"
)

// Gate reasons.
const (
	ReasonAllowed         = "allowed"
	ReasonDisabled        = "account_disabled"
	ReasonNotInAllowList  = "sender_not_allowed"
	ReasonGroupClosed     = "group_closed"
	ReasonMentionRequired = "mention_required"
)

// GateDecision is the outcome of the inbound trust check.
type GateDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	// Pair marks a blocked DM that should become a pairing request instead
	// of being silently dropped.
	Pair bool `json:"pair,omitempty"`
}

// GateInbound decides whether a normalized message may reach an agent.
//
// DMs are allowlist-gated: unknown senders are blocked and flagged for
// pairing (fail closed; an empty allowFrom admits nobody). Groups follow the
// account's groupPolicy: open admits everyone, closed admits nobody,
// allowlist reuses allowFrom.
func GateInbound(account config.ChannelAccount, msg Message) GateDecision {
	if !account.IsEnabled() {
		return GateDecision{Reason: ReasonDisabled}
	}

	if !msg.Group {
		if account.AllowFrom.Contains(msg.SenderID) {
			return GateDecision{Allowed: true, Reason: ReasonAllowed}
		}
		return GateDecision{Reason: ReasonNotInAllowList, Pair: true}
	}

	switch account.GroupPolicy {
	case config.GroupPolicyOpen:
		return GateDecision{Allowed: true, Reason: ReasonAllowed}
	case config.GroupPolicyClosed:
		return GateDecision{Reason: ReasonGroupClosed}
	default: // allowlist is also the fallback for an unset policy
		if account.AllowFrom.Contains(msg.SenderID) {
			return GateDecision{Allowed: true, Reason: ReasonAllowed}
		}
		return GateDecision{Reason: ReasonNotInAllowList}
	}
}

// InboundHandler processes accepted messages (routes them to an agent turn).
type InboundHandler interface {
	HandleInbound(ctx context.Context, cfg *config.Config, msg Message)
}

// Gatekeeper is the Inbox implementation adapters deliver into: it applies
// the trust gate and the channel's mention requirement, files pairing
// requests for unknown DM senders, and hands accepted messages to the turn
// handler.
type Gatekeeper struct {
	cfg      func() *config.Config
	registry *Registry
	handler  InboundHandler
	pairing  pairingRequestFunc
	bus      *bus.Bus
	logger   *slog.Logger
}

type pairingRequestFunc func(ctx context.Context, channelID, accountID, senderID, senderName string) error

func NewGatekeeper(currentConfig func() *config.Config, registry *Registry, handler InboundHandler, pairingRequest func(ctx context.Context, channelID, accountID, senderID, senderName string) error, eventBus *bus.Bus, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{cfg: currentConfig, registry: registry, handler: handler, pairing: pairingRequest, bus: eventBus, logger: logger}
}

// Deliver implements Inbox.
func (g *Gatekeeper) Deliver(ctx context.Context, msg Message) {
	cfg := g.cfg()
	account, ok := cfg.ResolveAccount(msg.ChannelID, msg.AccountID)
	if !ok {
		g.logger.Warn("inbound message for unknown account",
			"channel", msg.ChannelID, "account", msg.AccountID)
		return
	}

	decision := GateInbound(account, msg)
	if decision.Allowed && g.mentionMissing(cfg, msg) {
		decision = GateDecision{Reason: ReasonMentionRequired}
	}
	if !decision.Allowed {
		g.logger.Info("inbound message blocked",
			"channel", msg.ChannelID, "account", account.AccountID,
			"sender", msg.SenderID, "reason", decision.Reason)
		if g.bus != nil {
			g.bus.Publish(bus.TopicMessageBlocked, bus.BlockedMessageEvent{
				ChannelID: msg.ChannelID,
				AccountID: account.AccountID,
				SenderID:  msg.SenderID,
			})
		}
		if decision.Pair && g.pairing != nil {
			if err := g.pairing(ctx, msg.ChannelID, account.AccountID, msg.SenderID, msg.SenderName); err != nil {
				g.logger.Warn("pairing request failed", "sender", msg.SenderID, "error", err)
			}
		}
		return
	}

	if g.handler != nil {
		g.handler.HandleInbound(ctx, cfg, msg)
	}
}

// mentionMissing reports whether a group message needs a bot mention it does
// not carry. Channels without the Group capability never require mentions.
// The agent consulted is the one inbound routing would pick: the first entry
// in agents.list.
func (g *Gatekeeper) mentionMissing(cfg *config.Config, msg Message) bool {
	if !msg.Group || msg.MentionsBot || g.registry == nil {
		return false
	}
	adapter, ok := g.registry.Get(msg.ChannelID)
	if !ok || adapter.Group == nil {
		return false
	}
	agentID := ""
	if len(cfg.Agents.List) > 0 {
		agentID = cfg.Agents.List[0].ID
	}
	return adapter.Group.MentionRequired(cfg, agentID, msg)
}
