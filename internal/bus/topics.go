package bus

import "time"

// Inbound message topics.
const (
	TopicMessageInbound = "message.inbound"
	TopicMessageBlocked = "message.blocked"
)

// Outbound delivery topics.
const (
	TopicDeliverySent   = "delivery.sent"
	TopicDeliveryFailed = "delivery.failed"
)

// Channel lifecycle topics.
const (
	TopicChannelStarted = "channel.started"
	TopicChannelStopped = "channel.stopped"
	TopicChannelError   = "channel.error"
)

// Pairing topics.
const (
	TopicPairingRequested = "pairing.requested"
	TopicPairingApproved  = "pairing.approved"
	TopicPairingRejected  = "pairing.rejected"
)

// Config topics.
const (
	TopicConfigReloaded = "config.reloaded"
)

// Heartbeat topics.
const (
	TopicHeartbeatOK     = "heartbeat.ok"
	TopicHeartbeatFailed = "heartbeat.failed"
)

// InboundMessageEvent is published when a channel adapter accepts a message.
type InboundMessageEvent struct {
	ChannelID  string
	AccountID  string
	SenderID   string
	SessionKey string
	AgentID    string
	Text       string
}

// BlockedMessageEvent is published when a sender fails the allow-list check.
type BlockedMessageEvent struct {
	ChannelID string
	AccountID string
	SenderID  string
}

// DeliveryEvent is published after an outbound send attempt.
type DeliveryEvent struct {
	ChannelID  string
	AccountID  string
	Target     string
	ProviderID string
	Chunks     int
	Error      string
}

// ChannelStateEvent is published when an account connection changes state.
type ChannelStateEvent struct {
	ChannelID string
	AccountID string
	State     string
	Detail    string
}

// PairingEvent is published on pairing request lifecycle transitions.
type PairingEvent struct {
	RequestID string
	ChannelID string
	AccountID string
	SenderID  string
	At        time.Time
}

// HeartbeatEvent is published after each scheduled liveness ping.
type HeartbeatEvent struct {
	ChannelID string
	AccountID string
	Error     string
	Elapsed   time.Duration
	At        time.Time
}
