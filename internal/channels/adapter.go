// Package channels defines the adapter framework connecting messaging
// providers to the gateway.
//
// An adapter is a capability bundle, not a base class: it fills in only the
// interfaces its provider supports, and the gateway checks for nil before
// using one. A webhook-style broadcast channel may carry just Outbound and
// Status; a P2P messaging app carries nearly everything.
package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/oni/internal/config"
)

// Delivery modes. Direct adapters own their transport per call; gateway
// adapters need a long-lived session managed through Lifecycle hooks (QR
// login apps); hybrid adapters do both depending on the operation.
const (
	DeliveryDirect  = "direct"
	DeliveryGateway = "gateway"
	DeliveryHybrid  = "hybrid"
)

// Message is an inbound provider event normalized into gateway terms.
type Message struct {
	ChannelID   string    `json:"channelId"`
	AccountID   string    `json:"accountId"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName,omitempty"`
	ChatID      string    `json:"chatId"`
	Text        string    `json:"text"`
	Group       bool      `json:"group,omitempty"`
	MentionsBot bool      `json:"mentionsBot,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Poll is a provider-agnostic poll payload.
type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Payload is one outbound message. Exactly one of Text, MediaURL, or Poll
// drives the send; Text doubles as the caption when MediaURL is set.
type Payload struct {
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Poll     *Poll  `json:"poll,omitempty"`
}

// SendResult reports a completed delivery: one provider message id per chunk
// actually sent.
type SendResult struct {
	MessageIDs []string `json:"messageIds"`
	Chunks     int      `json:"chunks"`
}

// SendError codes.
const (
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeAuthExpired   = "auth_expired"
	ErrCodeNetwork       = "network"
	ErrCodeInvalidTarget = "invalid_target"
	ErrCodeUnsupported   = "unsupported"
	ErrCodeTimeout       = "timeout"
)

// SendError is a typed delivery failure. Adapter errors stay local to their
// channel and account; they are surfaced to the caller, never escalated into
// a gateway crash.
type SendError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Setup mutates account configuration. Implementations must be pure: same
// inputs, same output tree, no I/O.
type Setup interface {
	// ValidateInput returns a human-readable problem with the input, or ""
	// when it is acceptable. It runs before any mutation is applied.
	ValidateInput(input config.AccountInput) string

	// ApplyAccountConfig returns a new tree with the account upserted.
	ApplyAccountConfig(cfg *config.Config, accountID string, input config.AccountInput) (*config.Config, error)
}

// ConfigOps reads account configuration for one channel.
type ConfigOps interface {
	ListAccountIDs(cfg *config.Config) []string
	ResolveAccount(cfg *config.Config, accountID string) (config.ChannelAccount, bool)

	// IsConfigured may perform I/O, e.g. checking that a credential file
	// exists or an env var is set.
	IsConfigured(ctx context.Context, account config.ChannelAccount) (bool, error)

	// DescribeAccount produces a redacted snapshot safe for status surfaces.
	DescribeAccount(account config.ChannelAccount) AccountDescription
}

// AccountDescription is the redacted per-account view used by status RPCs.
type AccountDescription struct {
	ChannelID      string `json:"channelId"`
	AccountID      string `json:"accountId"`
	Enabled        bool   `json:"enabled"`
	Configured     bool   `json:"configured"`
	CredentialHint string `json:"credentialHint,omitempty"`
	GroupPolicy    string `json:"groupPolicy,omitempty"`
	AllowFromCount int    `json:"allowFromCount"`
}

// Group resolves group-chat behavior for a message context.
type Group interface {
	// MentionRequired reports whether the agent only answers group messages
	// that explicitly mention it.
	MentionRequired(cfg *config.Config, agentID string, msg Message) bool

	// GroupToolPolicy names the tool policy applying in group context.
	GroupToolPolicy(cfg *config.Config, agentID string) string
}

// Outbound sends messages. TextChunkLimit and PollMaxOptions are provider
// constants the router honors before calling a send.
type Outbound interface {
	// ResolveTarget validates and normalizes a destination. It returns a
	// *SendError with code invalid_target for destinations the account may
	// not message.
	ResolveTarget(account config.ChannelAccount, raw string) (string, error)

	SendText(ctx context.Context, account config.ChannelAccount, target, text string) (SendResult, error)
	SendMedia(ctx context.Context, account config.ChannelAccount, target, caption, mediaURL string) (SendResult, error)
	SendPoll(ctx context.Context, account config.ChannelAccount, target string, poll Poll) (SendResult, error)

	TextChunkLimit() int
	PollMaxOptions() int
}

// Probe outcomes.
const (
	ProbeOK       = "ok"
	ProbeFailed   = "failed"
	ProbeTimedOut = "timed_out"
	ProbeSkipped  = "skipped"
)

// ProbeResult is a live reachability check outcome. A probe that exceeds the
// caller's timeout reports timed_out; it never hangs the caller.
type ProbeResult struct {
	Status    string        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsedMs"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// AuditResult is a deeper permission/security probe, possibly consuming a
// prior ProbeResult.
type AuditResult struct {
	OK       bool     `json:"ok"`
	Findings []string `json:"findings,omitempty"`
}

// RuntimeState is what the account manager knows about a running account.
type RuntimeState struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// AccountSnapshot merges config, runtime, probe, and audit into one
// reportable object.
type AccountSnapshot struct {
	Description AccountDescription `json:"description"`
	Runtime     RuntimeState       `json:"runtime"`
	Probe       *ProbeResult       `json:"probe,omitempty"`
	Audit       *AuditResult       `json:"audit,omitempty"`
}

// StatusIssue is a user-facing warning derived from snapshots.
type StatusIssue struct {
	ChannelID string `json:"channelId"`
	AccountID string `json:"accountId"`
	Severity  string `json:"severity"` // warn or error
	Message   string `json:"message"`
}

// Status inspects account health.
type Status interface {
	ProbeAccount(ctx context.Context, account config.ChannelAccount, timeout time.Duration) ProbeResult
	AuditAccount(ctx context.Context, account config.ChannelAccount, probe ProbeResult) AuditResult
	BuildAccountSnapshot(account config.ChannelAccount, runtime RuntimeState, probe *ProbeResult, audit *AuditResult) AccountSnapshot
	CollectStatusIssues(snapshots []AccountSnapshot) []StatusIssue
}

// Inbox receives messages an adapter normalized from its provider.
type Inbox interface {
	Deliver(ctx context.Context, msg Message)
}

// Lifecycle manages long-lived provider sessions. StartAccount blocks until
// ctx is canceled or a fatal error occurs; cancellation is the normal stop
// path and returns nil.
type Lifecycle interface {
	StartAccount(ctx context.Context, account config.ChannelAccount, inbox Inbox) error
	StopAccount(ctx context.Context, account config.ChannelAccount) error
	LogoutAccount(ctx context.Context, account config.ChannelAccount) error
}

// QRSession is an in-progress two-phase QR login.
type QRSession struct {
	SessionID string    `json:"sessionId"`
	QRData    string    `json:"qrData"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// QRLogin is the two-phase login used by QR-pairing providers: Start renders
// the code, Wait blocks (ctx-bound) until the phone scans it or it expires.
type QRLogin interface {
	LoginWithQRStart(ctx context.Context, account config.ChannelAccount) (QRSession, error)
	LoginWithQRWait(ctx context.Context, session QRSession) error
}

// Auth performs interactive (non-QR) login flows.
type Auth interface {
	Login(ctx context.Context, account config.ChannelAccount) error
}

// Heartbeat is a scheduled liveness ping.
type Heartbeat interface {
	HeartbeatAccount(ctx context.Context, account config.ChannelAccount) error
}

// DirectoryEntry is one contact or group known to an account.
type DirectoryEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group bool   `json:"group,omitempty"`
}

// Directory lists contacts and groups.
type Directory interface {
	ListContacts(ctx context.Context, account config.ChannelAccount) ([]DirectoryEntry, error)
	ListGroups(ctx context.Context, account config.ChannelAccount) ([]DirectoryEntry, error)
}

// Resolver turns free text ("#general", "Alice") into a concrete target id.
type Resolver interface {
	ResolveHandle(ctx context.Context, account config.ChannelAccount, query string) (string, error)
}

// Elevated gates elevated-tool access per sender.
type Elevated interface {
	ElevatedAllowed(cfg *config.Config, agentID, senderID string) bool
}

// Command gates slash/command-style messages per sender.
type Command interface {
	AllowCommand(account config.ChannelAccount, senderID, command string) bool
}

// Security reports the account's DM trust policy.
type Security interface {
	DMPolicy(account config.ChannelAccount) string
}

// PairingNotifier tells a sender their pairing request was approved.
type PairingNotifier interface {
	NotifyApproved(ctx context.Context, account config.ChannelAccount, senderID string) error
}

// Adapter is the capability bundle for one channel. Unsupported capabilities
// stay nil.
type Adapter struct {
	ID           string
	Label        string
	DeliveryMode string

	Setup     Setup
	Config    ConfigOps
	Group     Group
	Outbound  Outbound
	Status    Status
	Lifecycle Lifecycle
	QR        QRLogin
	Auth      Auth
	Heartbeat Heartbeat
	Directory Directory
	Resolver  Resolver
	Elevated  Elevated
	Command   Command
	Security  Security
	Pairing   PairingNotifier
}

// Capabilities lists the capability names this adapter implements, in a
// stable order.
func (a *Adapter) Capabilities() []string {
	var caps []string
	add := func(name string, present bool) {
		if present {
			caps = append(caps, name)
		}
	}
	add("setup", a.Setup != nil)
	add("config", a.Config != nil)
	add("group", a.Group != nil)
	add("outbound", a.Outbound != nil)
	add("status", a.Status != nil)
	add("lifecycle", a.Lifecycle != nil)
	add("qr", a.QR != nil)
	add("auth", a.Auth != nil)
	add("heartbeat", a.Heartbeat != nil)
	add("directory", a.Directory != nil)
	add("resolver", a.Resolver != nil)
	add("elevated", a.Elevated != nil)
	add("command", a.Command != nil)
	add("security", a.Security != nil)
	add("pairing", a.Pairing != nil)
	return caps
}
