package channels

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/basket/oni/internal/config"
)

const (
	signalTextLimit   = 2000
	signalPollOptions = 0 // signal has no polls
)

// SignalTransport is the seam to a signal-cli style daemon. Like WhatsApp,
// the wire protocol is a collaborator; unlike WhatsApp, sends can go through
// a one-shot CLI invocation while receiving needs the daemon, hence the
// hybrid delivery mode.
type SignalTransport interface {
	Receive(ctx context.Context, accountID string, onMessage func(Message)) error
	Registered(accountID string) bool
	Send(ctx context.Context, accountID, target, text string) (providerID string, err error)
	SendMedia(ctx context.Context, accountID, target, caption, mediaURL string) (providerID string, err error)
	Ping(ctx context.Context, accountID string) error
}

var signalTargetRe = regexp.MustCompile(`^\+[0-9]{6,15}$`)

// SignalAdapter bundles Signal capabilities.
type SignalAdapter struct {
	accountOps
	groupOps
	transport SignalTransport
	logger    *slog.Logger
}

func NewSignalAdapter(transport SignalTransport, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SignalAdapter{
		accountOps: newAccountOps("signal"),
		transport:  transport,
		logger:     logger,
	}
	return &Adapter{
		ID:           "signal",
		Label:        "Signal",
		DeliveryMode: DeliveryHybrid,
		Setup:        s,
		Config:       s,
		Group:        s,
		Outbound:     s,
		Status:       s,
		Lifecycle:    s,
		Heartbeat:    s,
		Security:     s,
		Pairing:      s,
	}
}

// ResolveTarget requires strict E.164 (+country…); group targets use the
// base64 group id form the daemon reports.
func (s *SignalAdapter) ResolveTarget(account config.ChannelAccount, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("empty signal target")}
	}
	if strings.HasPrefix(raw, "group.") || signalTargetRe.MatchString(raw) {
		return raw, nil
	}
	return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("signal target %q must be +E164 or group.<id>", raw)}
}

func (s *SignalAdapter) TextChunkLimit() int { return signalTextLimit }
func (s *SignalAdapter) PollMaxOptions() int { return signalPollOptions }

func (s *SignalAdapter) SendText(ctx context.Context, account config.ChannelAccount, target, text string) (SendResult, error) {
	if !s.transport.Registered(account.AccountID) {
		return SendResult{}, &SendError{Code: ErrCodeAuthExpired, Err: fmt.Errorf("signal account %s is not registered", account.AccountID)}
	}
	id, err := s.transport.Send(ctx, account.AccountID, target, text)
	if err != nil {
		return SendResult{}, &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
	}
	return SendResult{MessageIDs: []string{id}, Chunks: 1}, nil
}

func (s *SignalAdapter) SendMedia(ctx context.Context, account config.ChannelAccount, target, caption, mediaURL string) (SendResult, error) {
	if !s.transport.Registered(account.AccountID) {
		return SendResult{}, &SendError{Code: ErrCodeAuthExpired, Err: fmt.Errorf("signal account %s is not registered", account.AccountID)}
	}
	id, err := s.transport.SendMedia(ctx, account.AccountID, target, caption, mediaURL)
	if err != nil {
		return SendResult{}, &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
	}
	return SendResult{MessageIDs: []string{id}, Chunks: 1}, nil
}

func (s *SignalAdapter) SendPoll(ctx context.Context, account config.ChannelAccount, target string, poll Poll) (SendResult, error) {
	return SendResult{}, &SendError{Code: ErrCodeUnsupported, Err: fmt.Errorf("signal does not support polls")}
}

func (s *SignalAdapter) ProbeAccount(ctx context.Context, account config.ChannelAccount, timeout time.Duration) ProbeResult {
	start := time.Now()
	result := ProbeResult{CheckedAt: start}

	if !s.transport.Registered(account.AccountID) {
		result.Status = ProbeFailed
		result.Detail = "account not registered with the signal daemon"
		result.Elapsed = time.Since(start)
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.transport.Ping(probeCtx, account.AccountID) }()

	select {
	case <-probeCtx.Done():
		result.Status = ProbeTimedOut
		result.Detail = probeCtx.Err().Error()
	case err := <-done:
		if err != nil {
			result.Status = ProbeFailed
			result.Detail = err.Error()
		} else {
			result.Status = ProbeOK
		}
	}
	result.Elapsed = time.Since(start)
	return result
}

func (s *SignalAdapter) AuditAccount(ctx context.Context, account config.ChannelAccount, probe ProbeResult) AuditResult {
	audit := AuditResult{OK: true}
	if probe.Status != ProbeOK {
		audit.OK = false
		audit.Findings = append(audit.Findings, "daemon unreachable, audit skipped")
		return audit
	}
	if len(account.AllowFrom) == 0 {
		audit.Findings = append(audit.Findings, "allowFrom is empty: every DM sender will be held for pairing")
	}
	return audit
}

func (s *SignalAdapter) BuildAccountSnapshot(account config.ChannelAccount, runtime RuntimeState, probe *ProbeResult, audit *AuditResult) AccountSnapshot {
	snap := AccountSnapshot{
		Description: s.DescribeAccount(account),
		Runtime:     runtime,
		Probe:       probe,
		Audit:       audit,
	}
	snap.Description.Configured = s.transport.Registered(account.AccountID)
	snap.Description.CredentialHint = "daemon registration"
	return snap
}

func (s *SignalAdapter) CollectStatusIssues(snapshots []AccountSnapshot) []StatusIssue {
	return collectCommonIssues(snapshots)
}

func (s *SignalAdapter) StartAccount(ctx context.Context, account config.ChannelAccount, inbox Inbox) error {
	err := s.transport.Receive(ctx, account.AccountID, func(msg Message) {
		msg.ChannelID = "signal"
		msg.AccountID = account.AccountID
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}
		inbox.Deliver(ctx, msg)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("signal receive: %w", err)
	}
	return nil
}

func (s *SignalAdapter) StopAccount(ctx context.Context, account config.ChannelAccount) error {
	return nil // Receive exits when its ctx is canceled
}

func (s *SignalAdapter) LogoutAccount(ctx context.Context, account config.ChannelAccount) error {
	return fmt.Errorf("signal unregistration must be done through the daemon")
}

func (s *SignalAdapter) HeartbeatAccount(ctx context.Context, account config.ChannelAccount) error {
	if !s.transport.Registered(account.AccountID) {
		return fmt.Errorf("signal account %s is not registered", account.AccountID)
	}
	return s.transport.Ping(ctx, account.AccountID)
}

func (s *SignalAdapter) DMPolicy(account config.ChannelAccount) string {
	return "pairing"
}

func (s *SignalAdapter) NotifyApproved(ctx context.Context, account config.ChannelAccount, senderID string) error {
	_, err := s.SendText(ctx, account, senderID, "You have been approved. Say hi!")
	return err
}
