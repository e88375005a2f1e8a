package channels

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/oni/internal/config"
)

const (
	whatsappTextLimit   = 65536
	whatsappPollOptions = 12
)

// WhatsAppTransport is the narrow seam to the provider session process.
// The actual wire protocol is a collaborator; the gateway only drives the
// session lifecycle and message submission through this interface.
type WhatsAppTransport interface {
	Connect(ctx context.Context, accountID string, onMessage func(Message)) error
	Disconnect(accountID string) error
	LoggedIn(accountID string) bool
	Logout(ctx context.Context, accountID string) error

	// StartQR begins a pairing session and returns the code to render.
	// WaitQR blocks until the phone scans it, the session expires, or ctx
	// is canceled.
	StartQR(ctx context.Context, accountID string) (qrData string, expiresAt time.Time, err error)
	WaitQR(ctx context.Context, accountID, sessionID string) error

	Send(ctx context.Context, accountID, target, text string) (providerID string, err error)
	SendMedia(ctx context.Context, accountID, target, caption, mediaURL string) (providerID string, err error)
	Ping(ctx context.Context, accountID string) error
}

var waTargetRe = regexp.MustCompile(`^\+?[0-9]{6,15}(-[0-9]+)?$`)

// WhatsAppAdapter bundles WhatsApp capabilities. Delivery mode is gateway:
// the provider requires one persistent logged-in session per account, so
// every operation goes through the session the Lifecycle hooks manage.
type WhatsAppAdapter struct {
	accountOps
	groupOps
	transport WhatsAppTransport
	logger    *slog.Logger
}

func NewWhatsAppAdapter(transport WhatsAppTransport, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WhatsAppAdapter{
		accountOps: newAccountOps("whatsapp"),
		transport:  transport,
		logger:     logger,
	}
	return &Adapter{
		ID:           "whatsapp",
		Label:        "WhatsApp",
		DeliveryMode: DeliveryGateway,
		Setup:        w,
		Config:       w,
		Group:        w,
		Outbound:     w,
		Status:       w,
		Lifecycle:    w,
		QR:           w,
		Heartbeat:    w,
		Security:     w,
		Pairing:      w,
	}
}

// ResolveTarget accepts E.164-ish numbers and group ids (number-suffix
// form).
func (w *WhatsAppAdapter) ResolveTarget(account config.ChannelAccount, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !waTargetRe.MatchString(raw) {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("whatsapp target %q is not a phone number or group id", raw)}
	}
	return strings.TrimPrefix(raw, "+"), nil
}

func (w *WhatsAppAdapter) TextChunkLimit() int { return whatsappTextLimit }
func (w *WhatsAppAdapter) PollMaxOptions() int { return whatsappPollOptions }

func (w *WhatsAppAdapter) SendText(ctx context.Context, account config.ChannelAccount, target, text string) (SendResult, error) {
	if !w.transport.LoggedIn(account.AccountID) {
		return SendResult{}, &SendError{Code: ErrCodeAuthExpired, Err: fmt.Errorf("whatsapp account %s is not logged in", account.AccountID)}
	}
	id, err := w.transport.Send(ctx, account.AccountID, target, text)
	if err != nil {
		return SendResult{}, &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
	}
	return SendResult{MessageIDs: []string{id}, Chunks: 1}, nil
}

func (w *WhatsAppAdapter) SendMedia(ctx context.Context, account config.ChannelAccount, target, caption, mediaURL string) (SendResult, error) {
	if !w.transport.LoggedIn(account.AccountID) {
		return SendResult{}, &SendError{Code: ErrCodeAuthExpired, Err: fmt.Errorf("whatsapp account %s is not logged in", account.AccountID)}
	}
	id, err := w.transport.SendMedia(ctx, account.AccountID, target, caption, mediaURL)
	if err != nil {
		return SendResult{}, &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
	}
	return SendResult{MessageIDs: []string{id}, Chunks: 1}, nil
}

func (w *WhatsAppAdapter) SendPoll(ctx context.Context, account config.ChannelAccount, target string, poll Poll) (SendResult, error) {
	var b strings.Builder
	b.WriteString(poll.Question + "\n")
	for i, opt := range poll.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	return w.SendText(ctx, account, target, b.String())
}

func (w *WhatsAppAdapter) ProbeAccount(ctx context.Context, account config.ChannelAccount, timeout time.Duration) ProbeResult {
	start := time.Now()
	result := ProbeResult{CheckedAt: start}

	if !w.transport.LoggedIn(account.AccountID) {
		result.Status = ProbeFailed
		result.Detail = "not logged in (run QR pairing)"
		result.Elapsed = time.Since(start)
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.transport.Ping(probeCtx, account.AccountID) }()

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

func (w *WhatsAppAdapter) AuditAccount(ctx context.Context, account config.ChannelAccount, probe ProbeResult) AuditResult {
	audit := AuditResult{OK: true}
	if probe.Status != ProbeOK {
		audit.OK = false
		audit.Findings = append(audit.Findings, "session unreachable, audit skipped")
		return audit
	}
	if len(account.AllowFrom) == 0 {
		audit.Findings = append(audit.Findings, "allowFrom is empty: every DM sender will be held for pairing")
	}
	return audit
}

func (w *WhatsAppAdapter) BuildAccountSnapshot(account config.ChannelAccount, runtime RuntimeState, probe *ProbeResult, audit *AuditResult) AccountSnapshot {
	snap := AccountSnapshot{
		Description: w.DescribeAccount(account),
		Runtime:     runtime,
		Probe:       probe,
		Audit:       audit,
	}
	// Credential refs do not apply to QR-paired sessions; configured means
	// logged in.
	snap.Description.Configured = w.transport.LoggedIn(account.AccountID)
	snap.Description.CredentialHint = "qr session"
	return snap
}

func (w *WhatsAppAdapter) CollectStatusIssues(snapshots []AccountSnapshot) []StatusIssue {
	issues := collectCommonIssues(snapshots)
	for _, snap := range snapshots {
		if !snap.Description.Configured {
			issues = append(issues, StatusIssue{
				ChannelID: snap.Description.ChannelID,
				AccountID: snap.Description.AccountID,
				Severity:  "warn",
				Message:   "not logged in; run channels login to pair via QR",
			})
		}
	}
	return issues
}

func (w *WhatsAppAdapter) StartAccount(ctx context.Context, account config.ChannelAccount, inbox Inbox) error {
	err := w.transport.Connect(ctx, account.AccountID, func(msg Message) {
		msg.ChannelID = "whatsapp"
		msg.AccountID = account.AccountID
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}
		inbox.Deliver(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	w.logger.Info("whatsapp account started", "account", account.AccountID)
	<-ctx.Done()
	return w.transport.Disconnect(account.AccountID)
}

func (w *WhatsAppAdapter) StopAccount(ctx context.Context, account config.ChannelAccount) error {
	return w.transport.Disconnect(account.AccountID)
}

func (w *WhatsAppAdapter) LogoutAccount(ctx context.Context, account config.ChannelAccount) error {
	return w.transport.Logout(ctx, account.AccountID)
}

func (w *WhatsAppAdapter) LoginWithQRStart(ctx context.Context, account config.ChannelAccount) (QRSession, error) {
	qrData, expiresAt, err := w.transport.StartQR(ctx, account.AccountID)
	if err != nil {
		return QRSession{}, fmt.Errorf("start qr pairing: %w", err)
	}
	return QRSession{SessionID: uuid.NewString(), QRData: qrData, ExpiresAt: expiresAt}, nil
}

func (w *WhatsAppAdapter) LoginWithQRWait(ctx context.Context, session QRSession) error {
	waitCtx := ctx
	if !session.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, session.ExpiresAt)
		defer cancel()
	}
	if err := w.transport.WaitQR(waitCtx, "", session.SessionID); err != nil {
		return fmt.Errorf("qr pairing: %w", err)
	}
	return nil
}

func (w *WhatsAppAdapter) HeartbeatAccount(ctx context.Context, account config.ChannelAccount) error {
	if !w.transport.LoggedIn(account.AccountID) {
		return fmt.Errorf("whatsapp account %s is not logged in", account.AccountID)
	}
	return w.transport.Ping(ctx, account.AccountID)
}

// DMPolicy is always pairing for WhatsApp: first contact from an unknown
// number never reaches an agent directly.
func (w *WhatsAppAdapter) DMPolicy(account config.ChannelAccount) string {
	return "pairing"
}

func (w *WhatsAppAdapter) NotifyApproved(ctx context.Context, account config.ChannelAccount, senderID string) error {
	_, err := w.SendText(ctx, account, senderID, "You have been approved. Say hi!")
	return err
}
