package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/oni/internal/config"
)

const (
	telegramTextLimit   = 4096
	telegramPollOptions = 10
)

// TelegramAdapter is the Telegram capability bundle. Delivery is direct: the
// bot API owns its own HTTP transport per call, with long polling for
// inbound updates.
type TelegramAdapter struct {
	accountOps
	groupOps
	logger *slog.Logger

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI // accountID -> connected bot
}

func NewTelegramAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramAdapter{
		accountOps: newAccountOps("telegram"),
		logger:     logger,
		bots:       make(map[string]*tgbotapi.BotAPI),
	}
	return &Adapter{
		ID:           "telegram",
		Label:        "Telegram",
		DeliveryMode: DeliveryDirect,
		Setup:        t,
		Config:       t,
		Group:        t,
		Outbound:     t,
		Status:       t,
		Lifecycle:    t,
		Heartbeat:    t,
		Resolver:     t,
		Pairing:      t,
	}
}

func (t *TelegramAdapter) bot(account config.ChannelAccount) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	if bot, ok := t.bots[account.AccountID]; ok {
		t.mu.Unlock()
		return bot, nil
	}
	t.mu.Unlock()

	token, err := ResolveCredential(account.CredentialsRef)
	if err != nil {
		return nil, &SendError{Code: ErrCodeAuthExpired, Err: err}
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, &SendError{Code: ErrCodeAuthExpired, Err: fmt.Errorf("telegram init: %w", err)}
	}
	t.mu.Lock()
	t.bots[account.AccountID] = bot
	t.mu.Unlock()
	return bot, nil
}

func (t *TelegramAdapter) dropBot(accountID string) {
	t.mu.Lock()
	delete(t.bots, accountID)
	t.mu.Unlock()
}

// ResolveTarget accepts numeric chat ids and @usernames.
func (t *TelegramAdapter) ResolveTarget(account config.ChannelAccount, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("empty telegram target")}
	}
	if strings.HasPrefix(raw, "@") {
		return raw, nil
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("telegram target %q is neither a chat id nor @username", raw)}
	}
	return raw, nil
}

func (t *TelegramAdapter) TextChunkLimit() int { return telegramTextLimit }
func (t *TelegramAdapter) PollMaxOptions() int { return telegramPollOptions }

func (t *TelegramAdapter) chattable(target string) (int64, string) {
	if strings.HasPrefix(target, "@") {
		return 0, target
	}
	id, _ := strconv.ParseInt(target, 10, 64)
	return id, ""
}

func (t *TelegramAdapter) SendText(ctx context.Context, account config.ChannelAccount, target, text string) (SendResult, error) {
	bot, err := t.bot(account)
	if err != nil {
		return SendResult{}, err
	}
	chatID, username := t.chattable(target)
	var msg tgbotapi.MessageConfig
	if username != "" {
		msg = tgbotapi.NewMessageToChannel(username, text)
	} else {
		msg = tgbotapi.NewMessage(chatID, text)
	}
	sent, err := bot.Send(msg)
	if err != nil {
		return SendResult{}, classifyTelegramError(err)
	}
	return SendResult{MessageIDs: []string{strconv.Itoa(sent.MessageID)}, Chunks: 1}, nil
}

func (t *TelegramAdapter) SendMedia(ctx context.Context, account config.ChannelAccount, target, caption, mediaURL string) (SendResult, error) {
	bot, err := t.bot(account)
	if err != nil {
		return SendResult{}, err
	}
	chatID, _ := t.chattable(target)
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(mediaURL))
	photo.Caption = caption
	sent, err := bot.Send(photo)
	if err != nil {
		return SendResult{}, classifyTelegramError(err)
	}
	return SendResult{MessageIDs: []string{strconv.Itoa(sent.MessageID)}, Chunks: 1}, nil
}

func (t *TelegramAdapter) SendPoll(ctx context.Context, account config.ChannelAccount, target string, poll Poll) (SendResult, error) {
	bot, err := t.bot(account)
	if err != nil {
		return SendResult{}, err
	}
	chatID, _ := t.chattable(target)
	cfg := tgbotapi.NewPoll(chatID, poll.Question, poll.Options...)
	sent, err := bot.Send(cfg)
	if err != nil {
		return SendResult{}, classifyTelegramError(err)
	}
	return SendResult{MessageIDs: []string{strconv.Itoa(sent.MessageID)}, Chunks: 1}, nil
}

func classifyTelegramError(err error) *SendError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Too Many Requests"):
		return &SendError{Code: ErrCodeRateLimited, Retryable: true, Err: err}
	case strings.Contains(msg, "Unauthorized"), strings.Contains(msg, "bot was blocked"):
		return &SendError{Code: ErrCodeAuthExpired, Err: err}
	case strings.Contains(msg, "chat not found"):
		return &SendError{Code: ErrCodeInvalidTarget, Err: err}
	default:
		return &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
	}
}

// ProbeAccount calls getMe within the caller's timeout.
func (t *TelegramAdapter) ProbeAccount(ctx context.Context, account config.ChannelAccount, timeout time.Duration) ProbeResult {
	start := time.Now()
	result := ProbeResult{CheckedAt: start}

	done := make(chan error, 1)
	go func() {
		bot, err := t.bot(account)
		if err != nil {
			done <- err
			return
		}
		_, err = bot.GetMe()
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		result.Status = ProbeTimedOut
		result.Detail = ctx.Err().Error()
	case <-timer.C:
		result.Status = ProbeTimedOut
		result.Detail = fmt.Sprintf("no response within %s", timeout)
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

func (t *TelegramAdapter) AuditAccount(ctx context.Context, account config.ChannelAccount, probe ProbeResult) AuditResult {
	audit := AuditResult{OK: true}
	if probe.Status != ProbeOK {
		audit.OK = false
		audit.Findings = append(audit.Findings, "account unreachable, permission audit skipped")
		return audit
	}
	if len(account.AllowFrom) == 0 {
		audit.Findings = append(audit.Findings, "allowFrom is empty: every DM sender will be held for pairing")
	}
	if account.GroupPolicy == config.GroupPolicyOpen {
		audit.Findings = append(audit.Findings, "groupPolicy is open: any group member can address the agent")
	}
	return audit
}

func (t *TelegramAdapter) BuildAccountSnapshot(account config.ChannelAccount, runtime RuntimeState, probe *ProbeResult, audit *AuditResult) AccountSnapshot {
	return AccountSnapshot{
		Description: t.DescribeAccount(account),
		Runtime:     runtime,
		Probe:       probe,
		Audit:       audit,
	}
}

func (t *TelegramAdapter) CollectStatusIssues(snapshots []AccountSnapshot) []StatusIssue {
	return collectCommonIssues(snapshots)
}

// StartAccount long-polls for updates until ctx is canceled, reconnecting
// with exponential backoff on transport errors.
func (t *TelegramAdapter) StartAccount(ctx context.Context, account config.ChannelAccount, inbox Inbox) error {
	bot, err := t.bot(account)
	if err != nil {
		return err
	}
	t.logger.Info("telegram account started",
		"account", account.AccountID, "bot", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, account, bot, updates, inbox)
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting",
				"account", account.AccountID, "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or the
// stream stalls past 2.5x the long-poll timeout (the library blocks instead
// of closing the channel on a dead connection).
func (t *TelegramAdapter) pollUpdates(ctx context.Context, account config.ChannelAccount, bot *tgbotapi.BotAPI, updates tgbotapi.UpdatesChannel, inbox Inbox) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			msg := update.Message
			text := strings.TrimSpace(msg.Text)
			if text == "" {
				continue
			}
			inbox.Deliver(ctx, Message{
				ChannelID:   "telegram",
				AccountID:   account.AccountID,
				SenderID:    strconv.FormatInt(msg.From.ID, 10),
				SenderName:  msg.From.UserName,
				ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
				Text:        text,
				Group:       msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
				MentionsBot: strings.Contains(text, "@"+bot.Self.UserName),
				ReceivedAt:  time.Now(),
			})

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramAdapter) StopAccount(ctx context.Context, account config.ChannelAccount) error {
	t.dropBot(account.AccountID)
	return nil
}

func (t *TelegramAdapter) LogoutAccount(ctx context.Context, account config.ChannelAccount) error {
	t.dropBot(account.AccountID)
	return nil
}

func (t *TelegramAdapter) HeartbeatAccount(ctx context.Context, account config.ChannelAccount) error {
	bot, err := t.bot(account)
	if err != nil {
		return err
	}
	if _, err := bot.GetMe(); err != nil {
		t.dropBot(account.AccountID)
		return fmt.Errorf("telegram heartbeat: %w", err)
	}
	return nil
}

// ResolveHandle maps "@username" or a bare username to a target string.
func (t *TelegramAdapter) ResolveHandle(ctx context.Context, account config.ChannelAccount, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("empty query")
	}
	if _, err := strconv.ParseInt(query, 10, 64); err == nil {
		return query, nil
	}
	if !strings.HasPrefix(query, "@") {
		query = "@" + query
	}
	return query, nil
}

func (t *TelegramAdapter) NotifyApproved(ctx context.Context, account config.ChannelAccount, senderID string) error {
	_, err := t.SendText(ctx, account, senderID, "You have been approved. Say hi!")
	return err
}

// collectCommonIssues derives the warnings shared by every provider from
// account snapshots.
func collectCommonIssues(snapshots []AccountSnapshot) []StatusIssue {
	var issues []StatusIssue
	for _, snap := range snapshots {
		d := snap.Description
		if !d.Configured {
			issues = append(issues, StatusIssue{
				ChannelID: d.ChannelID, AccountID: d.AccountID,
				Severity: "error",
				Message:  fmt.Sprintf("credentials unresolved (%s)", d.CredentialHint),
			})
		}
		if snap.Probe != nil && snap.Probe.Status == ProbeTimedOut {
			issues = append(issues, StatusIssue{
				ChannelID: d.ChannelID, AccountID: d.AccountID,
				Severity: "warn",
				Message:  "probe timed out",
			})
		}
		if snap.Probe != nil && snap.Probe.Status == ProbeFailed {
			issues = append(issues, StatusIssue{
				ChannelID: d.ChannelID, AccountID: d.AccountID,
				Severity: "error",
				Message:  "probe failed: " + snap.Probe.Detail,
			})
		}
		if snap.Audit != nil {
			for _, finding := range snap.Audit.Findings {
				issues = append(issues, StatusIssue{
					ChannelID: d.ChannelID, AccountID: d.AccountID,
					Severity: "warn",
					Message:  finding,
				})
			}
		}
		if d.Enabled && !snap.Runtime.Running && snap.Runtime.LastError != "" {
			issues = append(issues, StatusIssue{
				ChannelID: d.ChannelID, AccountID: d.AccountID,
				Severity: "error",
				Message:  "account stopped: " + snap.Runtime.LastError,
			})
		}
	}
	return issues
}
