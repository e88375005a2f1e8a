package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/basket/oni/internal/config"
)

const (
	discordTextLimit   = 2000
	discordPollOptions = 10
)

// DiscordAdapter bundles Discord capabilities. Delivery is hybrid: outbound
// sends go over the REST API per call, while inbound requires the persistent
// gateway websocket managed by StartAccount.
type DiscordAdapter struct {
	accountOps
	groupOps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*discordgo.Session
}

func NewDiscordAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DiscordAdapter{
		accountOps: newAccountOps("discord"),
		logger:     logger,
		sessions:   make(map[string]*discordgo.Session),
	}
	return &Adapter{
		ID:           "discord",
		Label:        "Discord",
		DeliveryMode: DeliveryHybrid,
		Setup:        d,
		Config:       d,
		Group:        d,
		Outbound:     d,
		Status:       d,
		Lifecycle:    d,
		Heartbeat:    d,
		Directory:    d,
		Pairing:      d,
	}
}

func (d *DiscordAdapter) session(account config.ChannelAccount) (*discordgo.Session, error) {
	d.mu.Lock()
	if s, ok := d.sessions[account.AccountID]; ok {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	token, err := ResolveCredential(account.CredentialsRef)
	if err != nil {
		return nil, &SendError{Code: ErrCodeAuthExpired, Err: err}
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, &SendError{Code: ErrCodeAuthExpired, Err: fmt.Errorf("discord session: %w", err)}
	}
	d.mu.Lock()
	d.sessions[account.AccountID] = s
	d.mu.Unlock()
	return s, nil
}

func (d *DiscordAdapter) dropSession(accountID string) {
	d.mu.Lock()
	if s, ok := d.sessions[accountID]; ok {
		_ = s.Close()
		delete(d.sessions, accountID)
	}
	d.mu.Unlock()
}

// ResolveTarget accepts raw channel ids; "#name" needs the Resolver path.
func (d *DiscordAdapter) ResolveTarget(account config.ChannelAccount, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("empty discord target")}
	}
	if strings.HasPrefix(raw, "#") {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("discord target %q must be resolved to a channel id first", raw)}
	}
	return raw, nil
}

func (d *DiscordAdapter) TextChunkLimit() int { return discordTextLimit }
func (d *DiscordAdapter) PollMaxOptions() int { return discordPollOptions }

func (d *DiscordAdapter) SendText(ctx context.Context, account config.ChannelAccount, target, text string) (SendResult, error) {
	s, err := d.session(account)
	if err != nil {
		return SendResult{}, err
	}
	msg, err := s.ChannelMessageSend(target, text, discordgo.WithContext(ctx))
	if err != nil {
		return SendResult{}, classifyDiscordError(err)
	}
	return SendResult{MessageIDs: []string{msg.ID}, Chunks: 1}, nil
}

func (d *DiscordAdapter) SendMedia(ctx context.Context, account config.ChannelAccount, target, caption, mediaURL string) (SendResult, error) {
	s, err := d.session(account)
	if err != nil {
		return SendResult{}, err
	}
	msg, err := s.ChannelMessageSendComplex(target, &discordgo.MessageSend{
		Content: caption,
		Embeds:  []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: mediaURL}}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return SendResult{}, classifyDiscordError(err)
	}
	return SendResult{MessageIDs: []string{msg.ID}, Chunks: 1}, nil
}

// SendPoll renders the poll as a message with numbered reactions; Discord's
// native poll API is not exposed by the library version in use.
func (d *DiscordAdapter) SendPoll(ctx context.Context, account config.ChannelAccount, target string, poll Poll) (SendResult, error) {
	var b strings.Builder
	b.WriteString("**" + poll.Question + "**\n")
	for i, opt := range poll.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	return d.SendText(ctx, account, target, b.String())
}

func classifyDiscordError(err error) *SendError {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case 429:
			return &SendError{Code: ErrCodeRateLimited, Retryable: true, Err: err}
		case 401, 403:
			return &SendError{Code: ErrCodeAuthExpired, Err: err}
		case 404:
			return &SendError{Code: ErrCodeInvalidTarget, Err: err}
		}
	}
	return &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
}

func (d *DiscordAdapter) ProbeAccount(ctx context.Context, account config.ChannelAccount, timeout time.Duration) ProbeResult {
	start := time.Now()
	result := ProbeResult{CheckedAt: start}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		s, err := d.session(account)
		if err != nil {
			done <- err
			return
		}
		_, err = s.User("@me", discordgo.WithContext(probeCtx))
		done <- err
	}()

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

func (d *DiscordAdapter) AuditAccount(ctx context.Context, account config.ChannelAccount, probe ProbeResult) AuditResult {
	audit := AuditResult{OK: true}
	if probe.Status != ProbeOK {
		audit.OK = false
		audit.Findings = append(audit.Findings, "account unreachable, permission audit skipped")
		return audit
	}
	if len(account.AllowFrom) == 0 {
		audit.Findings = append(audit.Findings, "allowFrom is empty: every DM sender will be held for pairing")
	}
	return audit
}

func (d *DiscordAdapter) BuildAccountSnapshot(account config.ChannelAccount, runtime RuntimeState, probe *ProbeResult, audit *AuditResult) AccountSnapshot {
	return AccountSnapshot{
		Description: d.DescribeAccount(account),
		Runtime:     runtime,
		Probe:       probe,
		Audit:       audit,
	}
}

func (d *DiscordAdapter) CollectStatusIssues(snapshots []AccountSnapshot) []StatusIssue {
	return collectCommonIssues(snapshots)
}

// StartAccount opens the gateway websocket and forwards message-create
// events until ctx is canceled.
func (d *DiscordAdapter) StartAccount(ctx context.Context, account config.ChannelAccount, inbox Inbox) error {
	s, err := d.session(account)
	if err != nil {
		return err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	remove := s.AddHandler(func(sess *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			return
		}
		mentions := false
		if sess.State != nil && sess.State.User != nil {
			for _, u := range m.Mentions {
				if u.ID == sess.State.User.ID {
					mentions = true
					break
				}
			}
		}
		inbox.Deliver(ctx, Message{
			ChannelID:   "discord",
			AccountID:   account.AccountID,
			SenderID:    m.Author.ID,
			SenderName:  m.Author.Username,
			ChatID:      m.ChannelID,
			Text:        text,
			Group:       m.GuildID != "",
			MentionsBot: mentions,
			ReceivedAt:  time.Now(),
		})
	})
	defer remove()

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	d.logger.Info("discord account started", "account", account.AccountID)

	<-ctx.Done()
	if err := s.Close(); err != nil {
		d.logger.Warn("discord gateway close", "account", account.AccountID, "error", err)
	}
	return nil
}

func (d *DiscordAdapter) StopAccount(ctx context.Context, account config.ChannelAccount) error {
	d.dropSession(account.AccountID)
	return nil
}

func (d *DiscordAdapter) LogoutAccount(ctx context.Context, account config.ChannelAccount) error {
	d.dropSession(account.AccountID)
	return nil
}

func (d *DiscordAdapter) HeartbeatAccount(ctx context.Context, account config.ChannelAccount) error {
	s, err := d.session(account)
	if err != nil {
		return err
	}
	if _, err := s.User("@me", discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord heartbeat: %w", err)
	}
	return nil
}

func (d *DiscordAdapter) ListContacts(ctx context.Context, account config.ChannelAccount) ([]DirectoryEntry, error) {
	return nil, fmt.Errorf("discord has no contact directory; list guild channels instead")
}

func (d *DiscordAdapter) ListGroups(ctx context.Context, account config.ChannelAccount) ([]DirectoryEntry, error) {
	s, err := d.session(account)
	if err != nil {
		return nil, err
	}
	guilds, err := s.UserGuilds(100, "", "", false, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	var out []DirectoryEntry
	for _, g := range guilds {
		chans, err := s.GuildChannels(g.ID, discordgo.WithContext(ctx))
		if err != nil {
			continue
		}
		for _, ch := range chans {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			out = append(out, DirectoryEntry{ID: ch.ID, Name: g.Name + "/#" + ch.Name, Group: true})
		}
	}
	return out, nil
}

func (d *DiscordAdapter) NotifyApproved(ctx context.Context, account config.ChannelAccount, senderID string) error {
	s, err := d.session(account)
	if err != nil {
		return err
	}
	dm, err := s.UserChannelCreate(senderID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open dm: %w", err)
	}
	_, err = s.ChannelMessageSend(dm.ID, "You have been approved. Say hi!", discordgo.WithContext(ctx))
	return err
}
