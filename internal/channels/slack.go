package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/basket/oni/internal/config"
)

const (
	slackTextLimit   = 40000
	slackPollOptions = 10
)

// SlackAdapter bundles Slack capabilities. Delivery is direct (Web API per
// call); inbound events arrive via the Events API webhook, which is the HTTP
// surface's job, so this adapter carries no Lifecycle.
type SlackAdapter struct {
	accountOps
	groupOps
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*slack.Client
}

func NewSlackAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SlackAdapter{
		accountOps: newAccountOps("slack"),
		logger:     logger,
		clients:    make(map[string]*slack.Client),
	}
	return &Adapter{
		ID:           "slack",
		Label:        "Slack",
		DeliveryMode: DeliveryDirect,
		Setup:        s,
		Config:       s,
		Group:        s,
		Outbound:     s,
		Status:       s,
		Heartbeat:    s,
		Directory:    s,
		Resolver:     s,
		Pairing:      s,
	}
}

func (s *SlackAdapter) client(account config.ChannelAccount) (*slack.Client, error) {
	s.mu.Lock()
	if c, ok := s.clients[account.AccountID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	token, err := ResolveCredential(account.CredentialsRef)
	if err != nil {
		return nil, &SendError{Code: ErrCodeAuthExpired, Err: err}
	}
	c := slack.New(token)
	s.mu.Lock()
	s.clients[account.AccountID] = c
	s.mu.Unlock()
	return c, nil
}

// ResolveTarget accepts channel ids (C…/D…/G…) and user ids (U…); "#name"
// must go through ResolveHandle first.
func (s *SlackAdapter) ResolveTarget(account config.ChannelAccount, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("empty slack target")}
	}
	if strings.HasPrefix(raw, "#") {
		return "", &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("slack target %q must be resolved to a channel id first", raw)}
	}
	return raw, nil
}

func (s *SlackAdapter) TextChunkLimit() int { return slackTextLimit }
func (s *SlackAdapter) PollMaxOptions() int { return slackPollOptions }

func (s *SlackAdapter) SendText(ctx context.Context, account config.ChannelAccount, target, text string) (SendResult, error) {
	c, err := s.client(account)
	if err != nil {
		return SendResult{}, err
	}
	_, ts, err := c.PostMessageContext(ctx, target, slack.MsgOptionText(text, false))
	if err != nil {
		return SendResult{}, classifySlackError(err)
	}
	return SendResult{MessageIDs: []string{ts}, Chunks: 1}, nil
}

func (s *SlackAdapter) SendMedia(ctx context.Context, account config.ChannelAccount, target, caption, mediaURL string) (SendResult, error) {
	c, err := s.client(account)
	if err != nil {
		return SendResult{}, err
	}
	blocks := []slack.Block{
		slack.NewImageBlock(mediaURL, caption, "", nil),
	}
	if caption != "" {
		blocks = append([]slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.PlainTextType, caption, false, false), nil, nil),
		}, blocks...)
	}
	_, ts, err := c.PostMessageContext(ctx, target, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return SendResult{}, classifySlackError(err)
	}
	return SendResult{MessageIDs: []string{ts}, Chunks: 1}, nil
}

// SendPoll renders the poll as a section block list; Slack polls are an app
// feature, not a chat.postMessage primitive.
func (s *SlackAdapter) SendPoll(ctx context.Context, account config.ChannelAccount, target string, poll Poll) (SendResult, error) {
	var b strings.Builder
	b.WriteString("*" + poll.Question + "*\n")
	for i, opt := range poll.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	return s.SendText(ctx, account, target, b.String())
}

func classifySlackError(err error) *SendError {
	if rateErr, ok := err.(*slack.RateLimitedError); ok {
		return &SendError{Code: ErrCodeRateLimited, Retryable: true, Err: rateErr}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid_auth"), strings.Contains(msg, "token_revoked"), strings.Contains(msg, "not_authed"):
		return &SendError{Code: ErrCodeAuthExpired, Err: err}
	case strings.Contains(msg, "channel_not_found"):
		return &SendError{Code: ErrCodeInvalidTarget, Err: err}
	default:
		return &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
	}
}

func (s *SlackAdapter) ProbeAccount(ctx context.Context, account config.ChannelAccount, timeout time.Duration) ProbeResult {
	start := time.Now()
	result := ProbeResult{CheckedAt: start}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		c, err := s.client(account)
		if err != nil {
			done <- err
			return
		}
		_, err = c.AuthTestContext(probeCtx)
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

// AuditAccount checks token scopes by exercising a scope-gated read.
func (s *SlackAdapter) AuditAccount(ctx context.Context, account config.ChannelAccount, probe ProbeResult) AuditResult {
	audit := AuditResult{OK: true}
	if probe.Status != ProbeOK {
		audit.OK = false
		audit.Findings = append(audit.Findings, "account unreachable, scope audit skipped")
		return audit
	}
	c, err := s.client(account)
	if err != nil {
		audit.OK = false
		audit.Findings = append(audit.Findings, err.Error())
		return audit
	}
	_, _, err = c.GetConversationsContext(ctx, &slack.GetConversationsParameters{Limit: 1})
	if err != nil && strings.Contains(err.Error(), "missing_scope") {
		audit.Findings = append(audit.Findings, "token lacks channels:read scope; channel resolution will fail")
	}
	if len(account.AllowFrom) == 0 {
		audit.Findings = append(audit.Findings, "allowFrom is empty: every DM sender will be held for pairing")
	}
	return audit
}

func (s *SlackAdapter) BuildAccountSnapshot(account config.ChannelAccount, runtime RuntimeState, probe *ProbeResult, audit *AuditResult) AccountSnapshot {
	return AccountSnapshot{
		Description: s.DescribeAccount(account),
		Runtime:     runtime,
		Probe:       probe,
		Audit:       audit,
	}
}

func (s *SlackAdapter) CollectStatusIssues(snapshots []AccountSnapshot) []StatusIssue {
	return collectCommonIssues(snapshots)
}

func (s *SlackAdapter) HeartbeatAccount(ctx context.Context, account config.ChannelAccount) error {
	c, err := s.client(account)
	if err != nil {
		return err
	}
	if _, err := c.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack heartbeat: %w", err)
	}
	return nil
}

func (s *SlackAdapter) ListContacts(ctx context.Context, account config.ChannelAccount) ([]DirectoryEntry, error) {
	c, err := s.client(account)
	if err != nil {
		return nil, err
	}
	users, err := c.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var out []DirectoryEntry
	for _, u := range users {
		if u.Deleted || u.IsBot {
			continue
		}
		out = append(out, DirectoryEntry{ID: u.ID, Name: u.RealName})
	}
	return out, nil
}

func (s *SlackAdapter) ListGroups(ctx context.Context, account config.ChannelAccount) ([]DirectoryEntry, error) {
	c, err := s.client(account)
	if err != nil {
		return nil, err
	}
	chans, _, err := c.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var out []DirectoryEntry
	for _, ch := range chans {
		out = append(out, DirectoryEntry{ID: ch.ID, Name: "#" + ch.Name, Group: true})
	}
	return out, nil
}

// ResolveHandle maps "#channel-name" to a conversation id.
func (s *SlackAdapter) ResolveHandle(ctx context.Context, account config.ChannelAccount, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("empty query")
	}
	if !strings.HasPrefix(query, "#") {
		return query, nil
	}
	name := strings.TrimPrefix(query, "#")

	groups, err := s.ListGroups(ctx, account)
	if err != nil {
		return "", err
	}
	for _, g := range groups {
		if strings.EqualFold(strings.TrimPrefix(g.Name, "#"), name) {
			return g.ID, nil
		}
	}
	return "", fmt.Errorf("no slack channel named %q", query)
}

func (s *SlackAdapter) NotifyApproved(ctx context.Context, account config.ChannelAccount, senderID string) error {
	c, err := s.client(account)
	if err != nil {
		return err
	}
	dm, _, _, err := c.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{senderID}})
	if err != nil {
		return fmt.Errorf("open dm: %w", err)
	}
	_, _, err = c.PostMessageContext(ctx, dm.ID, slack.MsgOptionText("You have been approved. Say hi!", false))
	return err
}
