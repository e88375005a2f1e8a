package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// BridgeClient talks to a local session bridge daemon over HTTP. WhatsApp and
// Signal both need a long-lived provider process the gateway cannot embed;
// the bridge owns that process and exposes a small REST surface per account.
type BridgeClient struct {
	baseURL string
	channel string
	http    *http.Client
	logger  *slog.Logger
}

func NewBridgeClient(baseURL, channelID string, logger *slog.Logger) *BridgeClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeClient{
		baseURL: baseURL,
		channel: channelID,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (b *BridgeClient) endpoint(accountID, path string) string {
	return fmt.Sprintf("%s/v1/%s/%s/%s", b.baseURL, b.channel, url.PathEscape(accountID), path)
}

func (b *BridgeClient) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bridge request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return &SendError{Code: ErrCodeNetwork, Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &SendError{Code: ErrCodeAuthExpired, Err: fmt.Errorf("bridge: HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("bridge response: %w", err)
		}
	}
	return nil
}

type bridgeSendRequest struct {
	Target   string `json:"target"`
	Text     string `json:"text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

type bridgeSendResponse struct {
	ID string `json:"id"`
}

func (b *BridgeClient) Send(ctx context.Context, accountID, target, text string) (string, error) {
	var resp bridgeSendResponse
	err := b.do(ctx, http.MethodPost, b.endpoint(accountID, "send"),
		bridgeSendRequest{Target: target, Text: text}, &resp)
	return resp.ID, err
}

func (b *BridgeClient) SendMedia(ctx context.Context, accountID, target, caption, mediaURL string) (string, error) {
	var resp bridgeSendResponse
	err := b.do(ctx, http.MethodPost, b.endpoint(accountID, "send"),
		bridgeSendRequest{Target: target, Caption: caption, MediaURL: mediaURL}, &resp)
	return resp.ID, err
}

func (b *BridgeClient) Ping(ctx context.Context, accountID string) error {
	return b.do(ctx, http.MethodGet, b.endpoint(accountID, "ping"), nil, nil)
}

type bridgeSession struct {
	LoggedIn bool `json:"loggedIn"`
}

func (b *BridgeClient) session(accountID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var s bridgeSession
	if err := b.do(ctx, http.MethodGet, b.endpoint(accountID, "session"), nil, &s); err != nil {
		return false
	}
	return s.LoggedIn
}

func (b *BridgeClient) LoggedIn(accountID string) bool   { return b.session(accountID) }
func (b *BridgeClient) Registered(accountID string) bool { return b.session(accountID) }

func (b *BridgeClient) Logout(ctx context.Context, accountID string) error {
	return b.do(ctx, http.MethodPost, b.endpoint(accountID, "logout"), nil, nil)
}

func (b *BridgeClient) Disconnect(accountID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.do(ctx, http.MethodPost, b.endpoint(accountID, "disconnect"), nil, nil)
}

type bridgeQRResponse struct {
	SessionID string    `json:"sessionId"`
	QRData    string    `json:"qrData"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (b *BridgeClient) StartQR(ctx context.Context, accountID string) (string, time.Time, error) {
	var resp bridgeQRResponse
	if err := b.do(ctx, http.MethodPost, b.endpoint(accountID, "qr/start"), nil, &resp); err != nil {
		return "", time.Time{}, err
	}
	return resp.QRData, resp.ExpiresAt, nil
}

func (b *BridgeClient) WaitQR(ctx context.Context, accountID, sessionID string) error {
	return b.do(ctx, http.MethodGet,
		b.endpoint(accountID, "qr/wait")+"?session="+url.QueryEscape(sessionID), nil, nil)
}

type bridgeMessage struct {
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	ChatID     string    `json:"chatId"`
	Text       string    `json:"text"`
	Group      bool      `json:"group"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Connect polls the bridge for inbound messages until ctx is canceled.
// Cancellation is the normal stop path and returns nil.
func (b *BridgeClient) Connect(ctx context.Context, accountID string, onMessage func(Message)) error {
	for {
		var batch []bridgeMessage
		err := b.do(ctx, http.MethodGet, b.endpoint(accountID, "messages"), nil, &batch)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.logger.Warn("bridge poll failed", "channel", b.channel, "account", accountID, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, m := range batch {
			received := m.ReceivedAt
			if received.IsZero() {
				received = time.Now()
			}
			onMessage(Message{
				ChannelID:  b.channel,
				AccountID:  accountID,
				SenderID:   m.SenderID,
				SenderName: m.SenderName,
				ChatID:     m.ChatID,
				Text:       m.Text,
				Group:      m.Group,
				ReceivedAt: received,
			})
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (b *BridgeClient) Receive(ctx context.Context, accountID string, onMessage func(Message)) error {
	return b.Connect(ctx, accountID, onMessage)
}
