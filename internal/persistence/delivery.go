package persistence

import (
	"context"
	"fmt"
	"time"
)

// Delivery statuses.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// DeliveryRecord is one outbound send outcome.
type DeliveryRecord struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channelId"`
	AccountID string    `json:"accountId"`
	Target    string    `json:"target"`
	MessageID string    `json:"messageId,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecordDelivery appends one delivery outcome.
func (s *Store) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	switch rec.Status {
	case DeliverySent, DeliveryFailed:
	default:
		return fmt.Errorf("invalid delivery status %q", rec.Status)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delivery_log (channel_id, account_id, target, message_id, status, error, retryable, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, rec.ChannelID, rec.AccountID, rec.Target, rec.MessageID, rec.Status, rec.Error, rec.Retryable)
		if err != nil {
			return fmt.Errorf("insert delivery record: %w", err)
		}
		return nil
	})
}

// ListDeliveries returns recent delivery outcomes, newest first. Empty
// channelID lists all channels.
func (s *Store) ListDeliveries(ctx context.Context, channelID string, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT id, channel_id, account_id, target, message_id, status, error, retryable, created_at
		FROM delivery_log
	`
	var args []any
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var rec DeliveryRecord
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &rec.AccountID, &rec.Target, &rec.MessageID, &rec.Status, &rec.Error, &rec.Retryable, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery rows: %w", err)
	}
	return out, nil
}

// DeliveryStats summarizes outcomes per (channel, account).
type DeliveryStats struct {
	ChannelID string `json:"channelId"`
	AccountID string `json:"accountId"`
	Sent      int64  `json:"sent"`
	Failed    int64  `json:"failed"`
}

// DeliveryStatsByAccount aggregates the delivery log per account.
func (s *Store) DeliveryStatsByAccount(ctx context.Context) ([]DeliveryStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, account_id,
			SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM delivery_log
		GROUP BY channel_id, account_id
		ORDER BY channel_id ASC, account_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query delivery stats: %w", err)
	}
	defer rows.Close()

	var out []DeliveryStats
	for rows.Next() {
		var st DeliveryStats
		if err := rows.Scan(&st.ChannelID, &st.AccountID, &st.Sent, &st.Failed); err != nil {
			return nil, fmt.Errorf("scan delivery stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery stats rows: %w", err)
	}
	return out, nil
}
