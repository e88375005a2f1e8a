package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a pairing request or device row does not
// exist.
var ErrNotFound = errors.New("not found")

// PairingRequest is a pending ask from an unapproved sender.
type PairingRequest struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	AccountID  string    `json:"accountId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UpsertPairingRequest records a pending request, deduping on
// (channel, account, sender): a sender who messages again gets the same
// request id back rather than a second row.
func (s *Store) UpsertPairingRequest(ctx context.Context, channelID, accountID, senderID, senderName string) (PairingRequest, bool, error) {
	var req PairingRequest
	created := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pairing tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `
			SELECT id, channel_id, account_id, sender_id, sender_name, created_at
			FROM pairing_requests
			WHERE channel_id = ? AND account_id = ? AND sender_id = ?;
		`, channelID, accountID, senderID).Scan(&req.ID, &req.ChannelID, &req.AccountID, &req.SenderID, &req.SenderName, &req.CreatedAt)
		if err == nil {
			created = false
			return tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select pairing request: %w", err)
		}

		req = PairingRequest{
			ID:         uuid.NewString(),
			ChannelID:  channelID,
			AccountID:  accountID,
			SenderID:   senderID,
			SenderName: senderName,
			CreatedAt:  time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pairing_requests (id, channel_id, account_id, sender_id, sender_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, req.ID, req.ChannelID, req.AccountID, req.SenderID, req.SenderName, req.CreatedAt); err != nil {
			return fmt.Errorf("insert pairing request: %w", err)
		}
		created = true
		return tx.Commit()
	})
	if err != nil {
		return PairingRequest{}, false, err
	}
	return req, created, nil
}

// GetPairingRequest fetches one request by id.
func (s *Store) GetPairingRequest(ctx context.Context, id string) (PairingRequest, error) {
	var req PairingRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, account_id, sender_id, sender_name, created_at
		FROM pairing_requests
		WHERE id = ?;
	`, id).Scan(&req.ID, &req.ChannelID, &req.AccountID, &req.SenderID, &req.SenderName, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PairingRequest{}, fmt.Errorf("pairing request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return PairingRequest{}, fmt.Errorf("select pairing request: %w", err)
	}
	return req, nil
}

// ListPairingRequests returns pending requests, oldest first. Empty channelID
// lists all channels.
func (s *Store) ListPairingRequests(ctx context.Context, channelID string) ([]PairingRequest, error) {
	query := `
		SELECT id, channel_id, account_id, sender_id, sender_name, created_at
		FROM pairing_requests
	`
	var args []any
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairing requests: %w", err)
	}
	defer rows.Close()

	var out []PairingRequest
	for rows.Next() {
		var req PairingRequest
		if err := rows.Scan(&req.ID, &req.ChannelID, &req.AccountID, &req.SenderID, &req.SenderName, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pairing request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pairing request rows: %w", err)
	}
	return out, nil
}

// DeletePairingRequest removes a request. A missing id is ErrNotFound.
func (s *Store) DeletePairingRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete pairing request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pairing delete rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pairing request %s: %w", id, ErrNotFound)
	}
	return nil
}
