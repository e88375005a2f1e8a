package persistence

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PairedDevice is one approved (device, role) credential. The plaintext
// token is returned exactly once, at approval or rotation; only its sha256
// hash is stored.
type PairedDevice struct {
	DeviceID    string     `json:"deviceId"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	ApprovedAt  time.Time  `json:"approvedAt"`
	RotatedAt   *time.Time `json:"rotatedAt,omitempty"`
}

func newDeviceToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate device token: %w", err)
	}
	token = "oni_" + hex.EncodeToString(buf)
	return token, HashDeviceToken(token), nil
}

// HashDeviceToken returns the stored form of a device token.
func HashDeviceToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func joinScopes(scopes []string) string  { return strings.Join(scopes, ",") }
func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// ApproveDevice creates (or replaces) the credential for one (device, role)
// and returns the plaintext token.
func (s *Store) ApproveDevice(ctx context.Context, deviceID, role string, scopes []string, displayName string) (PairedDevice, string, error) {
	if deviceID == "" || role == "" {
		return PairedDevice{}, "", fmt.Errorf("device id and role are required")
	}
	token, hash, err := newDeviceToken()
	if err != nil {
		return PairedDevice{}, "", err
	}
	now := time.Now().UTC()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO paired_devices (device_id, role, token_hash, scopes, display_name, approved_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, role) DO UPDATE SET
				token_hash = excluded.token_hash,
				scopes = excluded.scopes,
				display_name = excluded.display_name,
				approved_at = excluded.approved_at,
				rotated_at = NULL;
		`, deviceID, role, hash, joinScopes(scopes), displayName, now)
		if err != nil {
			return fmt.Errorf("approve device: %w", err)
		}
		return nil
	})
	if err != nil {
		return PairedDevice{}, "", err
	}
	return PairedDevice{DeviceID: deviceID, Role: role, Scopes: scopes, DisplayName: displayName, ApprovedAt: now}, token, nil
}

// RotateDevice issues a fresh token for an existing (device, role); the old
// token stops verifying immediately. A missing row is ErrNotFound.
func (s *Store) RotateDevice(ctx context.Context, deviceID, role string) (string, error) {
	token, hash, err := newDeviceToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE paired_devices
		SET token_hash = ?, rotated_at = ?
		WHERE device_id = ? AND role = ?;
	`, hash, now, deviceID, role)
	if err != nil {
		return "", fmt.Errorf("rotate device: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rotate rows affected: %w", err)
	}
	if affected == 0 {
		return "", fmt.Errorf("device %s role %s: %w", deviceID, role, ErrNotFound)
	}
	return token, nil
}

// RevokeDevice removes one (device, role) credential; other roles on the
// same device are untouched.
func (s *Store) RevokeDevice(ctx context.Context, deviceID, role string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM paired_devices WHERE device_id = ? AND role = ?;
	`, deviceID, role)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("device %s role %s: %w", deviceID, role, ErrNotFound)
	}
	return nil
}

// ClearDevices removes every device credential and returns how many rows
// went away.
func (s *Store) ClearDevices(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM paired_devices;`)
	if err != nil {
		return 0, fmt.Errorf("clear devices: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear rows affected: %w", err)
	}
	return affected, nil
}

// ListDevices returns all device credentials ordered by device then role.
func (s *Store) ListDevices(ctx context.Context) ([]PairedDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, role, scopes, display_name, approved_at, rotated_at
		FROM paired_devices
		ORDER BY device_id ASC, role ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []PairedDevice
	for rows.Next() {
		var (
			d       PairedDevice
			scopes  string
			rotated sql.NullTime
		)
		if err := rows.Scan(&d.DeviceID, &d.Role, &scopes, &d.DisplayName, &d.ApprovedAt, &rotated); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Scopes = splitScopes(scopes)
		if rotated.Valid {
			t := rotated.Time
			d.RotatedAt = &t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device rows: %w", err)
	}
	return out, nil
}

// VerifyDeviceToken checks a presented token against the stored hash for one
// (device, role). It returns false, not an error, for unknown rows and
// mismatches.
func (s *Store) VerifyDeviceToken(ctx context.Context, deviceID, role, token string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash FROM paired_devices WHERE device_id = ? AND role = ?;
	`, deviceID, role).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select device token: %w", err)
	}
	return stored == HashDeviceToken(token), nil
}
