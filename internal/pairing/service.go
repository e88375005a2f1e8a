// Package pairing handles sender approval and device credentials.
//
// Unknown senders on allowlist-gated accounts become pending pairing
// requests instead of reaching an agent. An operator approves a request to
// add the sender to the account's allowFrom list, or rejects it to drop the
// request without granting anything.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/persistence"
)

// ConfigStore provides the live config tree and atomically replaces it.
// Replace persists the new tree before swapping it in.
type ConfigStore interface {
	Current() *config.Config
	Replace(*config.Config) error
}

// Notifier delivers a short notice back to a sender on their channel, e.g.
// "you're in" after approval. Implementations are channel adapters; a nil
// Notifier disables notices.
type Notifier interface {
	Notify(ctx context.Context, channelID, accountID, senderID, text string) error
}

type Service struct {
	store    *persistence.Store
	cfg      ConfigStore
	notifier Notifier
	bus      *bus.Bus
	logger   *slog.Logger
}

func NewService(store *persistence.Store, cfg ConfigStore, notifier Notifier, eventBus *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cfg: cfg, notifier: notifier, bus: eventBus, logger: logger}
}

// Request records a pending pairing request for an unapproved sender. A
// sender who asks again gets their existing request back; the bus event is
// only published for genuinely new requests.
func (s *Service) Request(ctx context.Context, channelID, accountID, senderID, senderName string) (persistence.PairingRequest, error) {
	if accountID == "" {
		accountID = config.DefaultAccountID
	}
	req, created, err := s.store.UpsertPairingRequest(ctx, channelID, accountID, senderID, senderName)
	if err != nil {
		return persistence.PairingRequest{}, err
	}
	if created {
		s.logger.Info("pairing request recorded",
			"requestId", req.ID, "channel", channelID, "account", accountID, "sender", senderID)
		s.publish(bus.TopicPairingRequested, req)
	}
	return req, nil
}

// List returns pending requests, optionally filtered by channel.
func (s *Service) List(ctx context.Context, channelID string) ([]persistence.PairingRequest, error) {
	return s.store.ListPairingRequests(ctx, channelID)
}

// Approve adds the request's sender to the account allowlist, removes the
// request, and notifies the sender on their channel. Approving an unknown
// request id is an error.
func (s *Service) Approve(ctx context.Context, requestID string) (persistence.PairingRequest, error) {
	req, err := s.store.GetPairingRequest(ctx, requestID)
	if err != nil {
		return persistence.PairingRequest{}, err
	}

	current := s.cfg.Current()
	next, err := current.AddAllowFrom(req.ChannelID, req.AccountID, req.SenderID)
	if err != nil {
		return persistence.PairingRequest{}, fmt.Errorf("approve pairing %s: %w", requestID, err)
	}
	if err := s.cfg.Replace(next); err != nil {
		return persistence.PairingRequest{}, fmt.Errorf("persist approval %s: %w", requestID, err)
	}

	if err := s.store.DeletePairingRequest(ctx, requestID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return persistence.PairingRequest{}, err
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, req.ChannelID, req.AccountID, req.SenderID, "You have been approved. Say hi!"); err != nil {
			// Approval already took effect; a failed notice is not worth
			// rolling it back.
			s.logger.Warn("pairing approval notice failed",
				"requestId", requestID, "channel", req.ChannelID, "error", err)
		}
	}

	s.logger.Info("pairing request approved",
		"requestId", requestID, "channel", req.ChannelID, "sender", req.SenderID)
	s.publish(bus.TopicPairingApproved, req)
	return req, nil
}

// Reject removes the request without touching any allowlist.
func (s *Service) Reject(ctx context.Context, requestID string) (persistence.PairingRequest, error) {
	req, err := s.store.GetPairingRequest(ctx, requestID)
	if err != nil {
		return persistence.PairingRequest{}, err
	}
	if err := s.store.DeletePairingRequest(ctx, requestID); err != nil {
		return persistence.PairingRequest{}, err
	}
	s.logger.Info("pairing request rejected",
		"requestId", requestID, "channel", req.ChannelID, "sender", req.SenderID)
	s.publish(bus.TopicPairingRejected, req)
	return req, nil
}

func (s *Service) publish(topic string, req persistence.PairingRequest) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, bus.PairingEvent{
		RequestID: req.ID,
		ChannelID: req.ChannelID,
		AccountID: req.AccountID,
		SenderID:  req.SenderID,
		At:        time.Now(),
	})
}

// ApproveDevice issues a credential for one (device, role) and returns the
// plaintext token exactly once.
func (s *Service) ApproveDevice(ctx context.Context, deviceID, role string, scopes []string, displayName string) (persistence.PairedDevice, string, error) {
	return s.store.ApproveDevice(ctx, deviceID, role, scopes, displayName)
}

// RotateDevice replaces the token for one (device, role).
func (s *Service) RotateDevice(ctx context.Context, deviceID, role string) (string, error) {
	return s.store.RotateDevice(ctx, deviceID, role)
}

// RevokeDevice removes one (device, role) credential.
func (s *Service) RevokeDevice(ctx context.Context, deviceID, role string) error {
	return s.store.RevokeDevice(ctx, deviceID, role)
}

// ListDevices returns all device credentials.
func (s *Service) ListDevices(ctx context.Context) ([]persistence.PairedDevice, error) {
	return s.store.ListDevices(ctx)
}

// ClearDevices removes every device credential. The confirm flag must be
// set; this is the guard the CLI surfaces as --yes.
func (s *Service) ClearDevices(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, fmt.Errorf("clearing all devices requires confirmation")
	}
	return s.store.ClearDevices(ctx)
}

// VerifyDeviceToken checks a presented device token.
func (s *Service) VerifyDeviceToken(ctx context.Context, deviceID, role, token string) (bool, error) {
	return s.store.VerifyDeviceToken(ctx, deviceID, role, token)
}
