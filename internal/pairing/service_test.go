package pairing_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/pairing"
	"github.com/basket/oni/internal/persistence"
)

type memConfigStore struct {
	mu  sync.Mutex
	cfg *config.Config
}

func (m *memConfigStore) Current() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *memConfigStore) Replace(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

type recordingNotifier struct {
	notices []string
	fail    bool
}

func (n *recordingNotifier) Notify(_ context.Context, channelID, accountID, senderID, text string) error {
	if n.fail {
		return errors.New("channel down")
	}
	n.notices = append(n.notices, channelID+"/"+accountID+"/"+senderID)
	return nil
}

func newTestService(t *testing.T) (*pairing.Service, *memConfigStore, *recordingNotifier) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "oni.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfgStore := &memConfigStore{cfg: &config.Config{
		Channels: map[string]config.ChannelConfig{
			"telegram": {
				Accounts: map[string]config.ChannelAccount{
					"default": {GroupPolicy: config.GroupPolicyAllowlist},
				},
			},
		},
	}}
	notifier := &recordingNotifier{}
	return pairing.NewService(store, cfgStore, notifier, nil, nil), cfgStore, notifier
}

func TestApprove_AddsAllowFromRemovesRequestAndNotifies(t *testing.T) {
	ctx := context.Background()
	svc, cfgStore, notifier := newTestService(t)

	req, err := svc.Request(ctx, "telegram", "default", "12345", "Alice")
	if err != nil {
		t.Fatal(err)
	}

	approved, err := svc.Approve(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if approved.SenderID != "12345" {
		t.Fatalf("approved = %+v", approved)
	}

	account, ok := cfgStore.Current().ResolveAccount("telegram", "default")
	if !ok || !account.AllowFrom.Contains("12345") {
		t.Fatalf("sender not in allowFrom: %+v", account.AllowFrom)
	}

	pending, err := svc.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after approve = %+v", pending)
	}

	if len(notifier.notices) != 1 || notifier.notices[0] != "telegram/default/12345" {
		t.Fatalf("notices = %v", notifier.notices)
	}
}

func TestApprove_UnknownRequestIsError(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Approve(context.Background(), "ghost"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApprove_NotifyFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	svc, cfgStore, notifier := newTestService(t)
	notifier.fail = true

	req, err := svc.Request(ctx, "telegram", "default", "99", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("approve failed on notify error: %v", err)
	}
	account, _ := cfgStore.Current().ResolveAccount("telegram", "default")
	if !account.AllowFrom.Contains("99") {
		t.Fatal("allowFrom entry missing after failed notice")
	}
}

func TestReject_RemovesRequestWithoutAllowFrom(t *testing.T) {
	ctx := context.Background()
	svc, cfgStore, _ := newTestService(t)

	req, err := svc.Request(ctx, "telegram", "default", "55", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reject(ctx, req.ID); err != nil {
		t.Fatal(err)
	}

	account, _ := cfgStore.Current().ResolveAccount("telegram", "default")
	if account.AllowFrom.Contains("55") {
		t.Fatal("rejected sender ended up in allowFrom")
	}
	pending, _ := svc.List(ctx, "")
	if len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestRequest_RepeatSenderReturnsSameRequest(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	first, err := svc.Request(ctx, "telegram", "default", "7", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Request(ctx, "telegram", "default", "7", "again")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeat request created new id: %s vs %s", first.ID, second.ID)
	}
}

func TestRequest_EmptyAccountUsesDefault(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	req, err := svc.Request(ctx, "telegram", "", "8", "")
	if err != nil {
		t.Fatal(err)
	}
	if req.AccountID != config.DefaultAccountID {
		t.Fatalf("account = %q", req.AccountID)
	}
}

func TestClearDevices_RequiresConfirm(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	if _, _, err := svc.ApproveDevice(ctx, "laptop", "operator", nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ClearDevices(ctx, false); err == nil {
		t.Fatal("clear without confirm succeeded")
	}
	devices, _ := svc.ListDevices(ctx)
	if len(devices) != 1 {
		t.Fatalf("devices = %+v", devices)
	}
	n, err := svc.ClearDevices(ctx, true)
	if err != nil || n != 1 {
		t.Fatalf("clear = %d %v", n, err)
	}
}

func TestDeviceTokenLifecycleThroughService(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, token, err := svc.ApproveDevice(ctx, "phone", "viewer", []string{"chat"}, "Phone")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.VerifyDeviceToken(ctx, "phone", "viewer", token); !ok {
		t.Fatal("fresh token does not verify")
	}
	rotated, err := svc.RotateDevice(ctx, "phone", "viewer")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.VerifyDeviceToken(ctx, "phone", "viewer", token); ok {
		t.Fatal("stale token verifies")
	}
	if err := svc.RevokeDevice(ctx, "phone", "viewer"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := svc.VerifyDeviceToken(ctx, "phone", "viewer", rotated); ok {
		t.Fatal("revoked token verifies")
	}
}
