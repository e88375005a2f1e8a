package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "oni.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oni.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	store.Close()
}

func TestPairingRequest_DedupeOnSender(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	req1, created, err := store.UpsertPairingRequest(ctx, "telegram", "default", "u1", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if !created || req1.ID == "" {
		t.Fatalf("first upsert = %+v created=%v", req1, created)
	}

	req2, created, err := store.UpsertPairingRequest(ctx, "telegram", "default", "u1", "Alice Again")
	if err != nil {
		t.Fatal(err)
	}
	if created || req2.ID != req1.ID {
		t.Fatalf("repeat sender got new request: %+v created=%v", req2, created)
	}

	reqs, err := store.ListPairingRequests(ctx, "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
}

func TestPairingRequest_ListFiltersByChannel(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.UpsertPairingRequest(ctx, "telegram", "default", "u1", ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.UpsertPairingRequest(ctx, "discord", "default", "u2", ""); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListPairingRequests(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d", len(all))
	}
	tg, err := store.ListPairingRequests(ctx, "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if len(tg) != 1 || tg[0].ChannelID != "telegram" {
		t.Fatalf("telegram list = %+v", tg)
	}
}

func TestPairingRequest_DeleteMissingIsNotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.DeletePairingRequest(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDevices_ApproveVerifyRotateRevoke(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	dev, token, err := store.ApproveDevice(ctx, "laptop", "operator", []string{"chat", "config"}, "Work laptop")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(token, "oni_") {
		t.Fatalf("token = %q", token)
	}
	if dev.DeviceID != "laptop" || len(dev.Scopes) != 2 {
		t.Fatalf("device = %+v", dev)
	}

	ok, err := store.VerifyDeviceToken(ctx, "laptop", "operator", token)
	if err != nil || !ok {
		t.Fatalf("verify = %v %v", ok, err)
	}
	ok, _ = store.VerifyDeviceToken(ctx, "laptop", "operator", "wrong")
	if ok {
		t.Fatal("wrong token verified")
	}

	rotated, err := store.RotateDevice(ctx, "laptop", "operator")
	if err != nil {
		t.Fatal(err)
	}
	if rotated == token {
		t.Fatal("rotation returned the old token")
	}
	if ok, _ := store.VerifyDeviceToken(ctx, "laptop", "operator", token); ok {
		t.Fatal("old token still verifies after rotation")
	}
	if ok, _ := store.VerifyDeviceToken(ctx, "laptop", "operator", rotated); !ok {
		t.Fatal("rotated token does not verify")
	}

	if err := store.RevokeDevice(ctx, "laptop", "operator"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.VerifyDeviceToken(ctx, "laptop", "operator", rotated); ok {
		t.Fatal("revoked token still verifies")
	}
}

func TestDevices_RevokeLeavesOtherRoles(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, _, err := store.ApproveDevice(ctx, "laptop", "operator", nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.ApproveDevice(ctx, "laptop", "viewer", nil, ""); err != nil {
		t.Fatal(err)
	}

	if err := store.RevokeDevice(ctx, "laptop", "operator"); err != nil {
		t.Fatal(err)
	}
	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Role != "viewer" {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestDevices_RotateUnknownIsNotFound(t *testing.T) {
	_, err := openTestStore(t).RotateDevice(context.Background(), "ghost", "operator")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDevices_ClearAll(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := store.ApproveDevice(ctx, id, "operator", nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	n, err := store.ClearDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("cleared = %d", n)
	}
	devices, _ := store.ListDevices(ctx)
	if len(devices) != 0 {
		t.Fatalf("devices remain: %+v", devices)
	}
}

func TestDelivery_RecordAndStats(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	records := []DeliveryRecord{
		{ChannelID: "telegram", AccountID: "default", Target: "123", MessageID: "m1", Status: DeliverySent},
		{ChannelID: "telegram", AccountID: "default", Target: "123", Status: DeliveryFailed, Error: "rate limited", Retryable: true},
		{ChannelID: "discord", AccountID: "default", Target: "chan", MessageID: "m2", Status: DeliverySent},
	}
	for _, rec := range records {
		if err := store.RecordDelivery(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := store.ListDeliveries(ctx, "telegram", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("telegram deliveries = %d", len(recent))
	}
	// Newest first.
	if recent[0].Status != DeliveryFailed || !recent[0].Retryable {
		t.Fatalf("newest = %+v", recent[0])
	}

	stats, err := store.DeliveryStatsByAccount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, st := range stats {
		if st.ChannelID == "telegram" && (st.Sent != 1 || st.Failed != 1) {
			t.Fatalf("telegram stats = %+v", st)
		}
	}
}

func TestDelivery_InvalidStatusRejected(t *testing.T) {
	err := openTestStore(t).RecordDelivery(context.Background(), DeliveryRecord{
		ChannelID: "telegram", AccountID: "default", Target: "x", Status: "maybe",
	})
	if err == nil {
		t.Fatal("invalid status accepted")
	}
}
