package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/sessions"
)

func homeConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{HomeDir: t.TempDir()}
}

func TestRun_HealthyHome(t *testing.T) {
	cfg := homeConfig(t)
	d := Run(context.Background(), cfg, "test")
	if d.Failed() {
		t.Fatalf("healthy home failed diagnostics: %+v", d.Results)
	}
	if len(d.Results) != 7 {
		t.Fatalf("expected 7 checks, got %d", len(d.Results))
	}
}

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("nil config status = %s", got.Status)
	}
	if got := checkConfig(context.Background(), &config.Config{NeedsInit: true}); got.Status != "WARN" {
		t.Fatalf("needs-init status = %s", got.Status)
	}
	if got := checkConfig(context.Background(), &config.Config{HomeDir: "/tmp"}); got.Status != "PASS" {
		t.Fatalf("loaded config status = %s", got.Status)
	}
}

func TestCheckSessionStores_FlagsCorruptStore(t *testing.T) {
	cfg := homeConfig(t)
	dir := sessions.Dir(cfg.HomeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := checkSessionStores(context.Background(), cfg)
	if got.Status != "FAIL" {
		t.Fatalf("status = %s, want FAIL", got.Status)
	}
}

func TestCheckSessionStores_CountsSessions(t *testing.T) {
	cfg := homeConfig(t)
	store, err := sessions.Open(sessions.StorePath(cfg.HomeDir, "main"), "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(sessions.Record{Key: "agent:main:tg:1", AgentID: "main", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got := checkSessionStores(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("status = %s (%s)", got.Status, got.Message)
	}
}

func TestCheckOrphanTranscripts_Warns(t *testing.T) {
	cfg := homeConfig(t)
	tdir := sessions.TranscriptDir(cfg.HomeDir)
	if err := os.MkdirAll(tdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tdir, "stray.jsonl"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := checkOrphanTranscripts(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("status = %s, want WARN", got.Status)
	}
	// Doctor must never archive; the file stays in place.
	if _, err := os.Stat(filepath.Join(tdir, "stray.jsonl")); err != nil {
		t.Fatalf("doctor moved the transcript: %v", err)
	}
}

func TestCheckCredentials(t *testing.T) {
	cfg := homeConfig(t)
	cfg.Channels = map[string]config.ChannelConfig{
		"telegram": {
			Accounts: map[string]config.ChannelAccount{
				"default": {CredentialsRef: "env:ONI_DOCTOR_TEST_TOKEN"},
			},
		},
	}

	got := checkCredentials(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("unset env status = %s", got.Status)
	}

	t.Setenv("ONI_DOCTOR_TEST_TOKEN", "12345:token")
	got = checkCredentials(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("set env status = %s (%s)", got.Status, got.Message)
	}
}

func TestCheckNetwork(t *testing.T) {
	if got := checkNetwork(context.Background(), nil); got.Status != "SKIP" {
		t.Fatalf("nil config status = %s", got.Status)
	}

	cfg := homeConfig(t)
	if got := checkNetwork(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("no channels status = %s", got.Status)
	}

	cfg.Channels = map[string]config.ChannelConfig{"telegram": {}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := checkNetwork(ctx, cfg); got.Status != "FAIL" {
		t.Fatalf("canceled lookup status = %s", got.Status)
	}
}
