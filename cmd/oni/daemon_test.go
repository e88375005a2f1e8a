package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/oni/internal/agents"
	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/sessions"
)

func TestEnsureAuthToken_ConfiguredWins(t *testing.T) {
	token, err := ensureAuthToken(t.TempDir(), "from-config")
	if err != nil {
		t.Fatal(err)
	}
	if token != "from-config" {
		t.Fatalf("token = %q", token)
	}
}

func TestEnsureAuthToken_GeneratesAndReuses(t *testing.T) {
	home := t.TempDir()

	first, err := ensureAuthToken(home, "")
	if err != nil {
		t.Fatal(err)
	}
	if first == "" {
		t.Fatal("expected generated token")
	}

	b, err := os.ReadFile(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if strings.TrimSpace(string(b)) != first {
		t.Fatalf("persisted %q, want %q", strings.TrimSpace(string(b)), first)
	}

	second, err := ensureAuthToken(home, "")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("second run generated a new token: %q vs %q", second, first)
	}
}

type recordingOutbound struct {
	targets []string
	texts   []string
}

func (o *recordingOutbound) ResolveTarget(_ config.ChannelAccount, raw string) (string, error) {
	return raw, nil
}

func (o *recordingOutbound) SendText(_ context.Context, _ config.ChannelAccount, target, text string) (channels.SendResult, error) {
	o.targets = append(o.targets, target)
	o.texts = append(o.texts, text)
	return channels.SendResult{MessageIDs: []string{"m1"}, Chunks: 1}, nil
}

func (o *recordingOutbound) SendMedia(context.Context, config.ChannelAccount, string, string, string) (channels.SendResult, error) {
	return channels.SendResult{}, nil
}

func (o *recordingOutbound) SendPoll(context.Context, config.ChannelAccount, string, channels.Poll) (channels.SendResult, error) {
	return channels.SendResult{}, nil
}

func (o *recordingOutbound) TextChunkLimit() int { return 4096 }
func (o *recordingOutbound) PollMaxOptions() int { return 10 }

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, model, _, _, text string) (string, error) {
	return "echo[" + model + "]: " + text, nil
}

func turnTestConfig(home string) *config.Config {
	return &config.Config{
		HomeDir: home,
		Agents: config.AgentsConfig{
			Defaults: config.AgentDefaults{Model: config.BareModel("claude-opus-4")},
			List:     []config.AgentEntry{{ID: "main", Name: "Main"}},
		},
		Channels: map[string]config.ChannelConfig{
			"fake": {Accounts: map[string]config.ChannelAccount{
				"default": {CredentialsRef: "env:FAKE"},
			}},
		},
	}
}

func TestTurnHandler_RunsTurnAndReplies(t *testing.T) {
	home := t.TempDir()
	cfg := turnTestConfig(home)

	out := &recordingOutbound{}
	reg := channels.NewRegistry()
	if err := reg.Register(&channels.Adapter{
		ID:           "fake",
		Label:        "Fake",
		DeliveryMode: channels.DeliveryDirect,
		Outbound:     out,
	}); err != nil {
		t.Fatal(err)
	}

	runner := agents.NewChainRunner(func() *config.Config { return cfg }, echoInvoker{}, nil)
	h := &turnHandler{
		runner: runner,
		router: channels.NewRouter(reg, nil, nil, nil),
		locks:  sessions.NewKeyLocks(),
		logger: testLogger(),
	}

	h.HandleInbound(context.Background(), cfg, channels.Message{
		ChannelID: "fake",
		AccountID: "default",
		SenderID:  "7",
		ChatID:    "chat-1",
		Text:      "hello",
	})

	if len(out.texts) != 1 {
		t.Fatalf("sent %d replies, want 1", len(out.texts))
	}
	if out.targets[0] != "chat-1" {
		t.Fatalf("reply target = %q", out.targets[0])
	}
	if out.texts[0] != "echo[claude-opus-4]: hello" {
		t.Fatalf("reply = %q", out.texts[0])
	}

	store, err := sessions.Open(sessions.StorePath(home, "main"), "main")
	if err != nil {
		t.Fatal(err)
	}
	key := agents.SessionKey("main", "fake:chat-1")
	rec, ok := store.Get(key)
	if !ok {
		t.Fatalf("session record for %s not found", key)
	}
	if rec.Model != "claude-opus-4" {
		t.Fatalf("session model = %q", rec.Model)
	}
}

func TestTurnHandler_DropsWithoutAgents(t *testing.T) {
	home := t.TempDir()
	cfg := turnTestConfig(home)
	cfg.Agents.List = nil

	out := &recordingOutbound{}
	reg := channels.NewRegistry()
	if err := reg.Register(&channels.Adapter{
		ID: "fake", Label: "Fake", DeliveryMode: channels.DeliveryDirect, Outbound: out,
	}); err != nil {
		t.Fatal(err)
	}

	h := &turnHandler{
		runner: agents.NewChainRunner(func() *config.Config { return cfg }, echoInvoker{}, nil),
		router: channels.NewRouter(reg, nil, nil, nil),
		locks:  sessions.NewKeyLocks(),
		logger: testLogger(),
	}

	h.HandleInbound(context.Background(), cfg, channels.Message{
		ChannelID: "fake", AccountID: "default", ChatID: "chat-1", Text: "hi",
	})

	if len(out.texts) != 0 {
		t.Fatalf("expected no reply, got %v", out.texts)
	}
}

func TestCommandInvoker_Unconfigured(t *testing.T) {
	inv := &commandInvoker{logger: testLogger()}
	_, err := inv.Invoke(context.Background(), "m", "a", "k", "text")
	if err == nil || !strings.Contains(err.Error(), "ONI_AGENT_CMD") {
		t.Fatalf("err = %v, want configuration hint", err)
	}
}

func TestConfigStore_ReplacePersists(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	cfgs := &configStore{cfg: cfg}

	next := cfg.Clone()
	next.Gateway.BindAddr = "127.0.0.1:9999"
	if err := cfgs.Replace(next); err != nil {
		t.Fatal(err)
	}

	if cfgs.Current().Gateway.BindAddr != "127.0.0.1:9999" {
		t.Fatal("live tree not swapped")
	}
	reloaded, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Gateway.BindAddr != "127.0.0.1:9999" {
		t.Fatal("replace did not persist")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
