package channels_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/persistence"
	"github.com/basket/oni/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// fixtureOutbound is a minimal Outbound capability with recordable sends.
type fixtureOutbound struct {
	chunkLimit  int
	pollMax     int
	sent        []string
	sentPolls   []channels.Poll
	failAfter   int // fail on the Nth send (1-based); 0 never fails
	nextErr     error
	resolveFail bool
}

func (f *fixtureOutbound) ResolveTarget(account config.ChannelAccount, raw string) (string, error) {
	if f.resolveFail {
		return "", &channels.SendError{Code: channels.ErrCodeInvalidTarget, Err: errors.New("bad target")}
	}
	return strings.TrimSpace(raw), nil
}

func (f *fixtureOutbound) SendText(_ context.Context, _ config.ChannelAccount, _, text string) (channels.SendResult, error) {
	if f.failAfter > 0 && len(f.sent)+1 >= f.failAfter {
		err := f.nextErr
		if err == nil {
			err = &channels.SendError{Code: channels.ErrCodeNetwork, Retryable: true, Err: errors.New("boom")}
		}
		return channels.SendResult{}, err
	}
	f.sent = append(f.sent, text)
	return channels.SendResult{MessageIDs: []string{fmt.Sprintf("m%d", len(f.sent))}, Chunks: 1}, nil
}

func (f *fixtureOutbound) SendMedia(_ context.Context, _ config.ChannelAccount, _, caption, mediaURL string) (channels.SendResult, error) {
	f.sent = append(f.sent, "media:"+mediaURL)
	return channels.SendResult{MessageIDs: []string{"media1"}, Chunks: 1}, nil
}

func (f *fixtureOutbound) SendPoll(_ context.Context, _ config.ChannelAccount, _ string, poll channels.Poll) (channels.SendResult, error) {
	f.sentPolls = append(f.sentPolls, poll)
	return channels.SendResult{MessageIDs: []string{"poll1"}, Chunks: 1}, nil
}

func (f *fixtureOutbound) TextChunkLimit() int { return f.chunkLimit }
func (f *fixtureOutbound) PollMaxOptions() int { return f.pollMax }

func fixtureConfig() *config.Config {
	return &config.Config{
		Channels: map[string]config.ChannelConfig{
			"fixture": {
				Accounts: map[string]config.ChannelAccount{
					"default": {
						AllowFrom:   config.AllowList{"42"},
						GroupPolicy: config.GroupPolicyAllowlist,
						DefaultTo:   "home",
					},
				},
			},
		},
	}
}

func newFixtureRegistry(out *fixtureOutbound) *channels.Registry {
	reg := channels.NewRegistry()
	_ = reg.Register(&channels.Adapter{
		ID:           "fixture",
		Label:        "Fixture",
		DeliveryMode: channels.DeliveryDirect,
		Outbound:     out,
	})
	return reg
}

func TestRegistry_RejectsDuplicatesAndBadModes(t *testing.T) {
	reg := channels.NewRegistry()
	if err := reg.Register(&channels.Adapter{ID: "a", DeliveryMode: channels.DeliveryDirect}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&channels.Adapter{ID: "a", DeliveryMode: channels.DeliveryDirect}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := reg.Register(&channels.Adapter{ID: "b", DeliveryMode: "sideways"}); err == nil {
		t.Fatal("invalid delivery mode accepted")
	}
}

func TestAdapter_CapabilitiesReflectNilFields(t *testing.T) {
	a := &channels.Adapter{
		ID:           "fixture",
		DeliveryMode: channels.DeliveryDirect,
		Outbound:     &fixtureOutbound{},
	}
	caps := a.Capabilities()
	if len(caps) != 1 || caps[0] != "outbound" {
		t.Fatalf("capabilities = %v", caps)
	}
}

func TestRouter_ChunksLongText(t *testing.T) {
	out := &fixtureOutbound{chunkLimit: 10}
	router := channels.NewRouter(newFixtureRegistry(out), nil, nil, nil)

	res, err := router.Send(context.Background(), fixtureConfig(), "fixture", "", "chat1", channels.Payload{
		Text: "aaaaaaaaaa bbbbbbbbbb cccccccccc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks < 3 {
		t.Fatalf("chunks = %d, want >= 3", res.Chunks)
	}
	for _, chunk := range out.sent {
		if len(chunk) > 10 {
			t.Fatalf("chunk %q exceeds limit", chunk)
		}
	}
	if len(res.MessageIDs) != res.Chunks {
		t.Fatalf("message ids %d != chunks %d", len(res.MessageIDs), res.Chunks)
	}
}

func TestRouter_PartialFailureReportsSentChunks(t *testing.T) {
	out := &fixtureOutbound{chunkLimit: 5, failAfter: 2}
	router := channels.NewRouter(newFixtureRegistry(out), nil, nil, nil)

	res, err := router.Send(context.Background(), fixtureConfig(), "fixture", "", "chat1", channels.Payload{
		Text: "aaaaa bbbbb ccccc",
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	var sendErr *channels.SendError
	if !errors.As(err, &sendErr) || sendErr.Code != channels.ErrCodeNetwork {
		t.Fatalf("err = %v", err)
	}
	if res.Chunks != 1 {
		t.Fatalf("delivered chunks before failure = %d, want 1", res.Chunks)
	}
}

func TestRouter_ClampsPollOptions(t *testing.T) {
	out := &fixtureOutbound{pollMax: 3}
	router := channels.NewRouter(newFixtureRegistry(out), nil, nil, nil)

	_, err := router.Send(context.Background(), fixtureConfig(), "fixture", "", "chat1", channels.Payload{
		Poll: &channels.Poll{Question: "q", Options: []string{"a", "b", "c", "d", "e"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.sentPolls) != 1 || len(out.sentPolls[0].Options) != 3 {
		t.Fatalf("poll = %+v", out.sentPolls)
	}
}

func TestRouter_EmptyTargetUsesAccountDefaultTo(t *testing.T) {
	out := &fixtureOutbound{}
	router := channels.NewRouter(newFixtureRegistry(out), nil, nil, nil)

	if _, err := router.Send(context.Background(), fixtureConfig(), "fixture", "", "", channels.Payload{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	// No defaultTo and no target is a typed error.
	cfg := fixtureConfig()
	acct := cfg.Channels["fixture"].Accounts["default"]
	acct.DefaultTo = ""
	cfg.Channels["fixture"].Accounts["default"] = acct

	_, err := router.Send(context.Background(), cfg, "fixture", "", "", channels.Payload{Text: "hi"})
	var sendErr *channels.SendError
	if !errors.As(err, &sendErr) || sendErr.Code != channels.ErrCodeInvalidTarget {
		t.Fatalf("err = %v", err)
	}
}

func TestRouter_UnknownChannelAndMissingCapability(t *testing.T) {
	router := channels.NewRouter(channels.NewRegistry(), nil, nil, nil)
	_, err := router.Send(context.Background(), fixtureConfig(), "nope", "", "x", channels.Payload{Text: "hi"})
	var sendErr *channels.SendError
	if !errors.As(err, &sendErr) || sendErr.Code != channels.ErrCodeUnsupported {
		t.Fatalf("unknown channel err = %v", err)
	}

	reg := channels.NewRegistry()
	_ = reg.Register(&channels.Adapter{ID: "fixture", DeliveryMode: channels.DeliveryGateway})
	router = channels.NewRouter(reg, nil, nil, nil)
	_, err = router.Send(context.Background(), fixtureConfig(), "fixture", "", "x", channels.Payload{Text: "hi"})
	if !errors.As(err, &sendErr) || sendErr.Code != channels.ErrCodeUnsupported {
		t.Fatalf("no-outbound err = %v", err)
	}
}

func TestRouter_DisabledAccountRejected(t *testing.T) {
	out := &fixtureOutbound{}
	router := channels.NewRouter(newFixtureRegistry(out), nil, nil, nil)

	disabled := false
	cfg := fixtureConfig()
	acct := cfg.Channels["fixture"].Accounts["default"]
	acct.Enabled = &disabled
	cfg.Channels["fixture"].Accounts["default"] = acct

	_, err := router.Send(context.Background(), cfg, "fixture", "", "x", channels.Payload{Text: "hi"})
	var sendErr *channels.SendError
	if !errors.As(err, &sendErr) || sendErr.Code != channels.ErrCodeInvalidTarget {
		t.Fatalf("err = %v", err)
	}
	if len(out.sent) != 0 {
		t.Fatal("send reached adapter despite disabled account")
	}
}

func TestRouter_SendEmitsClientSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(prev)

	out := &fixtureOutbound{}
	router := channels.NewRouter(newFixtureRegistry(out), nil, nil, nil)
	if _, err := router.Send(context.Background(), fixtureConfig(), "fixture", "", "chat1", channels.Payload{Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	out.failAfter = 1
	_, _ = router.Send(context.Background(), fixtureConfig(), "fixture", "", "chat1", channels.Payload{Text: "again"})

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	for _, span := range spans {
		if span.Name() != "channel.send" || span.SpanKind() != trace.SpanKindClient {
			t.Fatalf("span = %s/%s", span.Name(), span.SpanKind())
		}
		channelAttr := ""
		for _, kv := range span.Attributes() {
			if kv.Key == telemetry.AttrChannelID {
				channelAttr = kv.Value.AsString()
			}
		}
		if channelAttr != "fixture" {
			t.Fatalf("channel attribute = %q", channelAttr)
		}
	}
	if spans[0].Status().Code == codes.Error {
		t.Fatal("successful send marked as error")
	}
	if spans[1].Status().Code != codes.Error {
		t.Fatal("failed send not marked as error")
	}
}

func TestRouter_RecordsDeliveryLog(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "oni.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	out := &fixtureOutbound{}
	router := channels.NewRouter(newFixtureRegistry(out), store, nil, nil)

	if _, err := router.Send(context.Background(), fixtureConfig(), "fixture", "", "chat1", channels.Payload{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	out.failAfter = 1
	_, _ = router.Send(context.Background(), fixtureConfig(), "fixture", "", "chat1", channels.Payload{Text: "hi again"})

	recs, err := store.ListDeliveries(context.Background(), "fixture", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("delivery records = %d", len(recs))
	}
	if recs[0].Status != persistence.DeliveryFailed || !recs[0].Retryable {
		t.Fatalf("newest record = %+v", recs[0])
	}
	if recs[1].Status != persistence.DeliverySent || recs[1].MessageID == "" {
		t.Fatalf("sent record = %+v", recs[1])
	}
}

func TestChunkText(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"short text unchanged", "hello", 100, 1},
		{"no limit", strings.Repeat("a", 5000), 0, 1},
		{"exact boundary", strings.Repeat("a", 10), 10, 1},
		{"splits at spaces", "aaaa bbbb cccc dddd", 10, 2},
		{"hard split without spaces", strings.Repeat("a", 25), 10, 3},
		{"whitespace-only window dropped", "      ab", 4, 1},
		{"interior blank run dropped", "aaaa \n \n bbbb", 5, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := channels.ChunkText(tc.text, tc.limit)
			if len(chunks) != tc.want {
				t.Fatalf("chunks = %d (%q), want %d", len(chunks), chunks, tc.want)
			}
			for _, c := range chunks {
				if tc.limit > 0 && len(c) > tc.limit {
					t.Fatalf("chunk %q over limit", c)
				}
				if c == "" {
					t.Fatalf("empty chunk in %q", chunks)
				}
			}
		})
	}
}

func TestChunkText_PreservesContent(t *testing.T) {
	text := "line one\nline two\nline three and more words here"
	chunks := channels.ChunkText(text, 16)
	joined := strings.Join(chunks, " ")
	for _, word := range strings.Fields(text) {
		if !strings.Contains(joined, word) {
			t.Fatalf("word %q lost in chunking: %q", word, chunks)
		}
	}
}

func TestGateInbound(t *testing.T) {
	account := config.ChannelAccount{
		AllowFrom:   config.AllowList{"42"},
		GroupPolicy: config.GroupPolicyAllowlist,
	}
	cases := []struct {
		name    string
		account config.ChannelAccount
		msg     channels.Message
		allowed bool
		pair    bool
	}{
		{"dm allowed sender", account, channels.Message{SenderID: "42"}, true, false},
		{"dm unknown sender pairs", account, channels.Message{SenderID: "7"}, false, true},
		{"group allowlisted sender", account, channels.Message{SenderID: "42", Group: true}, true, false},
		{"group unknown sender no pair", account, channels.Message{SenderID: "7", Group: true}, false, false},
		{"open group admits anyone",
			config.ChannelAccount{GroupPolicy: config.GroupPolicyOpen},
			channels.Message{SenderID: "7", Group: true}, true, false},
		{"closed group admits nobody",
			config.ChannelAccount{AllowFrom: config.AllowList{"42"}, GroupPolicy: config.GroupPolicyClosed},
			channels.Message{SenderID: "42", Group: true}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := channels.GateInbound(tc.account, tc.msg)
			if got.Allowed != tc.allowed || got.Pair != tc.pair {
				t.Fatalf("decision = %+v", got)
			}
		})
	}
}

func TestGateInbound_DisabledAccount(t *testing.T) {
	disabled := false
	account := config.ChannelAccount{Enabled: &disabled, AllowFrom: config.AllowList{"42"}}
	got := channels.GateInbound(account, channels.Message{SenderID: "42"})
	if got.Allowed || got.Reason != channels.ReasonDisabled {
		t.Fatalf("decision = %+v", got)
	}
}

type gateHandler struct {
	handled []channels.Message
}

func (h *gateHandler) HandleInbound(_ context.Context, _ *config.Config, msg channels.Message) {
	h.handled = append(h.handled, msg)
}

func TestGatekeeper_FilesPairingRequestForUnknownDM(t *testing.T) {
	cfg := fixtureConfig()
	handler := &gateHandler{}
	var paired []string
	gk := channels.NewGatekeeper(
		func() *config.Config { return cfg },
		nil,
		handler,
		func(_ context.Context, channelID, accountID, senderID, _ string) error {
			paired = append(paired, channelID+"/"+accountID+"/"+senderID)
			return nil
		},
		nil, nil,
	)

	gk.Deliver(context.Background(), channels.Message{
		ChannelID: "fixture", AccountID: "default", SenderID: "7", Text: "hello?",
	})
	if len(handler.handled) != 0 {
		t.Fatal("blocked message reached handler")
	}
	if len(paired) != 1 || paired[0] != "fixture/default/7" {
		t.Fatalf("pairing requests = %v", paired)
	}

	gk.Deliver(context.Background(), channels.Message{
		ChannelID: "fixture", AccountID: "default", SenderID: "42", Text: "hi",
	})
	if len(handler.handled) != 1 || handler.handled[0].SenderID != "42" {
		t.Fatalf("handled = %+v", handler.handled)
	}
}

func TestGatekeeper_GroupMentionGate(t *testing.T) {
	cfg := fixtureConfig()
	account := cfg.Channels["fixture"].Accounts["default"]
	account.GroupPolicy = config.GroupPolicyOpen
	cfg.Channels["fixture"].Accounts["default"] = account
	cfg.Agents = config.AgentsConfig{List: []config.AgentEntry{{ID: "main"}}}

	// The fixture adapter borrows telegram's Group capability: mention is
	// required unless the agent's groupChat config opts out.
	reg := channels.NewRegistry()
	if err := reg.Register(&channels.Adapter{
		ID:           "fixture",
		Label:        "Fixture",
		DeliveryMode: channels.DeliveryDirect,
		Group:        channels.NewTelegramAdapter(nil).Group,
	}); err != nil {
		t.Fatal(err)
	}

	handler := &gateHandler{}
	gk := channels.NewGatekeeper(func() *config.Config { return cfg }, reg, handler, nil, nil, nil)

	groupMsg := channels.Message{
		ChannelID: "fixture", AccountID: "default", SenderID: "7",
		ChatID: "g1", Group: true, Text: "hello all",
	}

	gk.Deliver(context.Background(), groupMsg)
	if len(handler.handled) != 0 {
		t.Fatal("unmentioned group message reached handler")
	}

	mentioned := groupMsg
	mentioned.MentionsBot = true
	gk.Deliver(context.Background(), mentioned)
	if len(handler.handled) != 1 {
		t.Fatalf("mentioned group message blocked; handled = %d", len(handler.handled))
	}

	// Opting out of the mention requirement admits the bare message.
	optOut := false
	cfg.Agents.List[0].GroupChat = &config.GroupChatConfig{MentionRequired: &optOut}
	gk.Deliver(context.Background(), groupMsg)
	if len(handler.handled) != 2 {
		t.Fatalf("opt-out group message blocked; handled = %d", len(handler.handled))
	}
}

func TestGatekeeper_MentionGateSkipsChannelsWithoutGroupCapability(t *testing.T) {
	cfg := fixtureConfig()
	account := cfg.Channels["fixture"].Accounts["default"]
	account.GroupPolicy = config.GroupPolicyOpen
	cfg.Channels["fixture"].Accounts["default"] = account

	handler := &gateHandler{}
	gk := channels.NewGatekeeper(func() *config.Config { return cfg },
		newFixtureRegistry(&fixtureOutbound{}), handler, nil, nil, nil)

	gk.Deliver(context.Background(), channels.Message{
		ChannelID: "fixture", AccountID: "default", SenderID: "7",
		ChatID: "g1", Group: true, Text: "no mention here",
	})
	if len(handler.handled) != 1 {
		t.Fatal("group message on a capability-less channel was blocked")
	}
}

func TestGroup_MentionRequiredDefaultsTrue(t *testing.T) {
	adapter := channels.NewTelegramAdapter(nil)
	cfg := &config.Config{Agents: config.AgentsConfig{List: []config.AgentEntry{{ID: "main"}}}}
	msg := channels.Message{Group: true}

	if !adapter.Group.MentionRequired(cfg, "main", msg) {
		t.Fatal("mention requirement should default to true in groups")
	}
	if adapter.Group.MentionRequired(cfg, "main", channels.Message{}) {
		t.Fatal("DMs never require a mention")
	}

	optOut := false
	cfg.Agents.List[0].GroupChat = &config.GroupChatConfig{MentionRequired: &optOut}
	if adapter.Group.MentionRequired(cfg, "main", msg) {
		t.Fatal("explicit opt-out ignored")
	}
}

func TestTelegramAdapter_ProviderConstantsAndTargets(t *testing.T) {
	adapter := channels.NewTelegramAdapter(nil)
	if adapter.Outbound.TextChunkLimit() != 4096 {
		t.Fatalf("telegram chunk limit = %d", adapter.Outbound.TextChunkLimit())
	}
	account := config.ChannelAccount{ChannelID: "telegram", AccountID: "default"}

	if _, err := adapter.Outbound.ResolveTarget(account, "123456"); err != nil {
		t.Fatalf("numeric target rejected: %v", err)
	}
	if _, err := adapter.Outbound.ResolveTarget(account, "@somechannel"); err != nil {
		t.Fatalf("@username rejected: %v", err)
	}
	_, err := adapter.Outbound.ResolveTarget(account, "not a target")
	var sendErr *channels.SendError
	if !errors.As(err, &sendErr) || sendErr.Code != channels.ErrCodeInvalidTarget {
		t.Fatalf("err = %v", err)
	}
}

func TestWhatsAppAdapter_ProbeWithoutLoginFails(t *testing.T) {
	adapter := channels.NewWhatsAppAdapter(stubWATransport{}, nil)
	account := config.ChannelAccount{ChannelID: "whatsapp", AccountID: "default"}
	probe := adapter.Status.ProbeAccount(context.Background(), account, time.Second)
	if probe.Status != channels.ProbeFailed {
		t.Fatalf("probe = %+v", probe)
	}
	if adapter.DeliveryMode != channels.DeliveryGateway {
		t.Fatalf("delivery mode = %s", adapter.DeliveryMode)
	}
}

type stubWATransport struct{}

func (stubWATransport) Connect(context.Context, string, func(channels.Message)) error { return nil }
func (stubWATransport) Disconnect(string) error                                       { return nil }
func (stubWATransport) LoggedIn(string) bool                                          { return false }
func (stubWATransport) Logout(context.Context, string) error                          { return nil }
func (stubWATransport) StartQR(context.Context, string) (string, time.Time, error) {
	return "qr-data", time.Now().Add(time.Minute), nil
}
func (stubWATransport) WaitQR(context.Context, string, string) error { return nil }
func (stubWATransport) Send(context.Context, string, string, string) (string, error) {
	return "", errors.New("not logged in")
}
func (stubWATransport) SendMedia(context.Context, string, string, string, string) (string, error) {
	return "", errors.New("not logged in")
}
func (stubWATransport) Ping(context.Context, string) error { return nil }

func TestAccountSetup_ValidateInput(t *testing.T) {
	adapter := channels.NewTelegramAdapter(nil)
	bad := "sideways"
	if msg := adapter.Setup.ValidateInput(config.AccountInput{GroupPolicy: &bad}); msg == "" {
		t.Fatal("invalid group policy accepted")
	}
	good := config.GroupPolicyClosed
	if msg := adapter.Setup.ValidateInput(config.AccountInput{GroupPolicy: &good}); msg != "" {
		t.Fatalf("valid policy rejected: %s", msg)
	}
}

func TestAccountSetup_ApplyIsPureAndRoundTrips(t *testing.T) {
	adapter := channels.NewTelegramAdapter(nil)
	cfg := &config.Config{}

	ref := "env:TELEGRAM_TOKEN"
	policy := config.GroupPolicyClosed
	allow := config.AllowList{"1", "2"}
	next, err := adapter.Setup.ApplyAccountConfig(cfg, "work", config.AccountInput{
		CredentialsRef: &ref,
		GroupPolicy:    &policy,
		AllowFrom:      &allow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Channels) != 0 {
		t.Fatal("setup mutated the input tree")
	}
	account, ok := next.ResolveAccount("telegram", "work")
	if !ok {
		t.Fatal("account missing after apply")
	}
	if account.CredentialsRef != ref || account.GroupPolicy != policy || !account.AllowFrom.Contains("2") {
		t.Fatalf("round trip mismatch: %+v", account)
	}
}
