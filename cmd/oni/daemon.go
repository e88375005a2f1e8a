package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/oni/internal/agents"
	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/gateway"
	"github.com/basket/oni/internal/heartbeat"
	"github.com/basket/oni/internal/pairing"
	"github.com/basket/oni/internal/persistence"
	"github.com/basket/oni/internal/sessions"
	"github.com/basket/oni/internal/telemetry"
)

// configStore is the daemon's live config holder. Replace persists the new
// tree before swapping it in, so a crash never loses an applied mutation.
type configStore struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func (s *configStore) Current() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *configStore) Replace(cfg *config.Config) error {
	if err := cfg.Save(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// swap installs an already-persisted tree (hot-reload path).
func (s *configStore) swap(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func runDaemon(ctx context.Context, stop context.CancelFunc) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if err := cfg.Save(); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.Gateway.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("allowOrigins is empty on non-loopback bind; cross-origin browser connections will be rejected",
				"bind_addr", cfg.Gateway.BindAddr)
		}
	}

	token, err := ensureAuthToken(cfg.HomeDir, cfg.Gateway.AuthToken)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}
	cfg.Gateway.AuthToken = token

	otelProvider, err := telemetry.InitOTel(ctx, cfg.Telemetry, Version)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	store, err := persistence.Open(persistence.DBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	cfgs := &configStore{cfg: cfg}

	registry := channels.NewRegistry()
	mustRegister := func(a *channels.Adapter) {
		if err := registry.Register(a); err != nil {
			fatalStartup(logger, "E_ADAPTER_REGISTER", err)
		}
	}
	mustRegister(channels.NewTelegramAdapter(logger))
	mustRegister(channels.NewDiscordAdapter(logger))
	mustRegister(channels.NewSlackAdapter(logger))
	if base := strings.TrimSpace(os.Getenv("ONI_WHATSAPP_BRIDGE")); base != "" {
		mustRegister(channels.NewWhatsAppAdapter(channels.NewBridgeClient(base, "whatsapp", logger), logger))
	} else {
		logger.Info("whatsapp adapter not registered (ONI_WHATSAPP_BRIDGE unset)")
	}
	if base := strings.TrimSpace(os.Getenv("ONI_SIGNAL_BRIDGE")); base != "" {
		mustRegister(channels.NewSignalAdapter(channels.NewBridgeClient(base, "signal", logger), logger))
	} else {
		logger.Info("signal adapter not registered (ONI_SIGNAL_BRIDGE unset)")
	}

	router := channels.NewRouter(registry, store, eventBus, logger)
	pairingSvc := pairing.NewService(store, cfgs, &adapterNotifier{registry: registry, cfgs: cfgs}, eventBus, logger)

	runner := agents.NewChainRunner(cfgs.Current, newInvoker(logger), logger)
	turns := &turnHandler{runner: runner, router: router, locks: sessions.NewKeyLocks(), logger: logger}
	gatekeeper := channels.NewGatekeeper(cfgs.Current, registry, turns,
		func(ctx context.Context, channelID, accountID, senderID, senderName string) error {
			_, err := pairingSvc.Request(ctx, channelID, accountID, senderID, senderName)
			return err
		}, eventBus, logger)

	manager := newAccountManager(registry, gatekeeper, eventBus, logger)
	manager.Reconcile(ctx, cfg)
	defer manager.StopAll()

	beat := heartbeat.NewScheduler(heartbeat.Config{
		Registry: registry,
		ConfigFn: cfgs.Current,
		Bus:      eventBus,
		Logger:   logger,
	})
	beat.Start(ctx)
	defer beat.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range confWatcher.Events() {
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, retaining previous tree", "error", err)
				continue
			}
			if next.Gateway.AuthToken == "" {
				next.Gateway.AuthToken = token
			}
			cfgs.swap(next)
			manager.Reconcile(ctx, next)
			eventBus.Publish(bus.TopicConfigReloaded, next.Fingerprint())
			logger.Info("config hot-reloaded", "fingerprint", next.Fingerprint())
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:    store,
		Configs:  cfgs,
		Registry: registry,
		Router:   router,
		Pairing:  pairingSvc,
		Runner:   runner,
		Bus:      eventBus,
		Runtime:  manager.RuntimeState,
		Logger:   logger,
		Version:  Version,
	})

	server := &http.Server{Addr: cfg.Gateway.BindAddr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  another oni daemon may be running; stop it or change gateway.bindAddr", err))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	manager.StopAll()
	logger.Info("shutdown complete")
	return 0
}

// ensureAuthToken returns the configured token, or generates and persists one
// under <home>/auth.token on first run. An empty token would leave the
// gateway refusing every request.
func ensureAuthToken(homeDir, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// adapterNotifier routes pairing approval notices through the channel's
// Pairing capability.
type adapterNotifier struct {
	registry *channels.Registry
	cfgs     *configStore
}

func (n *adapterNotifier) Notify(ctx context.Context, channelID, accountID, senderID, _ string) error {
	adapter, ok := n.registry.Get(channelID)
	if !ok || adapter.Pairing == nil {
		return fmt.Errorf("channel %q cannot deliver pairing notices", channelID)
	}
	account, ok := n.cfgs.Current().ResolveAccount(channelID, accountID)
	if !ok {
		return fmt.Errorf("no account %s/%s", channelID, accountID)
	}
	return adapter.Pairing.NotifyApproved(ctx, account, senderID)
}

// turnHandler runs one agent turn per accepted inbound message and sends the
// reply back to the chat it came from.
type turnHandler struct {
	runner *agents.ChainRunner
	router *channels.Router
	locks  *sessions.KeyLocks
	logger *slog.Logger
}

func (h *turnHandler) HandleInbound(ctx context.Context, cfg *config.Config, msg channels.Message) {
	if len(cfg.Agents.List) == 0 {
		h.logger.Warn("inbound message dropped: no agents configured",
			"channel", msg.ChannelID, "sender", msg.SenderID)
		return
	}
	agentID := cfg.Agents.List[0].ID
	key := agents.SessionKey(agentID, msg.ChannelID+":"+msg.ChatID)

	release := h.locks.Acquire(key)
	defer release()

	reply, model, err := h.runner.Run(ctx, agentID, key, msg.Text)
	if err != nil {
		h.logger.Error("agent turn failed", "agent", agentID, "key", key, "error", err)
		return
	}

	if store, err := sessions.Open(sessions.StorePath(cfg.HomeDir, agentID), agentID); err == nil {
		if _, err := store.Touch(key, agentID, model, time.Now()); err != nil {
			h.logger.Warn("session touch failed", "key", key, "error", err)
		}
	}

	if _, err := h.router.Send(ctx, cfg, msg.ChannelID, msg.AccountID, msg.ChatID,
		channels.Payload{Text: reply}); err != nil {
		h.logger.Error("reply delivery failed",
			"channel", msg.ChannelID, "chat", msg.ChatID, "error", err)
	}
}

// newInvoker builds the model invoker from ONI_AGENT_CMD: the named command
// is run once per turn with the model and agent in its environment and the
// prompt on stdin; its stdout is the reply. Model execution stays outside
// this process.
func newInvoker(logger *slog.Logger) agents.Invoker {
	return &commandInvoker{command: strings.TrimSpace(os.Getenv("ONI_AGENT_CMD")), logger: logger}
}

type commandInvoker struct {
	command string
	logger  *slog.Logger
}

func (c *commandInvoker) Invoke(ctx context.Context, model, agentID, sessionKey, text string) (string, error) {
	if c.command == "" {
		return "", fmt.Errorf("no agent backend configured (set ONI_AGENT_CMD)")
	}
	cmd := exec.CommandContext(ctx, c.command)
	cmd.Env = append(os.Environ(),
		"ONI_MODEL="+model,
		"ONI_AGENT_ID="+agentID,
		"ONI_SESSION_KEY="+sessionKey,
	)
	cmd.Stdin = strings.NewReader(text)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(errOut.String())
		if detail != "" {
			return "", fmt.Errorf("agent command: %w: %s", err, detail)
		}
		return "", fmt.Errorf("agent command: %w", err)
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
