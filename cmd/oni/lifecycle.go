package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
)

// accountManager owns one long-lived session per (channel, account) for
// adapters that carry the Lifecycle capability. Reconcile brings the running
// set in line with a config tree; direct-mode adapters without Lifecycle need
// nothing started.
type accountManager struct {
	registry *channels.Registry
	inbox    channels.Inbox
	bus      *bus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*runningAccount
}

type runningAccount struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu        sync.Mutex
	lastError string
}

func newAccountManager(registry *channels.Registry, inbox channels.Inbox, eventBus *bus.Bus, logger *slog.Logger) *accountManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &accountManager{
		registry: registry,
		inbox:    inbox,
		bus:      eventBus,
		logger:   logger,
		running:  make(map[string]*runningAccount),
	}
}

func accountKey(channelID, accountID string) string {
	return channelID + "/" + accountID
}

// Reconcile starts sessions for enabled accounts that are not running and
// stops sessions whose account disappeared or was disabled.
func (m *accountManager) Reconcile(ctx context.Context, cfg *config.Config) {
	want := make(map[string]config.ChannelAccount)
	for _, adapter := range m.registry.List() {
		if adapter.Lifecycle == nil {
			continue
		}
		for _, accountID := range cfg.ListAccountIDs(adapter.ID) {
			account, ok := cfg.ResolveAccount(adapter.ID, accountID)
			if !ok || !account.IsEnabled() {
				continue
			}
			want[accountKey(adapter.ID, account.AccountID)] = account
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, ra := range m.running {
		if _, still := want[key]; !still {
			m.logger.Info("stopping channel account", "account", key)
			ra.cancel()
			delete(m.running, key)
		}
	}
	for key, account := range want {
		if _, already := m.running[key]; already {
			continue
		}
		m.startLocked(ctx, account)
	}
}

func (m *accountManager) startLocked(ctx context.Context, account config.ChannelAccount) {
	adapter, ok := m.registry.Get(account.ChannelID)
	if !ok || adapter.Lifecycle == nil {
		return
	}
	key := accountKey(account.ChannelID, account.AccountID)
	runCtx, cancel := context.WithCancel(ctx)
	ra := &runningAccount{cancel: cancel, done: make(chan struct{}), startedAt: time.Now()}
	m.running[key] = ra

	m.publishState(account, "started", "")
	m.logger.Info("channel account starting", "account", key)

	go func() {
		defer close(ra.done)
		err := adapter.Lifecycle.StartAccount(runCtx, account, m.inbox)
		if err != nil && runCtx.Err() == nil {
			ra.mu.Lock()
			ra.lastError = err.Error()
			ra.mu.Unlock()
			m.publishState(account, "error", err.Error())
			m.logger.Error("channel account failed", "account", key, "error", err)
			return
		}
		m.publishState(account, "stopped", "")
		m.logger.Info("channel account stopped", "account", key)
	}()
}

func (m *accountManager) publishState(account config.ChannelAccount, state, detail string) {
	if m.bus == nil {
		return
	}
	topic := bus.TopicChannelStarted
	switch state {
	case "stopped":
		topic = bus.TopicChannelStopped
	case "error":
		topic = bus.TopicChannelError
	}
	m.bus.Publish(topic, bus.ChannelStateEvent{
		ChannelID: account.ChannelID,
		AccountID: account.AccountID,
		State:     state,
		Detail:    detail,
	})
}

// RuntimeState implements gateway.RuntimeStates.
func (m *accountManager) RuntimeState(channelID, accountID string) channels.RuntimeState {
	m.mu.Lock()
	ra, ok := m.running[accountKey(channelID, accountID)]
	m.mu.Unlock()
	if !ok {
		return channels.RuntimeState{}
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return channels.RuntimeState{
		Running:   ra.lastError == "",
		StartedAt: ra.startedAt,
		LastError: ra.lastError,
	}
}

// StopAll cancels every session and waits briefly for them to wind down.
func (m *accountManager) StopAll() {
	m.mu.Lock()
	accounts := make([]*runningAccount, 0, len(m.running))
	for key, ra := range m.running {
		ra.cancel()
		accounts = append(accounts, ra)
		delete(m.running, key)
	}
	m.mu.Unlock()

	deadline := time.After(5 * time.Second)
	for _, ra := range accounts {
		select {
		case <-ra.done:
		case <-deadline:
			return
		}
	}
}
