// Package heartbeat pings every enabled account that carries the Heartbeat
// capability on the configured cron cadence.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the heartbeat scheduler.
type Config struct {
	Registry    *channels.Registry
	ConfigFn    func() *config.Config
	Bus         *bus.Bus
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 1 minute if zero
	PingTimeout time.Duration // per-account timeout; defaults to 10s if zero
}

// Scheduler periodically checks whether the configured heartbeat schedule is
// due and sweeps all heartbeat-capable accounts when it is. The schedule is
// re-read from live config on every tick, so edits take effect without a
// restart.
type Scheduler struct {
	registry    *channels.Registry
	configFn    func() *config.Config
	bus         *bus.Bus
	logger      *slog.Logger
	interval    time.Duration
	pingTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastExpr string
	nextRun  time.Time
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry:    cfg.Registry,
		configFn:    cfg.ConfigFn,
		bus:         cfg.Bus,
		logger:      logger,
		interval:    interval,
		pingTimeout: pingTimeout,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("heartbeat scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("heartbeat scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires a sweep when the cron schedule has come due since the last tick.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	cfg := s.configFn()
	if !cfg.Heartbeat.Enabled {
		return
	}

	due, err := s.advance(cfg.Heartbeat.Schedule, now)
	if err != nil {
		s.logger.Error("heartbeat: bad cron schedule", "schedule", cfg.Heartbeat.Schedule, "error", err)
		return
	}
	if !due {
		return
	}
	s.Sweep(ctx, cfg)
}

// advance reports whether the schedule came due and computes the next run.
// Changing the expression resets the cycle from now.
func (s *Scheduler) advance(expr string, now time.Time) (bool, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expr != s.lastExpr || s.nextRun.IsZero() {
		s.lastExpr = expr
		s.nextRun = sched.Next(now)
		return false, nil
	}
	if now.Before(s.nextRun) {
		return false, nil
	}
	s.nextRun = sched.Next(now)
	return true, nil
}

// Sweep pings every enabled account on every heartbeat-capable adapter once.
// It is also invoked directly by the doctor's --beat flag.
func (s *Scheduler) Sweep(ctx context.Context, cfg *config.Config) {
	for _, adapter := range s.registry.List() {
		if adapter.Heartbeat == nil {
			continue
		}
		for _, accountID := range cfg.ListAccountIDs(adapter.ID) {
			account, ok := cfg.ResolveAccount(adapter.ID, accountID)
			if !ok || !account.IsEnabled() {
				continue
			}
			s.ping(ctx, adapter, account)
		}
	}
}

func (s *Scheduler) ping(ctx context.Context, adapter *channels.Adapter, account config.ChannelAccount) {
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()

	start := time.Now()
	err := adapter.Heartbeat.HeartbeatAccount(pingCtx, account)
	elapsed := time.Since(start)

	event := bus.HeartbeatEvent{
		ChannelID: account.ChannelID,
		AccountID: account.AccountID,
		Elapsed:   elapsed,
		At:        start,
	}
	if err != nil {
		event.Error = err.Error()
		s.logger.Warn("heartbeat failed",
			"channel", account.ChannelID, "account", account.AccountID,
			"elapsed", elapsed, "error", err)
		if s.bus != nil {
			s.bus.Publish(bus.TopicHeartbeatFailed, event)
		}
		return
	}
	s.logger.Debug("heartbeat ok",
		"channel", account.ChannelID, "account", account.AccountID, "elapsed", elapsed)
	if s.bus != nil {
		s.bus.Publish(bus.TopicHeartbeatOK, event)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
