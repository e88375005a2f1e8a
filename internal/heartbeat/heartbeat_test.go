package heartbeat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/heartbeat"
)

type fakeBeat struct {
	pinged []string
	fail   map[string]error
}

func (f *fakeBeat) HeartbeatAccount(_ context.Context, account config.ChannelAccount) error {
	key := account.ChannelID + "/" + account.AccountID
	f.pinged = append(f.pinged, key)
	return f.fail[key]
}

func sweepConfig() *config.Config {
	off := false
	return &config.Config{
		Heartbeat: config.HeartbeatConfig{Enabled: true, Schedule: "*/5 * * * *"},
		Channels: map[string]config.ChannelConfig{
			"beep": {
				Accounts: map[string]config.ChannelAccount{
					"default": {},
					"work":    {},
					"dead":    {Enabled: &off},
				},
			},
			"mute": {
				Accounts: map[string]config.ChannelAccount{
					"default": {},
				},
			},
		},
	}
}

func TestSweep_PingsEnabledHeartbeatAccounts(t *testing.T) {
	beat := &fakeBeat{}
	reg := channels.NewRegistry()
	if err := reg.Register(&channels.Adapter{ID: "beep", DeliveryMode: channels.DeliveryDirect, Heartbeat: beat}); err != nil {
		t.Fatal(err)
	}
	// No Heartbeat capability; the sweep must skip it entirely.
	if err := reg.Register(&channels.Adapter{ID: "mute", DeliveryMode: channels.DeliveryDirect}); err != nil {
		t.Fatal(err)
	}

	cfg := sweepConfig()
	sched := heartbeat.NewScheduler(heartbeat.Config{
		Registry: reg,
		ConfigFn: func() *config.Config { return cfg },
	})
	sched.Sweep(context.Background(), cfg)

	if len(beat.pinged) != 2 {
		t.Fatalf("pinged = %v, want beep/default and beep/work", beat.pinged)
	}
	for _, key := range beat.pinged {
		if key == "beep/dead" {
			t.Fatal("disabled account was pinged")
		}
		if key == "mute/default" {
			t.Fatal("adapter without heartbeat capability was pinged")
		}
	}
}

func TestSweep_PublishesOutcomes(t *testing.T) {
	beat := &fakeBeat{fail: map[string]error{"beep/work": errors.New("token expired")}}
	reg := channels.NewRegistry()
	_ = reg.Register(&channels.Adapter{ID: "beep", DeliveryMode: channels.DeliveryDirect, Heartbeat: beat})

	eventBus := bus.New()
	sub := eventBus.Subscribe("heartbeat.")
	defer eventBus.Unsubscribe(sub)

	cfg := sweepConfig()
	sched := heartbeat.NewScheduler(heartbeat.Config{
		Registry: reg,
		ConfigFn: func() *config.Config { return cfg },
		Bus:      eventBus,
	})
	sched.Sweep(context.Background(), cfg)

	got := map[string]string{} // account -> topic
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			payload := ev.Payload.(bus.HeartbeatEvent)
			got[payload.ChannelID+"/"+payload.AccountID] = ev.Topic
			if ev.Topic == bus.TopicHeartbeatFailed && payload.Error == "" {
				t.Fatal("failed event carries no error detail")
			}
		case <-time.After(time.Second):
			t.Fatal("missing heartbeat event")
		}
	}
	if got["beep/default"] != bus.TopicHeartbeatOK {
		t.Fatalf("beep/default topic = %q", got["beep/default"])
	}
	if got["beep/work"] != bus.TopicHeartbeatFailed {
		t.Fatalf("beep/work topic = %q", got["beep/work"])
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 6, 2, 9, 3, 0, 0, time.UTC)
	next, err := heartbeat.NextRunTime("*/30 * * * *", after)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 6, 2, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := heartbeat.NextRunTime("not a cron", after); err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	reg := channels.NewRegistry()
	cfg := sweepConfig()
	cfg.Heartbeat.Enabled = false

	sched := heartbeat.NewScheduler(heartbeat.Config{
		Registry: reg,
		ConfigFn: func() *config.Config { return cfg },
		Interval: 10 * time.Millisecond,
	})
	sched.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sched.Stop()
}
