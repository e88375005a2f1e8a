package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("delivery.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicDeliverySent, DeliveryEvent{ChannelID: "telegram", Target: "12345"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicDeliverySent {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicDeliverySent)
		}
		payload, ok := ev.Payload.(DeliveryEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if payload.ChannelID != "telegram" {
			t.Fatalf("channel = %q", payload.ChannelID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("pairing.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicChannelStarted, ChannelStateEvent{ChannelID: "slack"})
	b.Publish(TopicPairingApproved, PairingEvent{RequestID: "r1"})

	ev := <-sub.Ch()
	if ev.Topic != TopicPairingApproved {
		t.Fatalf("got %q, want only pairing events", ev.Topic)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected second event %q", ev.Topic)
	default:
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicConfigReloaded, nil)
	ev := <-sub.Ch()
	if ev.Topic != TopicConfigReloaded {
		t.Fatalf("topic = %q", ev.Topic)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("delivery.")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must not block.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicDeliverySent, DeliveryEvent{})
	}

	drained := 0
	for {
		select {
		case <-sub.Ch():
			drained++
		default:
			if drained != defaultBufferSize {
				t.Fatalf("drained %d events, want %d", drained, defaultBufferSize)
			}
			return
		}
	}
}
