package heartbeat

import (
	"context"
	"testing"
	"time"

	"rtucode-go/bus"
)

func nextBeat(t *testing.T, sub *bus.Subscription, within time.Duration) Beat {
	t.Helper()
	select {
	case m := <-sub.Channel():
		b, ok := m.Payload.(Beat)
		if !ok {
			t.Fatalf("payload %T", m.Payload)
		}
		return b
	case <-time.After(within):
		t.Fatal("timeout waiting for heartbeat")
	}
	return Beat{}
}

func TestPublishesProbedBeat(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("hb")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Service{Interval: 20 * time.Millisecond, Probe: func(b *Beat) {
		b.QueueDepth = 3
		b.Running = []string{"sdi12"}
	}}
	sub := conn.Subscribe(TopicStatus)
	if err := s.Start(ctx, conn); err != nil {
		t.Fatal(err)
	}

	first := nextBeat(t, sub, 200*time.Millisecond)
	if first.QueueDepth != 3 || len(first.Running) != 1 {
		t.Fatalf("beat: %+v", first)
	}
	second := nextBeat(t, sub, 200*time.Millisecond)
	if second.Time.Before(first.Time) {
		t.Fatalf("beats out of order: %v then %v", first.Time, second.Time)
	}
}

func TestIntervalChangeFromConfig(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("hb")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Service{Interval: time.Hour}
	sub := conn.Subscribe(TopicStatus)
	_ = s.Start(ctx, conn)
	nextBeat(t, sub, 200*time.Millisecond) // sent after the config subscription

	conn.Publish(conn.NewMessage(TopicConfig, map[string]any{"interval": 0.02}, false))
	nextBeat(t, sub, time.Second)
}

func TestIntervalOf(t *testing.T) {
	cases := []struct {
		in any
		ok bool
	}{
		{map[string]any{"interval": 5.0}, true},
		{map[string]any{"interval": 5}, true},
		{map[string]any{"interval": -1.0}, false},
		{map[string]any{"other": 1.0}, false},
		{"interval", false},
	}
	for _, c := range cases {
		if _, ok := intervalOf(c.in); ok != c.ok {
			t.Errorf("%v: ok=%v want %v", c.in, ok, c.ok)
		}
	}
}
