package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rtucode-go/bus"
	"rtucode-go/services/telemetry"
	"rtucode-go/types"
)

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakePub struct {
	mu   sync.Mutex
	got  []published
	fail bool
}

func (p *fakePub) Publish(topic string, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("offline")
	}
	p.got = append(p.got, published{topic, retained, string(payload)})
	return nil
}

func (p *fakePub) waitFor(t *testing.T, topic string) published {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		for _, g := range p.got {
			if g.topic == topic {
				p.mu.Unlock()
				return g
			}
		}
		p.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("nothing published on %s", topic)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMirrorsTelemetryAndRetainedState(t *testing.T) {
	b := bus.NewBus(8)
	tel := telemetry.New(5, "1.0", b.NewConnection("telemetry"))
	tel.SetReading("pt", types.Measured(108, 21)) // retained before the mirror starts

	pub := &fakePub{}
	m := &Mirror{Conn: b.NewConnection("mirror"), Pub: pub, Prefix: TopicPrefix(5)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	got := pub.waitFor(t, "rtu/5/telemetry/pt")
	if !got.retained || got.payload != `{"raw":108,"scaled":21,"warning":0}` {
		t.Fatalf("got %+v", got)
	}

	tel.SetStorageWarning(true)
	dev := pub.waitFor(t, "rtu/5/telemetry/device")
	if dev.payload == "" {
		t.Fatal("empty device payload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("mirror did not stop")
	}
}

func TestPublishFailureDoesNotStop(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("src")
	pub := &fakePub{fail: true}
	m := &Mirror{Conn: b.NewConnection("mirror"), Pub: pub, Prefix: "rtu/1"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	conn.Publish(conn.NewMessage(bus.T("status", "heartbeat"), map[string]int{"n": 1}, false))
	time.Sleep(20 * time.Millisecond)

	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()
	conn.Publish(conn.NewMessage(bus.T("status", "heartbeat"), map[string]int{"n": 2}, false))

	if got := pub.waitFor(t, "rtu/1/status/heartbeat"); got.payload != `{"n":2}` {
		t.Fatalf("got %+v", got)
	}
}
