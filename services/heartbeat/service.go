package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"rtucode-go/bus"
	"rtucode-go/services/logging"
	"rtucode-go/x/mathx"
)

const (
	minInterval = 10 * time.Millisecond
	maxInterval = 24 * time.Hour
)

var (
	TopicConfig = bus.T("config", "heartbeat")
	TopicStatus = bus.T("status", "heartbeat")
)

// Beat is the retained liveness record.
type Beat struct {
	Time       time.Time `json:"time"`
	UptimeS    int64     `json:"uptime_s"`
	QueueDepth int       `json:"queue_depth"`
	Running    []string  `json:"running,omitempty"`
	Hung       []string  `json:"hung,omitempty"`
}

// Service publishes a Beat every Interval. The interval can be changed at
// runtime with {"interval": seconds} on config/heartbeat.
type Service struct {
	Interval time.Duration // default 60s
	// Probe fills the queue and worker fields of a beat.
	Probe func(*Beat)
	Log   *slog.Logger

	start time.Time
}

func (s *Service) beat(now time.Time) Beat {
	b := Beat{Time: now, UptimeS: int64(now.Sub(s.start).Seconds())}
	if s.Probe != nil {
		s.Probe(&b)
	}
	return b
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	log := logging.Or(s.Log).With("svc", "heartbeat")
	cfgSub := conn.Subscribe(TopicConfig)
	defer conn.Unsubscribe(cfgSub)

	iv := s.Interval
	if iv <= 0 {
		iv = time.Minute
	}
	tick := time.NewTicker(iv)
	defer tick.Stop()

	conn.Publish(conn.NewMessage(TopicStatus, s.beat(time.Now()), true))
	for {
		select {
		case <-ctx.Done():
			log.Info("heartbeat_stopped")
			return
		case t := <-tick.C:
			conn.Publish(conn.NewMessage(TopicStatus, s.beat(t), true))
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			if d, ok := intervalOf(msg.Payload); ok {
				tick.Reset(d)
				log.Info("heartbeat_interval", "interval", d)
			}
		}
	}
}

func intervalOf(p any) (time.Duration, bool) {
	m, ok := p.(map[string]any)
	if !ok {
		return 0, false
	}
	var sec float64
	switch v := m["interval"].(type) {
	case float64:
		sec = v
	case int:
		sec = float64(v)
	default:
		return 0, false
	}
	if sec <= 0 {
		return 0, false
	}
	return mathx.Clamp(time.Duration(sec*float64(time.Second)), minInterval, maxInterval), true
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	s.start = time.Now()
	go s.serviceLoop(ctx, conn)
	return nil
}
