// services/mirror/mirror.go
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"rtucode-go/bus"
	"rtucode-go/services/logging"
)

// Publisher sends one encoded message upstream.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Sources are the local bus topics copied to the broker.
var Sources = []bus.Topic{
	bus.T("telemetry", "#"),
	bus.T("status", "#"),
}

// Mirror copies local bus traffic to an MQTT broker under Prefix.
type Mirror struct {
	Conn   *bus.Connection
	Pub    Publisher
	Prefix string
	Log    *slog.Logger
}

// TopicPrefix is the broker namespace of one device.
func TopicPrefix(deviceID int) string { return "rtu/" + strconv.Itoa(deviceID) }

// Run forwards messages until ctx is done. Publish failures are logged and
// the message dropped; retained state is resent on the next update.
func (m *Mirror) Run(ctx context.Context) error {
	log := logging.Or(m.Log).With("svc", "mirror")
	merged := make(chan *bus.Message, 16)
	for _, t := range Sources {
		sub := m.Conn.Subscribe(t)
		defer m.Conn.Unsubscribe(sub)
		go func(ch <-chan *bus.Message) {
			for msg := range ch {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(sub.Channel())
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-merged:
			data, err := json.Marshal(msg.Payload)
			if err != nil {
				log.Warn("mirror_encode_failed", "topic", msg.Topic.String(), "err", err)
				continue
			}
			topic := m.Prefix + "/" + msg.Topic.String()
			if err := m.Pub.Publish(topic, msg.Retained, data); err != nil {
				log.Debug("mirror_publish_failed", "topic", topic, "err", err)
			}
		}
	}
}
