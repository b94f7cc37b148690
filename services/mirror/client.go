// services/mirror/client.go
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rtucode-go/services/logging"
)

// Options configures the broker connection.
type Options struct {
	Broker   string
	Port     int
	ClientID string
	Logger   *slog.Logger
}

// Client is a paho MQTT connection with connection-state tracking.
type Client struct {
	client mqtt.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(o Options) *Client {
	c := &Client{
		log:    logging.Or(o.Logger).With("svc", "mirror"),
		stopCh: make(chan struct{}),
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", o.Broker, o.Port))
	opts.SetClientID(o.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.setConnected(true)
		c.log.Info("mqtt_connected", "broker", o.Broker, "port", o.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.log.Warn("mqtt_connection_lost", "err", err)
	})
	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the first connection, honouring ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("mqtt client stopped")
	default:
	}
	if c.IsConnected() {
		return nil
	}
	token := c.client.Connect()
	for {
		if token.WaitTimeout(200 * time.Millisecond) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("mqtt client stopped")
		default:
		}
	}
}

// Publish sends payload at QoS 1.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	ok := c.connected
	c.mu.RUnlock()
	return ok && c.client.IsConnected()
}

// Disconnect stops the client. Safe to call more than once.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.client.Disconnect(250)
	c.setConnected(false)
	c.log.Info("mqtt_disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
