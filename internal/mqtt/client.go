// Package mqtt connects nodes and the reference authority to a broker.
// It is optional; nothing in the control loop depends on it.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BrandonDHaskell/Portunus/node/internal/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnect      = 2 * time.Minute
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrTimeout          = errors.New("mqtt: operation timed out")
)

// MessageHandler handles one message. Returned errors are logged.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	topic   string
	handler MessageHandler
}

// Client wraps a paho client with a retained status topic, a last will,
// and subscriptions restored on every reconnect.
type Client struct {
	client      pahomqtt.Client
	qos         byte
	clientID    string
	statusTopic string
	logger      *slog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

// Connect dials the broker. The broker publishes an "offline" status on
// statusTopic if the client disappears without Close.
func Connect(cfg config.MQTTConfig, clientID, statusTopic string, logger *slog.Logger) (*Client, error) {
	c := &Client{
		qos:         byte(cfg.QoS),
		clientID:    clientID,
		statusTopic: statusTopic,
		logger:      logger,
		subs:        make(map[string]subscription),
	}

	opts := buildClientOptions(cfg, clientID)
	opts.SetWill(statusTopic, string(statusPayload(clientID, "offline", "unexpected_disconnect", time.Now())), c.qos, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	return opts
}

// handleConnect runs on the first connect and every reconnect.
func (c *Client) handleConnect() {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.client.Subscribe(s.topic, c.qos, c.wrapHandler(s.handler))
	}
	c.client.Publish(c.statusTopic, c.qos, true, statusPayload(c.clientID, "online", "", time.Now()))
	c.logger.Info("mqtt connected", "status_topic", c.statusTopic, "subscriptions", len(subs))
}

// Subscribe registers handler for topic and keeps it across reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{topic: topic, handler: handler}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, c.wrapHandler(handler))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.client.IsConnected() {
		token := c.client.Publish(c.statusTopic, c.qos, true,
			statusPayload(c.clientID, "offline", "graceful_shutdown", time.Now()))
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	return nil
}

func (c *Client) wrapHandler(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		dispatch(c.logger, h, msg.Topic(), msg.Payload())
	}
}

// dispatch runs h with panic recovery. Paho invokes handlers on its own
// goroutines.
func dispatch(logger *slog.Logger, h MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("mqtt handler panic recovered", "topic", topic, "panic", r)
		}
	}()
	if err := h(topic, payload); err != nil {
		logger.Warn("mqtt handler returned error", "topic", topic, "error", err)
	}
}

type status struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(clientID, state, reason string, at time.Time) []byte {
	data, _ := json.Marshal(status{
		Status:    state,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	return data
}
