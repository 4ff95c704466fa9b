package mqttio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/resilience"
)

// qosAtLeastOnce is used for every subscription and publish. Retained
// messages are never used.
const qosAtLeastOnce byte = 1

// MessageHandler receives inbound messages. Implementations must return
// promptly; the paho client dispatches messages from a bounded router.
type MessageHandler func(topic string, payload []byte)

// ClientConfig holds broker connection settings for a [Client].
type ClientConfig struct {
	Broker   string
	Port     int
	Username string
	Password string

	// ClientID identifies this gateway to the broker. A random id is
	// generated when empty.
	ClientID string

	// ConnectBackoff governs initial connection retries. Zero value falls
	// back to [resilience.DefaultBackoff].
	ConnectBackoff resilience.Backoff

	// ConnectAttempts bounds initial connection retries. Zero or negative
	// retries without bound until the context ends.
	ConnectAttempts int

	Log *slog.Logger
}

// Client wraps the paho MQTT client: QoS-1 pub/sub, automatic reconnect,
// and resubscription of all registered handlers after a reconnect.
type Client struct {
	c   mqtt.Client
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// NewClient builds a Client for cfg without connecting. Call Connect before
// Publish or Subscribe.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "parley-" + uuid.NewString()[:8]
	}

	cl := &Client{
		log:  log,
		subs: make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("mqtt connected", "broker", cfg.Broker, "client_id", clientID)
		cl.resubscribe()
	})

	cl.c = mqtt.NewClient(opts)
	return cl
}

// Connect establishes the broker connection, retrying with bounded
// exponential backoff until success, the attempt budget runs out, or ctx
// ends.
func (cl *Client) Connect(ctx context.Context, backoff resilience.Backoff, attempts int) error {
	if backoff == (resilience.Backoff{}) {
		backoff = resilience.DefaultBackoff
	}
	return resilience.Retry(ctx, backoff, attempts, func() error {
		token := cl.c.Connect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-token.Done():
		}
		if err := token.Error(); err != nil {
			cl.log.Warn("mqtt connect attempt failed", "error", err)
			return err
		}
		return nil
	})
}

// Subscribe registers handler for topic at QoS 1. The subscription is
// replayed automatically after every reconnect.
func (cl *Client) Subscribe(topic string, handler MessageHandler) error {
	cl.mu.Lock()
	cl.subs[topic] = handler
	cl.mu.Unlock()

	token := cl.c.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	cl.log.Info("subscribed", "topic", topic)
	return nil
}

// resubscribe replays all registered subscriptions. Called from the
// on-connect handler, which fires for reconnects as well.
func (cl *Client) resubscribe() {
	cl.mu.Lock()
	subs := make(map[string]MessageHandler, len(cl.subs))
	for t, h := range cl.subs {
		subs[t] = h
	}
	cl.mu.Unlock()

	for topic, handler := range subs {
		h := handler
		token := cl.c.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
			h(msg.Topic(), msg.Payload())
		})
		if token.Wait(); token.Error() != nil {
			cl.log.Error("resubscribe failed", "topic", topic, "error", token.Error())
		}
	}
}

// Publish implements [gateway.Publisher]. It sends payload on topic at
// QoS 1 and blocks until the broker acknowledges or ctx ends.
func (cl *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := cl.c.Publish(topic, qosAtLeastOnce, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// Connected reports whether the broker connection is currently open.
func (cl *Client) Connected() bool {
	return cl.c.IsConnectionOpen()
}

// Disconnect closes the broker connection, allowing quiesce for in-flight
// acknowledgements.
func (cl *Client) Disconnect(quiesce time.Duration) {
	cl.c.Disconnect(uint(quiesce.Milliseconds()))
	cl.log.Info("mqtt disconnected")
}

var _ gateway.Publisher = (*Client)(nil)
