package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/mqttio"
	"github.com/MrWong99/parley/internal/mqttio/mock"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

// fakeBroker is an in-process Broker: published messages are recorded and
// inbound frames are injected directly into subscribed handlers.
type fakeBroker struct {
	*mock.Publisher

	mu       sync.Mutex
	handlers map[string]mqttio.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		Publisher: mock.NewPublisher(),
		handlers:  make(map[string]mqttio.MessageHandler),
	}
}

func (b *fakeBroker) Subscribe(topic string, h mqttio.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBroker) Connected() bool { return true }

func (b *fakeBroker) Disconnect(time.Duration) {}

// inject delivers a payload as if the broker had routed it, honouring
// single-level wildcard subscriptions the way a real broker would.
func (b *fakeBroker) inject(t *testing.T, topic string, payload string) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[topic]
	if !ok {
		for filter, fh := range b.handlers {
			if filterDelivers(filter, topic) {
				h, ok = fh, true
				break
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription matching topic %q", topic)
	}
	h(topic, []byte(payload))
}

// filterDelivers reports whether a "<prefix>/+" filter covers topic.
func filterDelivers(filter, topic string) bool {
	prefix, ok := strings.CutSuffix(filter, "/+")
	if !ok {
		return false
	}
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Backend.URL = "http://127.0.0.1:8080"
	cfg.MQTT.Broker = "localhost"
	cfg.MQTT.PlainTextSessionIndex = -1
	cfg.Dispatch.NumWorkers = 2
	cfg.Dispatch.InferenceSlots = 1
	cfg.Dispatch.QueueCapacity = 8
	cfg.Dispatch.ShutdownDeadline = config.Duration(5 * time.Second)
	cfg.Projects = []config.ProjectConfig{
		{Name: "general", SystemPrompt: "SYS"},
	}
	return cfg
}

// startApp builds and runs an App against a fake broker and mock provider.
func startApp(t *testing.T, cfg *config.Config) (*App, *fakeBroker, *llmmock.Provider, context.CancelFunc) {
	t.Helper()

	broker := newFakeBroker()
	provider := &llmmock.Provider{Response: "hi"}

	a, err := New(cfg, WithBroker(broker), WithProvider(provider))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	// Wait until the input topic subscription is in place.
	deadline := time.Now().Add(2 * time.Second)
	for {
		broker.mu.Lock()
		_, subscribed := broker.handlers["general/user_input"]
		broker.mu.Unlock()
		if subscribed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("app never subscribed to the input topic")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return a, broker, provider, cancel
}

func nextReply(t *testing.T, broker *fakeBroker) (string, map[string]any) {
	t.Helper()
	select {
	case msg := <-broker.Chan():
		var m map[string]any
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			t.Fatalf("reply is not JSON: %v", err)
		}
		return msg.Topic, m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return "", nil
	}
}

func TestEndToEndBasicTurn(t *testing.T) {
	a, broker, _, _ := startApp(t, testConfig())

	broker.inject(t, "general/user_input",
		`{"sessionId":"s1","message":"hello","requestId":"r1"}`)

	topic, reply := nextReply(t, broker)
	if topic != "general/assistant_response/s1" {
		t.Errorf("reply topic = %q", topic)
	}
	if reply["response"] != "hi" || reply["requestId"] != "r1" {
		t.Errorf("reply = %v", reply)
	}

	rec, ok := a.Sessions().Lookup("general", "s1")
	if !ok {
		t.Fatal("session should exist")
	}
	if got := len(rec.Dialog()); got != 2 {
		t.Errorf("dialog length = %d, want 2", got)
	}
}

func TestEndToEndCustomReplyTopic(t *testing.T) {
	_, broker, _, _ := startApp(t, testConfig())

	broker.inject(t, "general/user_input",
		`{"sessionId":"s2","message":"q","requestId":"r2","replyTopic":"custom/out/abc"}`)

	topic, reply := nextReply(t, broker)
	if topic != "custom/out/abc" {
		t.Errorf("reply topic = %q, want custom/out/abc", topic)
	}
	if reply["requestId"] != "r2" {
		t.Errorf("requestId = %v", reply["requestId"])
	}
}

func TestEndToEndBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.QueueCapacity = 1
	_, broker, provider, _ := startApp(t, cfg)
	provider.Delay = 300 * time.Millisecond

	// Workers pick up the first request; the second fills the queue; the
	// third overflows.
	broker.inject(t, "general/user_input", `{"sessionId":"s1","message":"one"}`)
	time.Sleep(50 * time.Millisecond)
	broker.inject(t, "general/user_input", `{"sessionId":"s2","message":"two"}`)
	broker.inject(t, "general/user_input", `{"sessionId":"s3","message":"three","requestId":"r3"}`)

	var sawBackpressure bool
	for i := 0; i < 3; i++ {
		_, reply := nextReply(t, broker)
		if reply["error"] == "backpressure" {
			sawBackpressure = true
			if reply["requestId"] != "r3" {
				t.Errorf("backpressure requestId = %v, want r3", reply["requestId"])
			}
		}
	}
	if !sawBackpressure {
		t.Error("expected one backpressure error reply")
	}
}

func TestEndToEndRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions.MaxRequestsPerWindow = 2
	cfg.Sessions.WindowDuration = config.Duration(10 * time.Second)
	_, broker, _, _ := startApp(t, cfg)

	for _, id := range []string{"r1", "r2", "r3"} {
		broker.inject(t, "general/user_input",
			`{"sessionId":"limited","message":"m","requestId":"`+id+`"}`)
		// Serialize turns so the third is deterministically over quota.
		_, reply := nextReply(t, broker)
		if id == "r3" {
			if reply["error"] != "rate_limited" {
				t.Errorf("third reply = %v, want rate_limited", reply)
			}
		} else if reply["response"] != "hi" {
			t.Errorf("reply %s = %v, want success", id, reply)
		}
	}
}

func TestEndToEndPlainText(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.PlainTextSessionIndex = 2
	_, broker, _, _ := startApp(t, cfg)

	// The session-bearing wildcard topic must be subscribed alongside the
	// exact input topic, otherwise plain-text frames never arrive.
	broker.mu.Lock()
	_, wildcard := broker.handlers["general/user_input/+"]
	broker.mu.Unlock()
	if !wildcard {
		t.Fatal("expected a subscription on general/user_input/+")
	}

	broker.inject(t, "general/user_input/sessPT", "hello in plain text")

	topic, reply := nextReply(t, broker)
	if topic != "general/assistant_response/sessPT" {
		t.Errorf("reply topic = %q", topic)
	}
	if reply["response"] != "hi" {
		t.Errorf("reply = %v", reply)
	}
}

func TestGracefulShutdownDrains(t *testing.T) {
	cfg := testConfig()
	_, broker, provider, cancel := startApp(t, cfg)
	provider.Delay = 100 * time.Millisecond

	broker.inject(t, "general/user_input", `{"sessionId":"s1","message":"one"}`)
	broker.inject(t, "general/user_input", `{"sessionId":"s2","message":"two"}`)
	time.Sleep(10 * time.Millisecond)
	cancel()

	// Both accepted requests still get replies during the drain.
	for i := 0; i < 2; i++ {
		_, reply := nextReply(t, broker)
		if reply["response"] != "hi" {
			t.Errorf("drained reply = %v, want success", reply)
		}
	}
}

func TestNewRejectsBadBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Provider = "unsupported"
	if _, err := New(cfg, WithBroker(newFakeBroker())); err == nil {
		t.Error("expected error for unsupported backend provider")
	}
}
