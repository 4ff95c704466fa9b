package mqttio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/project"
	"github.com/MrWong99/parley/internal/queue"
)

// errorPublishTimeout bounds the synchronous error publishes done on the
// broker's receive path.
const errorPublishTimeout = 5 * time.Second

// IngressConfig wires an Ingress to its collaborators.
type IngressConfig struct {
	Projects  *project.Registry
	Queue     *queue.Queue
	Publisher gateway.Publisher
	Stats     *observe.Stats
	Metrics   *observe.Metrics
	Log       *slog.Logger

	// RequestTTL is the deadline budget given to each accepted request.
	RequestTTL time.Duration

	// PlainTextSessionIndex selects the topic level carrying the session id
	// for non-JSON payloads. Negative disables the fallback.
	PlainTextSessionIndex int
}

// Ingress turns inbound MQTT messages into queued requests. Rejections
// (malformed frames, full queue) are answered synchronously with an error
// reply when a reply topic can be formed, so the broker's receive path never
// blocks on the worker pool.
type Ingress struct {
	projects *project.Registry
	queue    *queue.Queue
	pub      gateway.Publisher
	stats    *observe.Stats
	metrics  *observe.Metrics
	log      *slog.Logger

	requestTTL   time.Duration
	sessionIndex int
}

// NewIngress creates an Ingress from cfg. Stats, Metrics, and Log fall back
// to process-wide defaults when nil.
func NewIngress(cfg IngressConfig) *Ingress {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = &observe.Stats{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Ingress{
		projects:     cfg.Projects,
		queue:        cfg.Queue,
		pub:          cfg.Publisher,
		stats:        stats,
		metrics:      metrics,
		log:          log,
		requestTTL:   cfg.RequestTTL,
		sessionIndex: cfg.PlainTextSessionIndex,
	}
}

// HandleMessage processes one inbound MQTT message. It is invoked from the
// MQTT client's receive path and must return promptly.
func (in *Ingress) HandleMessage(topic string, payload []byte) {
	p, ok := in.projects.LookupTopic(topic)
	if !ok {
		in.log.Warn("message on unknown topic dropped", "topic", topic)
		return
	}

	var frame *Frame
	if looksLikeJSON(payload) {
		f, gerr := ParseFrame(payload)
		if gerr != nil {
			in.rejectFrame(p, topic, f, gerr)
			return
		}
		frame = f
	} else {
		f, ok := plainTextFrame(topic, payload, in.sessionIndex)
		if !ok {
			in.log.Warn("undecodable payload dropped",
				"project", p.Name,
				"topic", topic,
				"bytes", len(payload),
			)
			return
		}
		frame = f
	}

	now := time.Now()
	req := &gateway.Request{
		Project:      p.Name,
		SessionID:    frame.SessionID,
		RequestID:    frame.RequestID,
		TraceID:      uuid.NewString(),
		UserMessage:  frame.Message,
		ReplyTopic:   frame.ReplyTopic,
		SystemPrompt: frame.SystemPrompt,
		Temperature:  frame.Temperature,
		TopP:         frame.TopP,
		MaxTokens:    frame.MaxTokens,
		EnqueuedAt:   now,
	}
	if req.ReplyTopic == "" {
		req.ReplyTopic = p.ReplyTopic(frame.SessionID)
	}
	if in.requestTTL > 0 {
		req.Deadline = now.Add(in.requestTTL)
	}

	switch err := in.queue.Enqueue(req); {
	case err == nil:
		in.metrics.QueueDepth.Add(context.Background(), 1)
		in.log.Debug("request enqueued",
			"project", p.Name,
			"session_id", req.SessionID,
			"trace_id", req.TraceID,
		)

	case errors.Is(err, queue.ErrFull):
		in.log.Warn("queue full, rejecting request",
			"project", p.Name,
			"session_id", req.SessionID,
		)
		in.publishError(req.ReplyTopic, req.RequestID, req.SessionID,
			gateway.E(gateway.KindBackpressure, "request queue is full"))
		in.stats.RequestDone(true)
		in.metrics.RecordRequest(context.Background(), p.Name, string(gateway.KindBackpressure))

	case errors.Is(err, queue.ErrClosed):
		in.log.Warn("gateway shutting down, dropping request",
			"project", p.Name,
			"session_id", req.SessionID,
		)

	default:
		in.log.Error("enqueue failed", "error", err)
	}
}

// rejectFrame answers a malformed frame with a best-effort bad_request
// reply. When no reply topic can be formed the frame is dropped with a log
// line only.
func (in *Ingress) rejectFrame(p project.Project, topic string, f *Frame, gerr *gateway.Error) {
	in.stats.RequestDone(true)
	in.metrics.RecordRequest(context.Background(), p.Name, string(gerr.Kind))
	in.metrics.RecordError(context.Background(), string(gerr.Kind))

	replyTopic := ""
	requestID := ""
	sessionID := ""
	if f != nil {
		requestID = f.RequestID
		sessionID = f.SessionID
		switch {
		case f.ReplyTopic != "":
			replyTopic = f.ReplyTopic
		case f.SessionID != "":
			replyTopic = p.ReplyTopic(f.SessionID)
		}
	}
	if replyTopic == "" {
		in.log.Warn("invalid frame dropped, no reply topic derivable",
			"project", p.Name,
			"topic", topic,
			"error", gerr.Detail,
		)
		return
	}
	in.publishError(replyTopic, requestID, sessionID, gerr)
}

// publishError synchronously publishes an error reply. Failures are logged
// and counted; there is nothing further to send.
func (in *Ingress) publishError(topic, requestID, sessionID string, gerr *gateway.Error) {
	reply := &gateway.Reply{
		SessionID: sessionID,
		RequestID: requestID,
		Err:       gerr,
		Timestamp: time.Now(),
	}
	payload, err := reply.Encode()
	if err != nil {
		in.log.Error("encode error reply", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), errorPublishTimeout)
	defer cancel()
	if err := in.pub.Publish(ctx, topic, payload); err != nil {
		in.log.Error("publish error reply failed",
			"topic", topic,
			"error", err,
		)
		in.stats.PublishFailed()
		in.metrics.PublishFailures.Add(context.Background(), 1)
	}
}
