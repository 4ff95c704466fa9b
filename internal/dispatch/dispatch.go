// Package dispatch runs the worker pool that drains the request queue and
// drives each request through its lifecycle: session prep, inference behind
// the slot semaphore, session finalize, reply publish.
//
// Workers hold a session lock only during prep and finalize. The backend
// call runs between the two with no lock held, bounded by the inference
// semaphore so that queue drain continues while the backend is saturated.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/parley/internal/chat"
	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/project"
	"github.com/MrWong99/parley/internal/queue"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// defaultPublishTimeout bounds reply publishes so a dead broker cannot wedge
// a worker.
const defaultPublishTimeout = 10 * time.Second

// Config wires a Pool to its collaborators.
type Config struct {
	Queue     *queue.Queue
	Sessions  *session.Registry
	Projects  *project.Registry
	Provider  llm.Provider
	Publisher gateway.Publisher

	// Breaker optionally guards backend calls. Nil disables breaking.
	Breaker *resilience.Breaker

	Stats   *observe.Stats
	Metrics *observe.Metrics
	Log     *slog.Logger

	// NumWorkers is the fixed pool size; must exceed InferenceSlots.
	NumWorkers int

	// InferenceSlots caps concurrent backend calls.
	InferenceSlots int

	// MaxHistoryTokens is the per-session dialog budget applied after every
	// assistant turn.
	MaxHistoryTokens int

	// RateLimit is the per-session fixed-window quota.
	RateLimit session.RateLimit

	// Defaults are the generation parameters used when neither project nor
	// request overrides them.
	Defaults llm.GenParams

	// PublishTimeout bounds each reply publish. Zero uses a default.
	PublishTimeout time.Duration
}

// Pool is the fixed set of workers draining the request queue.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted
	log *slog.Logger
}

// NewPool validates cfg and creates the pool without starting workers.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("dispatch: NumWorkers must be positive")
	}
	if cfg.InferenceSlots <= 0 {
		return nil, fmt.Errorf("dispatch: InferenceSlots must be positive")
	}
	if cfg.NumWorkers <= cfg.InferenceSlots {
		return nil, fmt.Errorf("dispatch: NumWorkers (%d) must exceed InferenceSlots (%d)",
			cfg.NumWorkers, cfg.InferenceSlots)
	}
	if cfg.Queue == nil || cfg.Sessions == nil || cfg.Projects == nil ||
		cfg.Provider == nil || cfg.Publisher == nil {
		return nil, fmt.Errorf("dispatch: Queue, Sessions, Projects, Provider, and Publisher are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = &observe.Stats{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Pool{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.InferenceSlots)),
		log: cfg.Log,
	}, nil
}

// Run starts the workers and blocks until the queue is closed and drained,
// or ctx ends. It always returns nil on an orderly stop.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		worker := i
		g.Go(func() error {
			p.runWorker(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

// runWorker is one executor's dequeue loop.
func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.log.With("worker", id)
	for {
		req, err := p.cfg.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				log.Debug("queue closed, worker exiting")
			}
			return
		}
		p.process(ctx, log, req)
	}
}

// process drives one request through the full state machine. Per-request
// failures never escape: every accepted request yields exactly one published
// reply, success or error.
func (p *Pool) process(ctx context.Context, log *slog.Logger, req *gateway.Request) {
	p.cfg.Metrics.QueueDepth.Add(context.Background(), -1)

	log = log.With(
		"project", req.Project,
		"session_id", req.SessionID,
		"trace_id", req.TraceID,
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing request",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			p.finish(log, req, &gateway.Reply{
				SessionID: req.SessionID,
				RequestID: req.RequestID,
				Err:       gateway.E(gateway.KindInternal, "internal error"),
			})
		}
	}()

	now := time.Now()
	if req.Expired(now) {
		p.finish(log, req, &gateway.Reply{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Err:       gateway.E(gateway.KindTimeout, "request expired before processing"),
		})
		return
	}

	proj, ok := p.cfg.Projects.Lookup(req.Project)
	if !ok {
		// Subscribed topics always resolve; reaching this is a wiring bug.
		p.finish(log, req, &gateway.Reply{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Err:       gateway.Ef(gateway.KindInternal, "unknown project %q", req.Project),
		})
		return
	}

	// SESSION_PREP: rate limit, append user turn, snapshot dialog.
	rec := p.cfg.Sessions.GetOrCreate(req.Project, req.SessionID, now)
	snapshot, err := rec.BeginTurn(now, req.UserMessage, p.cfg.RateLimit)
	if err != nil {
		p.finish(log, req, &gateway.Reply{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Err:       gateway.E(gateway.KindRateLimited, "session request quota exceeded"),
		})
		return
	}

	systemPrompt := proj.SystemPrompt
	if req.SystemPrompt != "" {
		systemPrompt = req.SystemPrompt
	}
	messages := chat.Compose(systemPrompt, snapshot, req.UserMessage)
	params := p.resolveParams(proj, req)

	// INFERENCE_WAIT: the slot semaphore bounds concurrent backend calls
	// independently of worker count. The request deadline applies here too.
	infCtx := ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		infCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if err := p.sem.Acquire(infCtx, 1); err != nil {
		p.finish(log, req, &gateway.Reply{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Err:       gateway.E(gateway.KindTimeout, "timed out waiting for an inference slot"),
		})
		return
	}

	// INFERENCE_ACTIVE.
	p.cfg.Metrics.InFlightInference.Add(context.Background(), 1)
	start := time.Now()
	resp, callErr := p.complete(infCtx, llm.CompletionRequest{
		Messages: messages,
		Params:   params,
	})
	latency := time.Since(start)

	// INFERENCE_DONE: release the slot before touching the session again.
	p.sem.Release(1)
	p.cfg.Metrics.InFlightInference.Add(context.Background(), -1)
	p.cfg.Stats.InferenceDone(latency)
	p.cfg.Metrics.RecordInference(context.Background(), latency)

	if callErr != nil {
		p.finish(log, req, &gateway.Reply{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Err:       backendError(callErr),
			Latency:   latency,
		})
		return
	}

	// SESSION_FINALIZE: append the assistant turn and trim.
	rec.FinishTurn(time.Now(), resp.Content, p.cfg.MaxHistoryTokens)

	p.finish(log, req, &gateway.Reply{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Response:  resp.Content,
		Latency:   latency,
	})
}

// complete calls the provider, through the breaker when one is configured.
func (p *Pool) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.cfg.Breaker == nil {
		return p.cfg.Provider.Complete(ctx, req)
	}
	var resp *llm.CompletionResponse
	err := p.cfg.Breaker.Execute(func() error {
		var callErr error
		resp, callErr = p.cfg.Provider.Complete(ctx, req)
		return callErr
	})
	return resp, err
}

// resolveParams layers request overrides onto project defaults and clamps
// the result into the ranges the backend accepts.
func (p *Pool) resolveParams(proj project.Project, req *gateway.Request) llm.GenParams {
	params := proj.Defaults
	if params == (llm.GenParams{}) {
		params = p.cfg.Defaults
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}

	params.Temperature = clamp(params.Temperature, 0, 2)
	params.TopP = clamp(params.TopP, 0, 1)
	if params.MaxTokens < 0 {
		params.MaxTokens = 0
	}
	return params
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// backendError maps provider errors onto the gateway error taxonomy.
func backendError(err error) *gateway.Error {
	if errors.Is(err, resilience.ErrBreakerOpen) {
		return gateway.E(gateway.KindBackendTransport, "backend temporarily unavailable")
	}

	var lerr *llm.Error
	if errors.As(err, &lerr) {
		switch lerr.Class {
		case llm.ClassCancelled:
			return gateway.E(gateway.KindTimeout, "inference deadline exceeded")
		case llm.ClassHTTP:
			return gateway.Ef(gateway.KindBackendHTTP, "backend returned status %d", lerr.Status)
		case llm.ClassDecode:
			return gateway.E(gateway.KindBackendDecode, "backend response could not be decoded")
		default:
			return gateway.E(gateway.KindBackendTransport, "backend unreachable")
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return gateway.E(gateway.KindTimeout, "inference deadline exceeded")
	}
	return gateway.Wrap(gateway.KindInternal, err)
}

// finish publishes the reply and records the outcome. The publish uses its
// own timeout context so that shutdown of the worker ctx does not prevent
// the final reply from going out.
func (p *Pool) finish(log *slog.Logger, req *gateway.Request, reply *gateway.Reply) {
	reply.Timestamp = time.Now()

	payload, err := reply.Encode()
	if err != nil {
		log.Error("encode reply", "error", err)
		p.cfg.Stats.RequestDone(true)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	if err := p.cfg.Publisher.Publish(pubCtx, req.ReplyTopic, payload); err != nil {
		log.Error("publish reply failed",
			"topic", req.ReplyTopic,
			"error", err,
		)
		p.cfg.Stats.PublishFailed()
		p.cfg.Metrics.PublishFailures.Add(context.Background(), 1)
		p.cfg.Metrics.RecordError(context.Background(), string(gateway.KindPublishFailed))
	}

	failed := reply.Err != nil
	p.cfg.Stats.RequestDone(failed)
	status := "ok"
	if failed {
		status = string(reply.Err.Kind)
		p.cfg.Metrics.RecordError(context.Background(), status)
		log.Warn("request failed",
			"kind", status,
			"detail", reply.Err.Detail,
		)
	} else {
		log.Debug("request completed", "latency", reply.Latency.Round(time.Millisecond).String())
	}
	p.cfg.Metrics.RecordRequest(context.Background(), req.Project, status)
}
