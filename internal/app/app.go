// Package app wires all Parley subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates all subsystems from
// config, Run connects to the broker and blocks until the context ends, then
// drains in-flight work within the shutdown deadline.
//
// For testing, inject mock implementations via functional options
// (WithProvider, WithBroker). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/mqttio"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/project"
	"github.com/MrWong99/parley/internal/queue"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	"github.com/MrWong99/parley/pkg/provider/llm/openai"
)

// connectAttempts bounds initial broker connection retries before startup
// fails.
const connectAttempts = 8

// ErrStartup marks failures that occur before the gateway begins serving,
// such as an unreachable broker. Callers can map these to a distinct exit
// code.
var ErrStartup = errors.New("startup failure")

// Broker is the slice of the MQTT client the app depends on. The real
// implementation is [mqttio.Client]; tests inject a double.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler mqttio.MessageHandler) error
	Connected() bool
	Disconnect(quiesce time.Duration)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	projects *project.Registry
	sessions *session.Registry
	queue    *queue.Queue
	stats    *observe.Stats
	metrics  *observe.Metrics
	pool     *dispatch.Pool
	ingress  *mqttio.Ingress
	provider llm.Provider
	breaker  *resilience.Breaker

	broker Broker
	// client is the real MQTT client when one was constructed; nil when a
	// Broker was injected.
	client *mqttio.Client
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects an inference provider instead of building one from
// config.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithBroker injects a broker client instead of connecting to a real MQTT
// broker.
func WithBroker(b Broker) Option {
	return func(a *App) { a.broker = b }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. cfg must already be
// validated.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	projects, err := buildProjects(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build projects: %w", err)
	}
	a.projects = projects

	a.stats = &observe.Stats{}
	a.metrics = observe.DefaultMetrics()
	a.sessions = session.NewRegistry(cfg.Sessions.MaxConcurrent, a.log, a.metrics)
	a.queue = queue.New(cfg.Dispatch.QueueCapacity)

	if a.provider == nil {
		p, err := buildProvider(cfg.Backend)
		if err != nil {
			return nil, fmt.Errorf("app: build provider: %w", err)
		}
		a.provider = p
	}

	if a.broker == nil {
		client := mqttio.NewClient(mqttio.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
			Log:      a.log,
		})
		a.client = client
		a.broker = client
	}

	a.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name: "inference-backend",
		IsFailure: func(err error) bool {
			// Client-side cancellations say nothing about backend health.
			return llm.Classify(err) != llm.ClassCancelled
		},
	})

	pool, err := dispatch.NewPool(dispatch.Config{
		Queue:            a.queue,
		Sessions:         a.sessions,
		Projects:         a.projects,
		Provider:         a.provider,
		Publisher:        a.broker,
		Breaker:          a.breaker,
		Stats:            a.stats,
		Metrics:          a.metrics,
		Log:              a.log,
		NumWorkers:       cfg.Dispatch.NumWorkers,
		InferenceSlots:   cfg.Dispatch.InferenceSlots,
		MaxHistoryTokens: cfg.Sessions.MaxHistoryTokens,
		RateLimit: session.RateLimit{
			MaxPerWindow: cfg.Sessions.MaxRequestsPerWindow,
			Window:       cfg.Sessions.WindowDuration.Std(),
		},
		Defaults: llm.GenParams{
			Temperature:    cfg.Defaults.Temperature,
			TopP:           cfg.Defaults.TopP,
			MaxTokens:      cfg.Defaults.MaxTokens,
			EnableThinking: cfg.Defaults.EnableThinking,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: build worker pool: %w", err)
	}
	a.pool = pool

	a.ingress = mqttio.NewIngress(mqttio.IngressConfig{
		Projects:              a.projects,
		Queue:                 a.queue,
		Publisher:             a.broker,
		Stats:                 a.stats,
		Metrics:               a.metrics,
		Log:                   a.log,
		RequestTTL:            cfg.Dispatch.RequestTTL.Std(),
		PlainTextSessionIndex: cfg.MQTT.PlainTextSessionIndex,
	})

	return a, nil
}

// Ingress exposes the ingress handler, mainly for tests that feed frames
// without a broker.
func (a *App) Ingress() *mqttio.Ingress { return a.ingress }

// Sessions exposes the session registry for tests.
func (a *App) Sessions() *session.Registry { return a.sessions }

// Run connects to the broker, subscribes each project's input topic, starts
// the background tasks and the worker pool, and blocks until ctx ends. It
// then stops ingress, drains queued work within the shutdown deadline, and
// disconnects.
func (a *App) Run(ctx context.Context) error {
	if a.client != nil {
		if err := a.client.Connect(ctx, resilience.DefaultBackoff, connectAttempts); err != nil {
			return fmt.Errorf("app: connect mqtt broker: %w", errors.Join(ErrStartup, err))
		}
	}
	for _, p := range a.projects.All() {
		topics := []string{p.InputTopic}
		// Plain-text payloads carry their session id in an extra topic
		// level, which the exact input subscription never receives.
		if a.cfg.MQTT.PlainTextSessionIndex >= 0 && !strings.ContainsAny(p.InputTopic, "+#") {
			topics = append(topics, p.InputTopic+"/+")
		}
		for _, topic := range topics {
			if err := a.broker.Subscribe(topic, a.ingress.HandleMessage); err != nil {
				return fmt.Errorf("app: subscribe project %q: %w", p.Name, errors.Join(ErrStartup, err))
			}
		}
	}

	// The pool runs on its own context so workers can keep draining after
	// the run context is cancelled.
	poolCtx, forceStop := context.WithCancel(context.Background())
	defer forceStop()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(poolCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sessions.RunReaper(gctx, a.cfg.Sessions.ReaperInterval.Std(), a.cfg.Sessions.Timeout.Std())
		return nil
	})
	g.Go(func() error {
		a.stats.RunLogger(gctx, a.log, a.cfg.Server.StatsInterval.Std())
		return nil
	})
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		handler := health.New(
			health.Checker{
				Name: "mqtt",
				Check: func(context.Context) error {
					if !a.broker.Connected() {
						return errors.New("broker connection down")
					}
					return nil
				},
			},
			health.Checker{
				Name: "backend",
				Check: func(context.Context) error {
					if a.breaker.State() == resilience.StateOpen {
						return errors.New("circuit open after repeated backend failures")
					}
					return nil
				},
			},
		)
		g.Go(func() error {
			return handler.Serve(gctx, addr, a.log)
		})
	}

	a.log.Info("gateway running",
		"projects", len(a.projects.All()),
		"workers", a.cfg.Dispatch.NumWorkers,
		"inference_slots", a.cfg.Dispatch.InferenceSlots,
	)

	runErr := g.Wait()

	// Shutdown: refuse new work, drain what was accepted.
	a.log.Info("shutting down, draining queue", "queued", a.queue.Len())
	a.queue.Close()
	select {
	case <-poolDone:
	case <-time.After(a.cfg.Dispatch.ShutdownDeadline.Std()):
		a.log.Warn("shutdown deadline exceeded, stopping workers")
		forceStop()
		<-poolDone
	}
	a.broker.Disconnect(time.Second)
	a.log.Info("shutdown complete",
		"requests_total", a.stats.Requests(),
		"errors_total", a.stats.Errors(),
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// buildProjects materialises the project registry from config, filling in
// the conventional topics where the config leaves them empty.
func buildProjects(cfg *config.Config) (*project.Registry, error) {
	defaults := llm.GenParams{
		Temperature:    cfg.Defaults.Temperature,
		TopP:           cfg.Defaults.TopP,
		MaxTokens:      cfg.Defaults.MaxTokens,
		EnableThinking: cfg.Defaults.EnableThinking,
	}

	projects := make([]project.Project, 0, len(cfg.Projects))
	for _, pc := range cfg.Projects {
		p := project.New(pc.Name, pc.SystemPrompt, defaults)
		if pc.InputTopic != "" {
			p.InputTopic = pc.InputTopic
		}
		if pc.ReplyTopicTemplate != "" {
			p.ReplyTopicTemplate = pc.ReplyTopicTemplate
		}
		projects = append(projects, p)
	}
	return project.NewRegistry(projects)
}

// buildProvider constructs the inference provider selected by the backend
// config.
func buildProvider(cfg config.BackendConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{openai.WithBaseURL(cfg.URL)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.APIKey))
		}
		return openai.New(cfg.Model, opts...)
	default:
		return anyllm.New(cfg.Provider, cfg.Model,
			anyllm.BackendOptions(cfg.URL, cfg.APIKey)...)
	}
}
