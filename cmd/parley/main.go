// Command parley is the main entry point for the Parley inference gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	logLevel := flag.String("log_level", "", "log verbosity: debug, info, warn, error")
	listenAddr := flag.String("listen_addr", "", "address for the health and metrics endpoints (empty disables)")

	projects := flag.String("projects", "", "comma-separated project names to enable")
	backendURL := flag.String("backend_url", "", "HTTP base of the inference backend")
	mqttBroker := flag.String("mqtt_broker", "", "MQTT broker hostname")
	mqttPort := flag.Int("mqtt_port", 0, "MQTT broker port")
	mqttUsername := flag.String("mqtt_username", "", "MQTT username")
	mqttPassword := flag.String("mqtt_password", "", "MQTT password")

	numWorkers := flag.Int("num_workers", 0, "queue-draining worker count")
	inferenceSlots := flag.Int("inference_slots", 0, "concurrent backend call cap (must be below num_workers)")
	queueCapacity := flag.Int("queue_capacity", 0, "bounded request queue size")

	maxSessions := flag.Int("max_concurrent_sessions", 0, "live session cap before LRU eviction")
	sessionTimeout := flag.Duration("session_timeout", 0, "idle age before a session is reaped")
	maxHistoryTokens := flag.Int("max_history_tokens", 0, "per-session dialog token budget")
	maxPerWindow := flag.Int("max_requests_per_session_per_window", 0, "per-session rate limit (0 disables)")
	windowDuration := flag.Duration("window_duration", 0, "rate limit window length")

	requestTTL := flag.Duration("request_ttl", 0, "per-request deadline measured from enqueue")
	shutdownDeadline := flag.Duration("shutdown_deadline", 0, "drain budget on shutdown")

	defaultTemperature := flag.Float64("default_temperature", 0, "default sampling temperature")
	defaultTopP := flag.Float64("default_top_p", 0, "default nucleus sampling cutoff")
	defaultMaxTokens := flag.Int("default_max_tokens", 0, "default completion token limit")
	defaultEnableThinking := flag.Bool("default_enable_thinking", false, "request reasoning traces from the backend by default")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "parley: %v\n", err)
			}
			return 1
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	// MQTT credentials and the backend API key may come from the environment
	// (.env supported) so they stay out of config files and shell history.
	_ = godotenv.Load()
	if cfg.MQTT.Username == "" {
		cfg.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if cfg.MQTT.Password == "" {
		cfg.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}
	if cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = os.Getenv("BACKEND_API_KEY")
	}

	// Flags set on the command line override the file. flag.Visit only walks
	// flags that were explicitly set, so zero values never clobber the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log_level":
			cfg.Server.LogLevel = config.LogLevel(*logLevel)
		case "listen_addr":
			cfg.Server.ListenAddr = *listenAddr
		case "projects":
			cfg.Projects = selectProjects(cfg.Projects, *projects)
		case "backend_url":
			cfg.Backend.URL = *backendURL
		case "mqtt_broker":
			cfg.MQTT.Broker = *mqttBroker
		case "mqtt_port":
			cfg.MQTT.Port = *mqttPort
		case "mqtt_username":
			cfg.MQTT.Username = *mqttUsername
		case "mqtt_password":
			cfg.MQTT.Password = *mqttPassword
		case "num_workers":
			cfg.Dispatch.NumWorkers = *numWorkers
		case "inference_slots":
			cfg.Dispatch.InferenceSlots = *inferenceSlots
		case "queue_capacity":
			cfg.Dispatch.QueueCapacity = *queueCapacity
		case "max_concurrent_sessions":
			cfg.Sessions.MaxConcurrent = *maxSessions
		case "session_timeout":
			cfg.Sessions.Timeout = config.Duration(*sessionTimeout)
		case "max_history_tokens":
			cfg.Sessions.MaxHistoryTokens = *maxHistoryTokens
		case "max_requests_per_session_per_window":
			cfg.Sessions.MaxRequestsPerWindow = *maxPerWindow
		case "window_duration":
			cfg.Sessions.WindowDuration = config.Duration(*windowDuration)
		case "request_ttl":
			cfg.Dispatch.RequestTTL = config.Duration(*requestTTL)
		case "shutdown_deadline":
			cfg.Dispatch.ShutdownDeadline = config.Duration(*shutdownDeadline)
		case "default_temperature":
			cfg.Defaults.Temperature = *defaultTemperature
		case "default_top_p":
			cfg.Defaults.TopP = *defaultTopP
		case "default_max_tokens":
			cfg.Defaults.MaxTokens = *defaultMaxTokens
		case "default_enable_thinking":
			cfg.Defaults.EnableThinking = *defaultEnableThinking
		}
	})

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parley: invalid configuration:\n%v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics provider shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	slog.Info("gateway ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, app.ErrStartup) {
			slog.Error("startup error", "err", err)
			return 1
		}
		slog.Error("run error", "err", err)
		return 2
	}

	slog.Info("goodbye")
	return 0
}

// selectProjects filters configured to the comma-separated names in list.
// Names without a configured entry become bare projects with conventional
// topics and no system prompt.
func selectProjects(configured []config.ProjectConfig, list string) []config.ProjectConfig {
	var out []config.ProjectConfig
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		idx := slices.IndexFunc(configured, func(p config.ProjectConfig) bool {
			return p.Name == name
		})
		if idx >= 0 {
			out = append(out, configured[idx])
		} else {
			out = append(out, config.ProjectConfig{Name: name})
		}
	}
	return out
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Backend", cfg.Backend.Provider+" / "+cfg.Backend.Model)
	printEntry("Backend URL", cfg.Backend.URL)
	printEntry("MQTT broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker, cfg.MQTT.Port))
	printEntry("Projects", fmt.Sprintf("%d", len(cfg.Projects)))
	printEntry("Workers", fmt.Sprintf("%d (slots %d)", cfg.Dispatch.NumWorkers, cfg.Dispatch.InferenceSlots))
	printEntry("Queue cap", fmt.Sprintf("%d", cfg.Dispatch.QueueCapacity))
	if cfg.Server.ListenAddr != "" {
		printEntry("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s   : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
