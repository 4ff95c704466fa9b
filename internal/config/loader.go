package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendProviders lists the backend adapters the gateway can construct.
var ValidBackendProviders = []string{"openai", "ollama", "llamacpp", "llamafile"}

// Default sizing applied by [ApplyDefaults] for fields left at zero.
const (
	DefaultNumWorkers       = 8
	DefaultInferenceSlots   = 4
	DefaultMaxSessions      = 256
	DefaultMaxHistoryTokens = 2048
	DefaultMQTTPort         = 1883
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with every sizing field at its default, no
// projects, and the backend left unset. Callers fill in the rest from flags.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with workable defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.StatsInterval <= 0 {
		cfg.Server.StatsInterval = Duration(60 * time.Second)
	}
	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "openai"
	}
	if cfg.Backend.Model == "" {
		cfg.Backend.Model = "default"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = DefaultMQTTPort
	}
	if cfg.Dispatch.NumWorkers == 0 {
		cfg.Dispatch.NumWorkers = DefaultNumWorkers
	}
	if cfg.Dispatch.InferenceSlots == 0 {
		cfg.Dispatch.InferenceSlots = DefaultInferenceSlots
	}
	if cfg.Dispatch.QueueCapacity == 0 {
		cfg.Dispatch.QueueCapacity = 4 * cfg.Dispatch.NumWorkers
	}
	if cfg.Dispatch.RequestTTL <= 0 {
		cfg.Dispatch.RequestTTL = Duration(120 * time.Second)
	}
	if cfg.Dispatch.ShutdownDeadline <= 0 {
		cfg.Dispatch.ShutdownDeadline = Duration(30 * time.Second)
	}
	if cfg.Sessions.MaxConcurrent == 0 {
		cfg.Sessions.MaxConcurrent = DefaultMaxSessions
	}
	if cfg.Sessions.Timeout <= 0 {
		cfg.Sessions.Timeout = Duration(30 * time.Minute)
	}
	if cfg.Sessions.ReaperInterval <= 0 {
		cfg.Sessions.ReaperInterval = Duration(60 * time.Second)
	}
	if cfg.Sessions.MaxHistoryTokens == 0 {
		cfg.Sessions.MaxHistoryTokens = DefaultMaxHistoryTokens
	}
	if cfg.Sessions.WindowDuration <= 0 {
		cfg.Sessions.WindowDuration = Duration(60 * time.Second)
	}
	if cfg.Defaults.Temperature == 0 {
		cfg.Defaults.Temperature = 0.7
	}
	if cfg.Defaults.TopP == 0 {
		cfg.Defaults.TopP = 0.9
	}
	if cfg.Defaults.MaxTokens == 0 {
		cfg.Defaults.MaxTokens = 1024
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !slices.Contains(ValidBackendProviders, cfg.Backend.Provider) {
		errs = append(errs, fmt.Errorf("backend.provider %q is invalid; valid values: %v", cfg.Backend.Provider, ValidBackendProviders))
	}
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}

	if cfg.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if cfg.MQTT.Port <= 0 || cfg.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d is out of range [1, 65535]", cfg.MQTT.Port))
	}

	if cfg.Dispatch.NumWorkers <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.num_workers %d must be positive", cfg.Dispatch.NumWorkers))
	}
	if cfg.Dispatch.InferenceSlots <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.inference_slots %d must be positive", cfg.Dispatch.InferenceSlots))
	}
	// Workers block on the inference semaphore rather than on the queue, so
	// there must always be spare workers to keep the queue draining while
	// every slot is busy.
	if cfg.Dispatch.NumWorkers > 0 && cfg.Dispatch.InferenceSlots > 0 &&
		cfg.Dispatch.NumWorkers <= cfg.Dispatch.InferenceSlots {
		errs = append(errs, fmt.Errorf("dispatch.num_workers (%d) must exceed dispatch.inference_slots (%d)",
			cfg.Dispatch.NumWorkers, cfg.Dispatch.InferenceSlots))
	}
	if cfg.Dispatch.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_capacity %d must be positive", cfg.Dispatch.QueueCapacity))
	}

	if cfg.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max_concurrent %d must be positive", cfg.Sessions.MaxConcurrent))
	}
	if cfg.Sessions.MaxHistoryTokens <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max_history_tokens %d must be positive", cfg.Sessions.MaxHistoryTokens))
	}
	if cfg.Sessions.MaxRequestsPerWindow < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_requests_per_window %d must not be negative", cfg.Sessions.MaxRequestsPerWindow))
	}

	if cfg.Defaults.Temperature < 0 || cfg.Defaults.Temperature > 2 {
		errs = append(errs, fmt.Errorf("defaults.temperature %.2f is out of range [0, 2]", cfg.Defaults.Temperature))
	}
	if cfg.Defaults.TopP < 0 || cfg.Defaults.TopP > 1 {
		errs = append(errs, fmt.Errorf("defaults.top_p %.2f is out of range [0, 1]", cfg.Defaults.TopP))
	}
	if cfg.Defaults.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_tokens %d must not be negative", cfg.Defaults.MaxTokens))
	}

	if len(cfg.Projects) == 0 {
		errs = append(errs, errors.New("at least one project must be configured"))
	}
	namesSeen := make(map[string]int, len(cfg.Projects))
	for i, p := range cfg.Projects {
		prefix := fmt.Sprintf("projects[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := namesSeen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of projects[%d]", prefix, p.Name, prev))
		}
		namesSeen[p.Name] = i
	}

	return errors.Join(errs...)
}

var _ yaml.Unmarshaler = (*Duration)(nil)
