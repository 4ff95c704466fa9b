// Package config provides the configuration schema and loader for the Parley
// gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Backend  BackendConfig   `yaml:"backend"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Sessions SessionConfig   `yaml:"sessions"`
	Defaults GenDefaults     `yaml:"defaults"`
	Projects []ProjectConfig `yaml:"projects"`
}

// ServerConfig holds logging and the local HTTP surface (health, metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the health and metrics endpoints listen
	// on (e.g., ":8090"). Empty disables the HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StatsInterval is how often aggregate request stats are logged.
	StatsInterval Duration `yaml:"stats_interval"`
}

// BackendConfig points the gateway at its inference backend.
type BackendConfig struct {
	// Provider selects the backend adapter: "openai" speaks the
	// OpenAI-compatible chat-completion protocol directly (llama.cpp, vLLM);
	// "ollama", "llamacpp" and "llamafile" go through the any-llm client.
	Provider string `yaml:"provider"`

	// URL is the HTTP base of the backend (e.g., "http://127.0.0.1:8080").
	URL string `yaml:"url"`

	// APIKey is the bearer token, if the backend requires one.
	APIKey string `yaml:"api_key"`

	// Model is the model name sent on every request. Single-model backends
	// such as llama.cpp conventionally accept "default".
	Model string `yaml:"model"`
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	// Broker is the broker hostname or IP.
	Broker string `yaml:"broker"`

	// Port is the broker TCP port.
	Port int `yaml:"port"`

	// Username and Password authenticate against the broker. Both may be
	// empty for anonymous brokers.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientID identifies this gateway instance to the broker. When empty a
	// random id is generated at connect time.
	ClientID string `yaml:"client_id"`

	// PlainTextSessionIndex selects which topic level supplies the session
	// id when a payload is plain text rather than JSON. Negative disables
	// the fallback and such frames are dropped.
	PlainTextSessionIndex int `yaml:"plain_text_session_index"`
}

// DispatchConfig sizes the queue, the worker pool, and the inference slots.
type DispatchConfig struct {
	// NumWorkers is the fixed number of queue-draining workers.
	NumWorkers int `yaml:"num_workers"`

	// InferenceSlots caps concurrent in-flight backend calls. Must be lower
	// than NumWorkers so queue drain proceeds while the backend saturates.
	InferenceSlots int `yaml:"inference_slots"`

	// QueueCapacity bounds the request queue. Enqueues beyond it are
	// rejected with a backpressure error.
	QueueCapacity int `yaml:"queue_capacity"`

	// RequestTTL is the per-request deadline measured from enqueue.
	RequestTTL Duration `yaml:"request_ttl"`

	// ShutdownDeadline bounds how long shutdown waits for in-flight
	// requests to drain.
	ShutdownDeadline Duration `yaml:"shutdown_deadline"`
}

// SessionConfig governs the session registry, history bounds, and rate
// limiting.
type SessionConfig struct {
	// MaxConcurrent caps the number of live session records. Exceeding it
	// evicts the least-recently-used session.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout is the idle age after which the reaper removes a session.
	Timeout Duration `yaml:"timeout"`

	// ReaperInterval is how often the idle reaper scans the registry.
	ReaperInterval Duration `yaml:"reaper_interval"`

	// MaxHistoryTokens bounds the estimated token count of a stored dialog.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	// MaxRequestsPerWindow and WindowDuration define the per-session rate
	// limit. Zero MaxRequestsPerWindow disables rate limiting.
	MaxRequestsPerWindow int      `yaml:"max_requests_per_window"`
	WindowDuration       Duration `yaml:"window_duration"`
}

// GenDefaults holds the generation parameters applied when neither the
// project nor the request overrides them.
type GenDefaults struct {
	Temperature    float64 `yaml:"temperature"`
	TopP           float64 `yaml:"top_p"`
	MaxTokens      int     `yaml:"max_tokens"`
	EnableThinking bool    `yaml:"enable_thinking"`
}

// ProjectConfig describes one tenant. Topic fields are optional; empty
// values take the conventional "<name>/user_input" and
// "<name>/assistant_response/{sessionId}" shapes.
type ProjectConfig struct {
	// Name identifies the project and prefixes its default topics.
	Name string `yaml:"name"`

	// SystemPrompt is this project's default system prompt. May be empty.
	SystemPrompt string `yaml:"system_prompt"`

	// InputTopic overrides the conventional input topic.
	InputTopic string `yaml:"input_topic"`

	// ReplyTopicTemplate overrides the conventional reply topic template.
	// Must contain the "{sessionId}" placeholder.
	ReplyTopicTemplate string `yaml:"reply_topic_template"`
}
