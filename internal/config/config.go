// Package config loads cursord configuration from defaults, a TOML file,
// and environment variables, in that order (env wins).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Hard ceilings enforced regardless of file or env values.
const (
	MaxHardTimeout   = time.Hour
	MaxIterationsCap = 25
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	CursorCLI CursorCLIConfig `toml:"cursor_cli"`
	Loop      LoopConfig      `toml:"loop"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Redis     RedisConfig     `toml:"redis"`
	Queue     QueueConfig     `toml:"queue"`
	Features  FeaturesConfig  `toml:"features"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr             string `toml:"addr"`
	RepositoriesPath string `toml:"repositories_path"`
	DeveloperMode    bool   `toml:"developer_mode"`
}

type CursorCLIConfig struct {
	Path          string   `toml:"path"`
	UsePTY        string   `toml:"use_pty"` // "auto" | "always" | "never"
	Model         string   `toml:"model"`
	ApprovedMCPs  []string `toml:"approved_mcps"`
	TimeoutMS     int64    `toml:"timeout_ms"`
	IdleTimeoutMS int64    `toml:"idle_timeout_ms"`
	MaxOutputSize int64    `toml:"max_output_size"`
	MaxConcurrent int      `toml:"max_concurrent"`
}

type LoopConfig struct {
	MaxIterations int    `toml:"max_iterations"`
	ReviewPrompt  string `toml:"review_prompt"`
}

type WebhookConfig struct {
	Secret          string `toml:"secret"`
	CallbackBaseURL string `toml:"callback_base_url"`
}

type RedisConfig struct {
	URL        string `toml:"url"`
	KeyPrefix  string `toml:"key_prefix"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

type QueueConfig struct {
	Driver string `toml:"driver"` // "sqlite" | "postgres"
	DSN    string `toml:"dsn"`
}

type FeaturesConfig struct {
	VoiceEnabled    bool   `toml:"voice_enabled"`
	VoiceHostMarker string `toml:"voice_host_marker"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultReviewPrompt is the review-pass template. %s is replaced with the
// main round's output. The extracted envelope schema (code_complete,
// break_iteration, justification) must stay stable across template edits.
const DefaultReviewPrompt = `Review the following output from a coding session and decide whether the requested work is complete.

Respond with a single JSON object and nothing else:
{"code_complete": <bool>, "break_iteration": <bool>, "justification": "<short reason>"}

Set break_iteration to true only when further iteration cannot help (blocked on trust prompts, missing credentials, unrecoverable errors).

Session output:
%s`

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":3000",
			RepositoriesPath: "./repositories",
		},
		CursorCLI: CursorCLIConfig{
			Path:          "cursor",
			UsePTY:        "auto",
			TimeoutMS:     300_000,
			IdleTimeoutMS: 300_000,
			MaxOutputSize: 10 * 1024 * 1024,
			MaxConcurrent: 5,
		},
		Loop: LoopConfig{
			MaxIterations: 5,
			ReviewPrompt:  DefaultReviewPrompt,
		},
		Webhook: WebhookConfig{
			CallbackBaseURL: "http://app:3000",
		},
		Redis: RedisConfig{
			KeyPrefix:  "cursord:",
			TTLSeconds: 3600,
		},
		Queue: QueueConfig{
			Driver: "sqlite",
			DSN:    "cursord.db",
		},
		Features: FeaturesConfig{
			VoiceHostMarker: "voice-agent",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cursord.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CURSORD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CURSORD_REPOSITORIES_PATH"); v != "" {
		cfg.Server.RepositoriesPath = v
	}
	if v := os.Getenv("CURSOR_CLI_PATH"); v != "" {
		cfg.CursorCLI.Path = v
	}
	if v := os.Getenv("CURSOR_CLI_USE_PTY"); v != "" {
		cfg.CursorCLI.UsePTY = v
	}
	if v, ok := envInt64("CURSOR_CLI_TIMEOUT_MS"); ok {
		cfg.CursorCLI.TimeoutMS = v
	}
	if v, ok := envInt64("CURSOR_CLI_IDLE_TIMEOUT_MS"); ok {
		cfg.CursorCLI.IdleTimeoutMS = v
	}
	if v, ok := envInt64("CURSOR_CLI_MAX_OUTPUT_SIZE"); ok {
		cfg.CursorCLI.MaxOutputSize = v
	}
	if v, ok := envInt64("CURSOR_CLI_MAX_CONCURRENT"); ok {
		cfg.CursorCLI.MaxConcurrent = int(v)
	}
	if v, ok := envInt64("MAX_ITERATIONS"); ok {
		cfg.Loop.MaxIterations = int(v)
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("CALLBACK_BASE_URL"); v != "" {
		cfg.Webhook.CallbackBaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		cfg.Redis.KeyPrefix = v
	}
	if v, ok := envInt64("TTL_SECONDS"); ok {
		cfg.Redis.TTLSeconds = int(v)
	}
	if v := os.Getenv("CURSORD_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("CURSORD_QUEUE_DSN"); v != "" {
		cfg.Queue.DSN = v
	}
	if os.Getenv("CURSORD_VOICE_ENABLED") == "true" || os.Getenv("CURSORD_VOICE_ENABLED") == "1" {
		cfg.Features.VoiceEnabled = true
	}
	if os.Getenv("CURSORD_OBSERVER_ENABLED") == "true" || os.Getenv("CURSORD_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return clamp(cfg)
}

// clamp enforces absolute ceilings and repairs nonsensical values.
func clamp(cfg Config) Config {
	if cfg.CursorCLI.TimeoutMS <= 0 {
		cfg.CursorCLI.TimeoutMS = Default().CursorCLI.TimeoutMS
	}
	if max := int64(MaxHardTimeout / time.Millisecond); cfg.CursorCLI.TimeoutMS > max {
		cfg.CursorCLI.TimeoutMS = max
	}
	if cfg.CursorCLI.IdleTimeoutMS <= 0 {
		cfg.CursorCLI.IdleTimeoutMS = Default().CursorCLI.IdleTimeoutMS
	}
	if cfg.CursorCLI.MaxOutputSize <= 0 {
		cfg.CursorCLI.MaxOutputSize = Default().CursorCLI.MaxOutputSize
	}
	if cfg.CursorCLI.MaxConcurrent <= 0 {
		cfg.CursorCLI.MaxConcurrent = Default().CursorCLI.MaxConcurrent
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop.MaxIterations = Default().Loop.MaxIterations
	}
	if cfg.Loop.MaxIterations > MaxIterationsCap {
		cfg.Loop.MaxIterations = MaxIterationsCap
	}
	if cfg.Loop.ReviewPrompt == "" {
		cfg.Loop.ReviewPrompt = DefaultReviewPrompt
	}
	if cfg.Redis.TTLSeconds <= 0 {
		cfg.Redis.TTLSeconds = Default().Redis.TTLSeconds
	}
	return cfg
}

// HardTimeout returns the per-invocation hard timeout as a duration.
func (c CursorCLIConfig) HardTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a duration.
func (c CursorCLIConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// TTL returns the conversation TTL as a duration.
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
