package engine

import "time"

// Config controls the loop's limits and timeouts. Field names mirror
// agentloop/session.go's SessionConfig, trimmed to what the spec's turn
// algorithm and concurrency model actually call for (no subagent-depth or
// per-tool output overrides, since §4.5's Non-goal excludes subagent
// orchestration and truncation policy in §4.3 is fixed, not configurable).
type Config struct {
	// MaxToolRounds bounds how many tool-call round-trips a single user
	// input may trigger before the loop gives up and returns control,
	// preventing an unbounded tool-call/response cycle.
	MaxToolRounds int

	// DefaultCommandTimeout and MaxCommandTimeout hold the same values as the
	// shell tool's built-in default (used when the model omits timeout_ms)
	// and cap. The shell tool does not read these fields: it applies its own
	// constants, so changing them here does not change its timeouts.
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration

	// EnableLoopDetection toggles the LoopGuard.
	EnableLoopDetection bool

	// LoopDetectionWindow is the number of trailing tool-call signatures
	// the LoopGuard inspects.
	LoopDetectionWindow int

	// ConnectTimeout and IdleDataTimeout are the stream-level timeouts from
	// §5: 10s to establish the connection, 60s between bytes once
	// streaming has started.
	ConnectTimeout  time.Duration
	IdleDataTimeout time.Duration
}

// DefaultConfig returns the spec's default limits.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds:         200,
		DefaultCommandTimeout: 120 * time.Second,
		MaxCommandTimeout:     600 * time.Second,
		EnableLoopDetection:   true,
		LoopDetectionWindow:   10,
		ConnectTimeout:        10 * time.Second,
		IdleDataTimeout:       60 * time.Second,
	}
}

// EnvConfig is the ambient "injected paths" boundary from §6: environment
// overrides for the sessions directory and API credentials, bound via
// struct tags rather than a config-file loader (which remains an external
// collaborator per the Non-goals). Grounded in the teacher's indirect
// dependency on caarlos0/env/v11, pulled in transitively via gollm and
// promoted here to a direct, exercised dependency.
type EnvConfig struct {
	SessionsDir  string `env:"PI_SESSIONS_DIR"`
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	Model        string `env:"PI_MODEL" envDefault:"claude-sonnet-4-5"`
}
