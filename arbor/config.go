package arbor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

const (
	// DefaultMaxProcessingDepth bounds the nesting of safepoint processing
	// on one thread, such as an action blocking inside the perform of
	// another action.
	DefaultMaxProcessingDepth = 1024

	// DefaultMaxStackDepth bounds the number of activations on a thread.
	DefaultMaxStackDepth = 10000

	// DefaultMaxSynchronousWait bounds how long the submitter of a
	// synchronous action waits for its threads.
	DefaultMaxSynchronousWait = time.Minute
)

// Config configures a Context. The zero value is valid and uses the
// defaults of DefaultConfig.
type Config struct {
	// Logger receives the structured events of the context. If nil, events
	// are discarded.
	Logger *zerolog.Logger

	// Observer is notified of action and loop events. If nil, a no-op
	// observer is used.
	Observer Observer

	// PollInterval is the number of loop iterations between two back-edge
	// polls of a LoopNode.
	PollInterval int

	// MaxSynchronousWait bounds the time a synchronous action may wait for
	// its threads to reach a safepoint. Negative values disable the bound.
	MaxSynchronousWait time.Duration

	MaxProcessingDepth int
	MaxStackDepth      int

	// SafepointALot makes every poll take the slow path.
	SafepointALot bool

	// OnThreadInitialize is called on a thread when it first enters the
	// context.
	OnThreadInitialize func(thread *Thread)

	// OnThreadDispose is called on a thread when it last leaves the
	// context. Actions may be disabled with Thread.SetAllowActions while
	// it runs.
	OnThreadDispose func(thread *Thread) error

	// OnFinalize is called on an internal thread entered in the context
	// when the context closes, before pending actions are cancelled.
	OnFinalize func(thread *Thread) error
}

// DefaultConfig returns a configuration holding the default limits.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:       1,
		MaxSynchronousWait: DefaultMaxSynchronousWait,
		MaxProcessingDepth: DefaultMaxProcessingDepth,
		MaxStackDepth:      DefaultMaxStackDepth,
	}
}

// Environment variables read by ConfigFromEnv.
const (
	EnvPollInterval       = "ARBOR_POLL_INTERVAL"
	EnvMaxSyncWait        = "ARBOR_MAX_SYNC_WAIT"
	EnvMaxProcessingDepth = "ARBOR_MAX_PROCESSING_DEPTH"
	EnvMaxStackDepth      = "ARBOR_MAX_STACK_DEPTH"
	EnvSafepointALot      = "ARBOR_SAFEPOINT_A_LOT"
	EnvLogLevel           = "ARBOR_LOG_LEVEL"
)

// ConfigFromEnv returns DefaultConfig overridden by the ARBOR_* variables of
// the environment. The given .env files are loaded first; variables already
// set in the environment take precedence over them.
//
// When ARBOR_LOG_LEVEL is set, the returned config carries a logger writing
// to stderr at that level.
func ConfigFromEnv(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("cannot load environment files: %w", err)
		}
	}

	cfg := DefaultConfig()
	var err error
	if v, ok := lookupEnv(EnvPollInterval); ok {
		if cfg.PollInterval, err = cast.ToIntE(v); err != nil {
			return nil, envError(EnvPollInterval, err)
		}
	}
	if v, ok := lookupEnv(EnvMaxSyncWait); ok {
		if cfg.MaxSynchronousWait, err = cast.ToDurationE(v); err != nil {
			return nil, envError(EnvMaxSyncWait, err)
		}
	}
	if v, ok := lookupEnv(EnvMaxProcessingDepth); ok {
		if cfg.MaxProcessingDepth, err = cast.ToIntE(v); err != nil {
			return nil, envError(EnvMaxProcessingDepth, err)
		}
	}
	if v, ok := lookupEnv(EnvMaxStackDepth); ok {
		if cfg.MaxStackDepth, err = cast.ToIntE(v); err != nil {
			return nil, envError(EnvMaxStackDepth, err)
		}
	}
	if v, ok := lookupEnv(EnvSafepointALot); ok {
		if cfg.SafepointALot, err = cast.ToBoolE(v); err != nil {
			return nil, envError(EnvSafepointALot, err)
		}
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		level, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			return nil, envError(EnvLogLevel, err)
		}
		logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		cfg.Logger = &logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envError(name string, err error) error {
	return fmt.Errorf("invalid %s: %w", name, err)
}

// Validate reports limits that cannot be honoured.
func (cfg *Config) Validate() error {
	switch {
	case cfg.PollInterval < 0:
		return fmt.Errorf("poll interval must not be negative, got %d", cfg.PollInterval)
	case cfg.MaxProcessingDepth < 0:
		return fmt.Errorf("max processing depth must not be negative, got %d", cfg.MaxProcessingDepth)
	case cfg.MaxStackDepth < 0:
		return fmt.Errorf("max stack depth must not be negative, got %d", cfg.MaxStackDepth)
	}
	return nil
}

// withDefaults returns a copy of cfg with every unset limit defaulted.
func (cfg *Config) withDefaults() Config {
	var out Config
	if cfg != nil {
		out = *cfg
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 1
	}
	if out.MaxSynchronousWait == 0 {
		out.MaxSynchronousWait = DefaultMaxSynchronousWait
	}
	if out.MaxProcessingDepth <= 0 {
		out.MaxProcessingDepth = DefaultMaxProcessingDepth
	}
	if out.MaxStackDepth <= 0 {
		out.MaxStackDepth = DefaultMaxStackDepth
	}
	if out.Observer == nil {
		out.Observer = nopObserver{}
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	return out
}
