package nvme2k

import (
	"github.com/nvme2k/go-nvme2k/internal/constants"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/logging"
)

// Config controls how Bind sizes the PRP pool, what observability and
// logging sinks the driver reports through, and whether TRIM-pattern
// detection is active at bind time.
type Config struct {
	// PRPPoolPages is the number of 4 KiB PRP-list pages to request
	// from the arena. Enable falls back to smaller counts down to
	// constants.MinPRPPoolPages if the arena can't satisfy this one.
	PRPPoolPages int

	// TrimMode, when true, enables the pattern-match TRIM fast path
	// using TrimPattern (must be exactly constants.TrimPatternSize
	// bytes).
	TrimMode    bool
	TrimPattern []byte

	// FallbackTimer mirrors the host port's fallback completion-drain
	// timer policy; the driver itself only exposes whether it was
	// asked for, since scheduling the timer is the host port's job.
	FallbackTimer bool

	Logger   interfaces.Logger
	Observer Observer
}

// Option mutates a Config produced by DefaultConfig.
type Option func(*Config)

// WithPRPPoolPages overrides the default PRP pool size.
func WithPRPPoolPages(pages int) Option {
	return func(c *Config) { c.PRPPoolPages = pages }
}

// WithTrimMode enables the TRIM pattern-match fast path with the given
// comparison pattern.
func WithTrimMode(pattern []byte) Option {
	return func(c *Config) {
		c.TrimMode = true
		c.TrimPattern = pattern
	}
}

// WithFallbackTimer toggles the fallback completion-drain timer.
func WithFallbackTimer(enabled bool) Option {
	return func(c *Config) { c.FallbackTimer = enabled }
}

// WithLogger overrides the default logger.
func WithLogger(log interfaces.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithObserver overrides the default metrics observer.
func WithObserver(obs Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

// DefaultConfig returns the baseline Config: the conservative PRP pool
// size, fallback timer on, TRIM mode off, default structured logger,
// and a fresh Metrics instance as the observer.
func DefaultConfig() Config {
	return Config{
		PRPPoolPages:  constants.DefaultPRPPoolPages,
		FallbackTimer: true,
		Logger:        logging.Default(),
		Observer:      NewMetrics(),
	}
}

func (c Config) apply(opts []Option) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
