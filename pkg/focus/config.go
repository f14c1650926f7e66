package focus

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultRetryDelay  = 1 * time.Second
	DefaultWakeupDelay = 5 * time.Second
	DefaultSettleDelay = 3 * time.Second
)

// Config tunes an Engine.
type Config struct {
	// RetryDelay is how long a failed browse waits before discovery runs
	// again. Repeated failures within the delay push the retry back.
	RetryDelay time.Duration

	// WakeupDelay lets the network settle after the host wakes from sleep
	// before discovery is restarted.
	WakeupDelay time.Duration

	// SettleDelay is how long servers known before a restart may take to
	// resolve again before they are removed.
	SettleDelay time.Duration

	// Clock drives both timers. Tests use clock.NewMock().
	Clock clock.Clock

	// Registerer receives the engine's metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RetryDelay:  DefaultRetryDelay,
		WakeupDelay: DefaultWakeupDelay,
		SettleDelay: DefaultSettleDelay,
		Clock:       clock.New(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RetryDelay <= 0 {
		return errors.New("retry delay must be positive")
	}
	if c.WakeupDelay <= 0 {
		return errors.New("wakeup delay must be positive")
	}
	if c.SettleDelay <= 0 {
		return errors.New("settle delay must be positive")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	return nil
}

// Option modifies a Config.
type Option func(*Config)

func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) { c.RetryDelay = d }
}

func WithWakeupDelay(d time.Duration) Option {
	return func(c *Config) { c.WakeupDelay = d }
}

func WithSettleDelay(d time.Duration) Option {
	return func(c *Config) { c.SettleDelay = d }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}
