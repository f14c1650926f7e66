package netwatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rescp17/focusd/pkg/notify"
)

const DefaultSleepCheckInterval = 10 * time.Second

// SleepDetector notices system sleep as a gap in its own ticks: a tick that
// arrives much later on the wall clock than scheduled means the host was
// suspended, and WokeFromSleep is published.
type SleepDetector struct {
	bus      Publisher
	clock    clock.Clock
	interval time.Duration
}

func NewSleepDetector(bus Publisher, interval time.Duration) *SleepDetector {
	if interval <= 0 {
		interval = DefaultSleepCheckInterval
	}
	return &SleepDetector{
		bus:      bus,
		clock:    clock.New(),
		interval: interval,
	}
}

// WithClock replaces the clock driving the detector.
func (d *SleepDetector) WithClock(c clock.Clock) *SleepDetector {
	d.clock = c
	return d
}

// Run ticks until ctx is cancelled.
func (d *SleepDetector) Run(ctx context.Context) error {
	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()

	last := d.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := d.clock.Now()
			if slept(last, now, d.interval) {
				slog.Info("System woke from sleep", "gap", now.Sub(last).Round(time.Second))
				d.bus.Publish(notify.WokeFromSleep{})
			}
			last = now
		}
	}
}

// slept reports whether the wall-clock gap between two ticks is more than
// twice the tick interval. Monotonic readings are stripped since they stop
// during suspend on some platforms.
func slept(last, now time.Time, interval time.Duration) bool {
	return now.Round(0).Sub(last.Round(0)) > 2*interval
}
