package main

import (
	"context"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/sirupsen/logrus"
)

type marketClock interface {
	GetMarketClock(ctx context.Context) (*broker.MarketClockResponse, error)
}

// MarketHours gates new cycles on the configured trading window and, inside
// it, on the broker's market clock so holidays and early closes are skipped.
// When the clock cannot be read the configured window decides alone.
type MarketHours struct {
	clock   marketClock
	window  func(time.Time) bool
	enabled bool
	timeout time.Duration
	logger  logrus.FieldLogger

	lastState string
}

// NewMarketHours creates the gate. With enabled false every moment is tradable.
func NewMarketHours(clock marketClock, window func(time.Time) bool, enabled bool,
	timeout time.Duration, logger logrus.FieldLogger) *MarketHours {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if window == nil {
		window = func(time.Time) bool { return true }
	}
	return &MarketHours{clock: clock, window: window, enabled: enabled, timeout: timeout, logger: logger}
}

// Open reports whether a cycle may start at now
func (m *MarketHours) Open(ctx context.Context, now time.Time) bool {
	if !m.enabled {
		return true
	}
	if !m.window(now) {
		return false
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	clock, err := m.clock.GetMarketClock(ctx)
	if err != nil || clock == nil {
		m.logger.WithError(err).Warn("Could not get market clock, falling back to configured trading hours")
		return true
	}

	if clock.Clock.State != m.lastState {
		m.logger.WithFields(logrus.Fields{
			"state":       clock.Clock.State,
			"description": clock.Clock.Description,
			"next_change": clock.Clock.NextChange,
		}).Info("Market clock")
		m.lastState = clock.Clock.State
	}
	return clock.IsOpen()
}
