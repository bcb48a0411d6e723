package main

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/mock"
	"github.com/stretchr/testify/assert"
)

type clockStub struct {
	state string
	err   error
	calls int
}

func (c *clockStub) GetMarketClock(context.Context) (*broker.MarketClockResponse, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	clock := &broker.MarketClockResponse{}
	clock.Clock.State = c.state
	return clock, nil
}

func inWindow(time.Time) bool { return true }
func outOfWindow(time.Time) bool { return false }

func TestMarketHours_HolidayInsideWindowIsClosed(t *testing.T) {
	clock := &clockStub{state: broker.MarketStateClosed}
	gate := NewMarketHours(clock, inWindow, true, time.Second, nullLogger())

	assert.False(t, gate.Open(context.Background(), time.Now()))
	assert.Equal(t, 1, clock.calls)
}

func TestMarketHours_OpenClockInsideWindow(t *testing.T) {
	clock := &clockStub{state: broker.MarketStateOpen}
	gate := NewMarketHours(clock, inWindow, true, time.Second, nullLogger())

	assert.True(t, gate.Open(context.Background(), time.Now()))
}

func TestMarketHours_ExtendedHoursAreClosed(t *testing.T) {
	gate := NewMarketHours(&clockStub{state: "postmarket"}, inWindow, true, time.Second, nullLogger())
	assert.False(t, gate.Open(context.Background(), time.Now()))
}

func TestMarketHours_OutsideWindowSkipsClock(t *testing.T) {
	clock := &clockStub{state: broker.MarketStateOpen}
	gate := NewMarketHours(clock, outOfWindow, true, time.Second, nullLogger())

	assert.False(t, gate.Open(context.Background(), time.Now()))
	assert.Zero(t, clock.calls)
}

func TestMarketHours_ClockErrorFallsBackToWindow(t *testing.T) {
	clock := &clockStub{err: broker.ErrBrokerUnavailable}

	assert.True(t, NewMarketHours(clock, inWindow, true, time.Second, nullLogger()).Open(context.Background(), time.Now()))
	assert.False(t, NewMarketHours(clock, outOfWindow, true, time.Second, nullLogger()).Open(context.Background(), time.Now()))
}

func TestMarketHours_DisabledAlwaysOpen(t *testing.T) {
	clock := &clockStub{state: broker.MarketStateClosed}
	gate := NewMarketHours(clock, outOfWindow, false, time.Second, nullLogger())

	assert.True(t, gate.Open(context.Background(), time.Now()))
	assert.Zero(t, clock.calls)
}

func TestMarketHours_SimulatorClock(t *testing.T) {
	sim := mock.NewSimBroker(1000, 0)
	gate := NewMarketHours(sim, inWindow, true, time.Second, nullLogger())
	assert.True(t, gate.Open(context.Background(), time.Now()))

	sim.SetMarketState(broker.MarketStateClosed)
	assert.False(t, gate.Open(context.Background(), time.Now()))
}
