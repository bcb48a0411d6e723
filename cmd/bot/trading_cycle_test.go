package main

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/orders"
	"github.com/eddiefleurent/volume_rider/internal/retry"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/eddiefleurent/volume_rider/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quoteCounter struct{ n int }

func (q *quoteCounter) QuoteFailed() { q.n++ }

type cycleFixture struct {
	selector *fakeSelector
	market   *fakeMarket
	entry    *fakeEntry
	exit     *fakeExit
	store    *storage.MockStorage
	cycle    *TradingCycle
}

func newCycleFixture(steps ...quoteStep) *cycleFixture {
	f := &cycleFixture{
		selector: &fakeSelector{candidate: strategy.Candidate{Symbol: "F", Volume: 1_000_000, Price: d("10")}},
		market:   &fakeMarket{steps: steps},
		entry:    &fakeEntry{fill: &models.Fill{OrderID: "1", Price: d("10")}},
		exit:     &fakeExit{fill: &models.Fill{OrderID: "2"}},
		store:    storage.NewMockStorage(),
	}
	policy := strategy.ExitPolicy{StopLossPct: d("0.1"), TakeProfitPct: d("0.1")}
	f.cycle = NewTradingCycle(f.selector, f.market, f.entry, f.exit, policy, f.store, nullLogger(), CycleConfig{
		CheckInterval:   time.Second,
		QuoteTimeout:    time.Second,
		CloseOutTimeout: time.Minute,
		MaxMissedPolls:  3,
		QuoteRetry:      retry.Config{MaxRetries: 0},
	}).WithSleeper(instantSleep)
	return f
}

func freshState(capital string) models.SessionState {
	return models.NewSessionState(d(capital))
}

func TestTradingCycle_NoEligibleSymbolIsNoOp(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10"})
	f.selector.err = strategy.ErrNoEligibleSymbol

	res := f.cycle.Run(context.Background(), freshState("1000"))
	assert.Equal(t, models.OutcomeNoOp, res.Outcome)
	assert.ErrorIs(t, res.Err, strategy.ErrNoEligibleSymbol)
	assert.Empty(t, f.entry.calls)
	assert.True(t, res.RealizedPnL.IsZero())
}

func TestTradingCycle_InsufficientCapitalIsNoOp(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10"})

	res := f.cycle.Run(context.Background(), freshState("5"))
	assert.Equal(t, models.OutcomeNoOp, res.Outcome)
	assert.ErrorIs(t, res.Err, strategy.ErrInsufficientCapital)
	assert.Empty(t, f.entry.calls)
}

func TestTradingCycle_EntryRejectedIsNoOp(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10"})
	f.entry.err = broker.ErrOrderRejected

	res := f.cycle.Run(context.Background(), freshState("1000"))
	assert.Equal(t, models.OutcomeNoOp, res.Outcome)
	assert.ErrorIs(t, res.Err, broker.ErrOrderRejected)
	assert.Nil(t, f.store.GetOpenPosition())
	assert.Empty(t, f.exit.sold)
}

func TestTradingCycle_UnfilledEntryIsTracked(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10"})
	f.entry.err = &orders.PendingOrderError{OrderID: 7, Err: orders.ErrFillTimeout}

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeUnresolved, res.Outcome)
	assert.ErrorIs(t, res.Err, orders.ErrFillTimeout)
	assert.True(t, res.RealizedPnL.IsZero())
	assert.Empty(t, f.exit.sold, "nothing to sell while the buy is unconfirmed")

	stored := f.store.GetOpenPosition()
	require.NotNil(t, stored, "a working buy must stay on record")
	assert.Equal(t, models.StateUnresolved, stored.State)
	assert.Equal(t, int64(100), stored.Quantity)
	assert.Equal(t, "7", stored.EntryOrderID)
	assert.True(t, stored.EntryPrice.Equal(d("10")))

	next := freshState("1000").Apply(res)
	assert.Equal(t, models.SessionUnresolved, next.Status, "no second buy after an unconfirmed one")
}

func TestTradingCycle_EntryOutlivesShutdown(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10"})
	f.exit.fill.Price = d("10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.entry.onPlace = cancel

	res := f.cycle.Run(ctx, freshState("1000"))
	require.Len(t, f.entry.ctxErrors, 1)
	assert.NoError(t, f.entry.ctxErrors[0], "buy must not inherit the canceled context")

	// The filled buy is tracked and closed straight out.
	require.Equal(t, models.OutcomeSettled, res.Outcome)
	assert.Equal(t, models.ExitReasonForced, res.ExitReason)
	require.Len(t, f.exit.sold, 1)
	assert.Equal(t, int64(100), f.exit.sold[0].Quantity)
	assert.Nil(t, f.store.GetOpenPosition())
}

func TestTradingCycle_TakeProfit(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10.50"}, quoteStep{price: "11"})
	f.exit.fill.Price = d("11.02")

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeSettled, res.Outcome)
	assert.Equal(t, models.ExitReasonTakeProfit, res.ExitReason)
	assert.Equal(t, []int64{100}, f.entry.calls)
	assert.True(t, res.RealizedPnL.Equal(d("102")), "pnl %s", res.RealizedPnL)

	require.NotNil(t, res.Position)
	assert.Equal(t, models.StateSettled, res.Position.State)
	assert.True(t, res.Position.ExitPrice.Equal(d("11.02")))
	assert.Equal(t, "2", res.Position.ExitOrderID)
	assert.Nil(t, f.store.GetOpenPosition(), "settled position is cleared")
	assert.GreaterOrEqual(t, f.store.SetPositionCalls(), 2, "position persisted on entry and exit")
}

func TestTradingCycle_StopLossFallsBackToTriggerPrice(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "9.5"}, quoteStep{price: "9"})
	f.exit.fill.Price = d("0")

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeSettled, res.Outcome)
	assert.Equal(t, models.ExitReasonStopLoss, res.ExitReason)
	assert.True(t, res.RealizedPnL.Equal(d("-100")), "pnl %s", res.RealizedPnL)
	assert.True(t, res.IsLoss())
}

func TestTradingCycle_EntryPriceIsFillPrice(t *testing.T) {
	// Quoted at 10, filled at 10.20: thresholds follow the fill.
	f := newCycleFixture(quoteStep{price: "11.21"}, quoteStep{price: "11.22"})
	f.entry.fill.Price = d("10.20")
	f.exit.fill.Price = d("11.22")

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeSettled, res.Outcome)
	assert.True(t, res.Position.EntryPrice.Equal(d("10.2")))
	assert.True(t, res.Position.TakeProfitPrice.Equal(d("11.22")))
	assert.True(t, res.Position.StopLossPrice.Equal(d("9.18")))
	assert.Equal(t, 2, f.market.calls, "11.21 holds, 11.22 exits")
}

func TestTradingCycle_LostMarketDataForcesExit(t *testing.T) {
	f := newCycleFixture(quoteStep{err: broker.ErrProviderUnavailable})
	f.exit.fill.Price = d("9.90")
	failures := &quoteCounter{}
	f.cycle.WithMetrics(failures)

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeSettled, res.Outcome)
	assert.Equal(t, models.ExitReasonForced, res.ExitReason)
	assert.Equal(t, 3, f.market.calls)
	assert.True(t, res.RealizedPnL.Equal(d("-10")))
	assert.Equal(t, 3, failures.n)
}

func TestTradingCycle_MissedPollsResetOnGoodQuote(t *testing.T) {
	f := newCycleFixture(
		quoteStep{err: broker.ErrProviderUnavailable},
		quoteStep{err: broker.ErrProviderUnavailable},
		quoteStep{price: "10"},
		quoteStep{err: broker.ErrProviderUnavailable},
		quoteStep{err: broker.ErrProviderUnavailable},
		quoteStep{price: "11"},
	)
	f.exit.fill.Price = d("11")

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeSettled, res.Outcome)
	assert.Equal(t, models.ExitReasonTakeProfit, res.ExitReason)
}

func TestTradingCycle_ExitFailureIsUnresolved(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "9"})
	f.exit.err = broker.ErrBrokerUnavailable

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeUnresolved, res.Outcome)
	assert.Equal(t, models.ExitReasonStopLoss, res.ExitReason)
	assert.ErrorIs(t, res.Err, broker.ErrBrokerUnavailable)
	assert.True(t, res.RealizedPnL.IsZero())

	stored := f.store.GetOpenPosition()
	require.NotNil(t, stored, "unresolved position stays in storage")
	assert.Equal(t, models.StateUnresolved, stored.State)
	assert.Equal(t, int64(100), stored.Quantity)
}

func TestTradingCycle_PartialExitIsUnresolved(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "11"})
	f.exit.fill = &models.Fill{OrderID: "2", Price: d("11"), Quantity: 60}

	res := f.cycle.Run(context.Background(), freshState("1000"))
	require.Equal(t, models.OutcomeUnresolved, res.Outcome)
	assert.True(t, res.RealizedPnL.Equal(d("60")))
	stored := f.store.GetOpenPosition()
	require.NotNil(t, stored)
	assert.Equal(t, int64(40), stored.Quantity)

	next := freshState("1000").Apply(res)
	assert.True(t, next.Capital.Equal(d("1060")), "sold shares are booked, capital %s", next.Capital)
	assert.True(t, next.CumulativeProfit.Equal(d("60")))
}

func TestTradingCycle_CancelClosesOutOnDetachedContext(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10"})
	f.exit.fill.Price = d("10.10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cycle.WithSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})

	res := f.cycle.Run(ctx, freshState("1000"))
	require.Equal(t, models.OutcomeSettled, res.Outcome)
	assert.Equal(t, models.ExitReasonForced, res.ExitReason)
	require.Len(t, f.exit.ctxErrors, 1)
	assert.NoError(t, f.exit.ctxErrors[0], "sell must not inherit the canceled context")
	assert.True(t, res.RealizedPnL.Equal(d("10")))
}

func TestTradingCycle_InvalidThresholdsAbortBeforeBuying(t *testing.T) {
	f := newCycleFixture(quoteStep{price: "10"})
	f.cycle.policy = strategy.ExitPolicy{StopLossPct: d("0"), TakeProfitPct: d("0.1")}

	res := f.cycle.Run(context.Background(), freshState("1000"))
	assert.Equal(t, models.OutcomeNoOp, res.Outcome)
	assert.ErrorIs(t, res.Err, models.ErrInvalidPosition)
	assert.Empty(t, f.entry.calls)
}
