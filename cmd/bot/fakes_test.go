package main

import (
	"context"
	"sync"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/marketdata"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fakeSelector struct {
	candidate strategy.Candidate
	err       error
	calls     int
}

func (f *fakeSelector) Select(context.Context) (strategy.Candidate, error) {
	f.calls++
	return f.candidate, f.err
}

type quoteStep struct {
	price string
	err   error
}

// fakeMarket replays scripted quotes; the last step repeats forever
type fakeMarket struct {
	mu    sync.Mutex
	steps []quoteStep
	calls int
}

var _ marketdata.Provider = (*fakeMarket)(nil)

func (f *fakeMarket) RankedSymbolsByVolume(context.Context) ([]marketdata.SymbolVolume, error) {
	return nil, nil
}

func (f *fakeMarket) CurrentQuote(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	f.calls++
	step := f.steps[i]
	if step.err != nil {
		return decimal.Zero, step.err
	}
	return d(step.price), nil
}

type fakeEntry struct {
	fill      *models.Fill
	err       error
	calls     []int64
	ctxErrors []error
	onPlace   func()
}

func (f *fakeEntry) PlaceOrder(ctx context.Context, _ broker.Side, symbol string, qty int64) (*models.Fill, error) {
	f.calls = append(f.calls, qty)
	if f.onPlace != nil {
		f.onPlace()
	}
	f.ctxErrors = append(f.ctxErrors, ctx.Err())
	if f.err != nil {
		return nil, f.err
	}
	fill := *f.fill
	fill.Symbol = symbol
	if fill.Quantity == 0 {
		fill.Quantity = qty
	}
	return &fill, nil
}

type fakeExit struct {
	fill      *models.Fill
	err       error
	sold      []*models.Position
	ctxErrors []error
}

func (f *fakeExit) SellWithRetry(ctx context.Context, pos *models.Position) (*models.Fill, error) {
	f.sold = append(f.sold, pos.Copy())
	f.ctxErrors = append(f.ctxErrors, ctx.Err())
	if f.err != nil {
		return nil, f.err
	}
	fill := *f.fill
	if fill.Quantity == 0 {
		fill.Quantity = pos.Quantity
	}
	return &fill, nil
}

// scriptedCycles replays results and records the state each cycle saw
type scriptedCycles struct {
	results []models.CycleResult
	seen    []models.SessionState
	onRun   func(n int)
}

func (s *scriptedCycles) Run(_ context.Context, state models.SessionState) models.CycleResult {
	n := len(s.seen)
	s.seen = append(s.seen, state)
	if s.onRun != nil {
		s.onRun(n)
	}
	r := s.results[n%len(s.results)]
	r.CycleID = "cycle-" + string(rune('a'+n%26))
	r.Finished = time.Now()
	return r
}

func settledResult(pnl string) models.CycleResult {
	return models.CycleResult{
		Outcome:     models.OutcomeSettled,
		ExitReason:  models.ExitReasonTakeProfit,
		RealizedPnL: d(pnl),
	}
}
