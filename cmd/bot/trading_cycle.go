package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/marketdata"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/orders"
	"github.com/eddiefleurent/volume_rider/internal/retry"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/eddiefleurent/volume_rider/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type symbolSelector interface {
	Select(ctx context.Context) (strategy.Candidate, error)
}

type entryPlacer interface {
	PlaceOrder(ctx context.Context, side broker.Side, symbol string, quantity int64) (*models.Fill, error)
}

type exitSeller interface {
	SellWithRetry(ctx context.Context, position *models.Position) (*models.Fill, error)
}

type quoteObserver interface {
	QuoteFailed()
}

type nopQuoteObserver struct{}

func (nopQuoteObserver) QuoteFailed() {}

// CycleConfig bounds the monitoring and close-out phases
type CycleConfig struct {
	CheckInterval   time.Duration
	QuoteTimeout    time.Duration // per quote request
	CloseOutTimeout time.Duration // order budget once the session context is gone
	MaxMissedPolls  int
	QuoteRetry      retry.Config
}

// TradingCycle runs one select, buy, monitor, sell round trip
type TradingCycle struct {
	selector symbolSelector
	market   marketdata.Provider
	entry    entryPlacer
	exit     exitSeller
	policy   strategy.ExitPolicy
	storage  storage.Interface
	metrics  quoteObserver
	logger   logrus.FieldLogger
	sleep    Sleeper
	config   CycleConfig
}

// NewTradingCycle creates a new trading cycle handler
func NewTradingCycle(
	selector symbolSelector,
	market marketdata.Provider,
	entry entryPlacer,
	exit exitSeller,
	policy strategy.ExitPolicy,
	store storage.Interface,
	logger logrus.FieldLogger,
	config CycleConfig,
) *TradingCycle {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.MaxMissedPolls <= 0 {
		config.MaxMissedPolls = 1
	}
	if config.CloseOutTimeout <= 0 {
		config.CloseOutTimeout = 2 * time.Minute
	}
	return &TradingCycle{
		selector: selector,
		market:   market,
		entry:    entry,
		exit:     exit,
		policy:   policy,
		storage:  store,
		metrics:  nopQuoteObserver{},
		logger:   logger,
		sleep:    sleepCtx,
		config:   config,
	}
}

// WithMetrics attaches a quote failure counter
func (tc *TradingCycle) WithMetrics(m quoteObserver) *TradingCycle {
	if m != nil {
		tc.metrics = m
	}
	return tc
}

// WithSleeper replaces the wait between price checks
func (tc *TradingCycle) WithSleeper(s Sleeper) *TradingCycle {
	if s != nil {
		tc.sleep = s
	}
	return tc
}

// Run executes one trading cycle against the session's current capital.
// It never returns an error: failures become no_op or unresolved results.
func (tc *TradingCycle) Run(ctx context.Context, state models.SessionState) models.CycleResult {
	cycleID := uuid.NewString()
	started := time.Now().UTC()
	log := tc.logger.WithField("cycle_id", shortID(cycleID))
	sm := models.NewStateMachine()

	log.WithField("capital", state.Capital.StringFixed(2)).Info("Starting trading cycle")

	// SELECTING
	candidate, err := tc.selector.Select(ctx)
	if err != nil {
		tc.transition(log, sm, models.StateAborted, models.ConditionNoEligibleSymbol)
		log.WithError(err).Warn("No symbol selected, cycle is a no-op")
		return models.NewNoOpResult(cycleID, started, err)
	}
	tc.transition(log, sm, models.StateEntering, models.ConditionSymbolSelected)
	log = log.WithField("symbol", candidate.Symbol)
	log.WithFields(logrus.Fields{
		"price":  candidate.Price.String(),
		"volume": candidate.Volume,
	}).Info("Selected symbol")

	// ENTERING
	pos, err := tc.enter(ctx, log, cycleID, state.Capital, candidate)
	if err != nil && pos != nil {
		return tc.unconfirmedEntry(log, sm, pos, started, err)
	}
	if err != nil {
		tc.transition(log, sm, models.StateAborted, models.ConditionEntryFailed)
		log.WithError(err).Warn("Entry failed, cycle is a no-op")
		return models.NewNoOpResult(cycleID, started, err)
	}
	tc.transition(log, sm, models.StateMonitoring, models.ConditionOrderFilled)
	pos.StateMachine = sm
	pos.State = sm.GetCurrentState()
	tc.persist(log, pos)

	// MONITORING
	reason, trigger := tc.monitor(ctx, log, pos)

	// EXITING
	condition := models.ConditionExitSignal
	if reason == models.ExitReasonForced {
		condition = models.ConditionForcedExit
	}
	tc.transition(log, sm, models.StateExiting, condition)
	pos.State = sm.GetCurrentState()
	tc.persist(log, pos)

	// The exit runs to completion on a detached deadline so shutdown cannot
	// strand shares mid-sell.
	sellCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tc.config.CloseOutTimeout)
	defer cancel()
	if ctx.Err() != nil {
		log.WithField("budget", tc.config.CloseOutTimeout).Warn("Shutdown requested, closing out position")
	}

	fill, err := tc.exit.SellWithRetry(sellCtx, pos)
	if err != nil {
		return tc.unresolved(log, sm, pos, started, reason, err)
	}

	exitPrice := fill.Price
	if !exitPrice.IsPositive() {
		log.WithField("trigger_price", trigger.String()).Warn("Exit fill carried no price, using trigger quote")
		exitPrice = trigger
	}

	if fill.Quantity > 0 && fill.Quantity < pos.Quantity {
		sold := pos.Copy()
		sold.Quantity = fill.Quantity
		partialPnL := sold.RealizedPnL(exitPrice)
		pos.Quantity -= fill.Quantity
		res := tc.unresolved(log, sm, pos, started, reason,
			fmt.Errorf("partial exit: sold %d, %d still held", fill.Quantity, pos.Quantity))
		res.RealizedPnL = partialPnL
		return res
	}

	pos.MarkClosed(exitPrice, reason, fill.OrderID)
	tc.transition(log, sm, models.StateSettled, models.ConditionExitFilled)
	pos.State = sm.GetCurrentState()
	pnl := pos.RealizedPnL(exitPrice)

	if err := tc.storage.ClearOpenPosition(); err != nil {
		log.WithError(err).Error("Failed to clear settled position from storage")
	}

	log.WithFields(logrus.Fields{
		"entry":  pos.EntryPrice.String(),
		"exit":   exitPrice.String(),
		"qty":    pos.Quantity,
		"reason": reason,
		"pnl":    pnl.StringFixed(2),
	}).Info("Cycle settled")

	return models.CycleResult{
		CycleID:     cycleID,
		Outcome:     models.OutcomeSettled,
		ExitReason:  reason,
		RealizedPnL: pnl,
		Position:    pos.Copy(),
		Started:     started,
		Finished:    time.Now().UTC(),
	}
}

// enter sizes and buys. The position's entry price is the fill price.
// When the broker accepted the BUY but its fill is unknown, enter returns the
// position it may have opened together with the error.
func (tc *TradingCycle) enter(ctx context.Context, log logrus.FieldLogger, cycleID string,
	capital decimal.Decimal, candidate strategy.Candidate) (*models.Position, error) {
	qty, err := strategy.SizePosition(capital, candidate.Price)
	if err != nil {
		return nil, err
	}
	// Thresholds scale with price, so checking them at the quote covers the fill.
	if sl, tp := tc.policy.Thresholds(candidate.Price); !sl.LessThan(candidate.Price) || !candidate.Price.LessThan(tp) {
		return nil, fmt.Errorf("%w: exit thresholds %s/%s do not bracket %s",
			models.ErrInvalidPosition, sl, tp, candidate.Price)
	}
	log.WithField("qty", qty).Info("Placing entry order")

	// Once submitted, the BUY is followed to its end even if the session stops.
	buyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tc.config.CloseOutTimeout)
	defer cancel()

	fill, err := tc.entry.PlaceOrder(buyCtx, broker.SideBuy, candidate.Symbol, qty)
	if err != nil {
		var pending *orders.PendingOrderError
		if !errors.As(err, &pending) {
			return nil, fmt.Errorf("entry order: %w", err)
		}
		sl, tp := tc.policy.Thresholds(candidate.Price)
		pos, perr := models.NewPosition(uuid.NewString(), cycleID, candidate.Symbol, candidate.Price, qty, sl, tp)
		if perr != nil {
			return nil, fmt.Errorf("entry order: %w", errors.Join(err, perr))
		}
		pos.EntryOrderID = strconv.Itoa(pending.OrderID)
		return pos, fmt.Errorf("entry order: %w", err)
	}

	entryPrice := fill.Price
	if !entryPrice.IsPositive() {
		log.Warn("Entry fill carried no price, using quoted price")
		entryPrice = candidate.Price
	}
	filledQty := fill.Quantity
	if filledQty <= 0 {
		filledQty = qty
	}

	stopLoss, takeProfit := tc.policy.Thresholds(entryPrice)
	pos, err := models.NewPosition(uuid.NewString(), cycleID, candidate.Symbol, entryPrice, filledQty, stopLoss, takeProfit)
	if err != nil {
		return nil, fmt.Errorf("building position after fill: %w", err)
	}
	pos.EntryOrderID = fill.OrderID

	log.WithFields(logrus.Fields{
		"entry":       entryPrice.String(),
		"qty":         filledQty,
		"stop_loss":   stopLoss.StringFixed(2),
		"take_profit": takeProfit.StringFixed(2),
	}).Info("Position opened")
	return pos, nil
}

// monitor polls the price until an exit fires, market data is lost, or ctx ends.
// It returns the exit reason and the last good price.
func (tc *TradingCycle) monitor(ctx context.Context, log logrus.FieldLogger,
	pos *models.Position) (models.ExitReason, decimal.Decimal) {
	last := pos.EntryPrice
	missed := 0

	for {
		price, err := retry.Do(ctx, tc.config.QuoteRetry, log, "quote "+pos.Symbol,
			func(ctx context.Context) (decimal.Decimal, error) {
				qctx, cancel := context.WithTimeout(ctx, tc.config.QuoteTimeout)
				defer cancel()
				return tc.market.CurrentQuote(qctx, pos.Symbol)
			})

		switch {
		case ctx.Err() != nil:
			return models.ExitReasonForced, last
		case err != nil:
			missed++
			tc.metrics.QuoteFailed()
			log.WithError(err).WithFields(logrus.Fields{
				"missed": missed,
				"limit":  tc.config.MaxMissedPolls,
			}).Warn("Price check failed")
			if missed >= tc.config.MaxMissedPolls {
				log.Error("Market data lost, forcing exit")
				return models.ExitReasonForced, last
			}
		default:
			missed = 0
			last = price
			decision := tc.policy.Decide(pos, price)
			log.WithFields(logrus.Fields{
				"price":      price.String(),
				"unrealized": pos.UnrealizedPnL(price).StringFixed(2),
				"decision":   decision,
			}).Debug("Price check")
			if decision != strategy.Hold {
				log.WithFields(logrus.Fields{
					"price":  price.String(),
					"reason": decision.Reason(),
				}).Info("Exit threshold crossed")
				return decision.Reason(), price
			}
		}

		if err := tc.sleep(ctx, tc.config.CheckInterval); err != nil {
			return models.ExitReasonForced, last
		}
	}
}

// unconfirmedEntry keeps a BUY whose fill is unknown on record at the requested
// size so the shares are never left untracked.
func (tc *TradingCycle) unconfirmedEntry(log logrus.FieldLogger, sm *models.StateMachine, pos *models.Position,
	started time.Time, cause error) models.CycleResult {
	tc.transition(log, sm, models.StateUnresolved, models.ConditionEntryUnconfirmed)
	pos.StateMachine = sm
	pos.State = sm.GetCurrentState()
	tc.persist(log, pos)

	log.WithError(cause).WithFields(logrus.Fields{
		"order_id": pos.EntryOrderID,
		"qty":      pos.Quantity,
	}).Error("Entry order unconfirmed, position UNRESOLVED - manual intervention required")

	return models.CycleResult{
		CycleID:  pos.CycleID,
		Outcome:  models.OutcomeUnresolved,
		Position: pos.Copy(),
		Err:      cause,
		Error:    cause.Error(),
		Started:  started,
		Finished: time.Now().UTC(),
	}
}

// unresolved flags the position for manual intervention and keeps it in storage
func (tc *TradingCycle) unresolved(log logrus.FieldLogger, sm *models.StateMachine, pos *models.Position,
	started time.Time, reason models.ExitReason, cause error) models.CycleResult {
	tc.transition(log, sm, models.StateUnresolved, models.ConditionExitFailed)
	pos.State = sm.GetCurrentState()
	pos.ExitReason = reason
	tc.persist(log, pos)

	log.WithError(cause).WithFields(logrus.Fields{
		"qty":    pos.Quantity,
		"reason": reason,
	}).Error("Exit failed, position UNRESOLVED - manual intervention required")

	return models.CycleResult{
		CycleID:    pos.CycleID,
		Outcome:    models.OutcomeUnresolved,
		ExitReason: reason,
		Position:   pos.Copy(),
		Err:        cause,
		Error:      cause.Error(),
		Started:    started,
		Finished:   time.Now().UTC(),
	}
}

func (tc *TradingCycle) transition(log logrus.FieldLogger, sm *models.StateMachine, to models.CycleState, condition string) {
	from := sm.GetCurrentState()
	if err := sm.Transition(to, condition); err != nil {
		log.WithError(err).Error("Invalid cycle transition")
		return
	}
	log.WithFields(logrus.Fields{
		"from":      from,
		"state":     to,
		"condition": condition,
	}).Debug("Cycle state changed")
}

func (tc *TradingCycle) persist(log logrus.FieldLogger, pos *models.Position) {
	if err := tc.storage.SetOpenPosition(pos); err != nil {
		log.WithError(err).Error("Failed to persist open position")
	}
}
