package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrPartialCloseOut means the sell filled only part of the stored quantity
var ErrPartialCloseOut = errors.New("close-out filled partially")

const positionsFetchTimeout = 8 * time.Second

type positionLister interface {
	GetPositions(ctx context.Context) ([]broker.PositionItem, error)
}

type quoteSource interface {
	CurrentQuote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type exitSeller interface {
	SellWithRetry(ctx context.Context, pos *models.Position) (*models.Fill, error)
}

// Outcome describes what a close-out did
type Outcome struct {
	Position     *models.Position
	Fill         *models.Fill
	RealizedPnL  decimal.Decimal
	HeldQuantity int64
	Cleared      bool
	DryRun       bool
}

// Closer resolves the position a halted session left behind
type Closer struct {
	broker  positionLister
	quotes  quoteSource
	seller  exitSeller
	storage storage.Interface
	logger  logrus.FieldLogger
	dryRun  bool
}

// NewCloser creates a close-out runner
func NewCloser(b positionLister, quotes quoteSource, seller exitSeller, store storage.Interface,
	logger logrus.FieldLogger, dryRun bool) *Closer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Closer{broker: b, quotes: quotes, seller: seller, storage: store, logger: logger, dryRun: dryRun}
}

// Run sells whatever the broker still holds of the stored position, then
// clears the journal and folds the realized P&L into the stored session so
// a resumed run continues from the true capital.
func (c *Closer) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{DryRun: c.dryRun}

	stored := c.storage.GetOpenPosition()
	if stored == nil {
		c.logger.Info("No stored position, nothing to close out")
		return out, nil
	}
	out.Position = stored

	log := c.logger.WithFields(logrus.Fields{
		"position_id": stored.ID,
		"symbol":      stored.Symbol,
		"state":       stored.State,
		"quantity":    stored.Quantity,
	})

	held, err := c.heldQuantity(ctx, stored.Symbol)
	if err != nil {
		return out, err
	}
	out.HeldQuantity = held

	if held > 0 {
		qty := min(held, stored.Quantity)
		if c.dryRun {
			log.WithField("sell_quantity", qty).Info("Dry run: would sell held shares")
			return out, nil
		}

		toSell := stored.Copy()
		toSell.Quantity = qty
		fill, err := c.seller.SellWithRetry(ctx, toSell)
		if err != nil {
			return out, fmt.Errorf("selling %s x%d: %w", stored.Symbol, qty, err)
		}
		if !fill.Price.IsPositive() {
			priced := *fill
			priced.Price = c.fallbackPrice(ctx, log, stored)
			fill = &priced
		}
		out.Fill = fill

		sold := toSell.Copy()
		sold.Quantity = fill.Quantity
		out.RealizedPnL = sold.RealizedPnL(fill.Price)
		c.settle(log, stored, fill, out.RealizedPnL)

		if fill.Quantity < qty {
			remaining := stored.Copy()
			remaining.Quantity = stored.Quantity - fill.Quantity
			if err := c.storage.SetOpenPosition(remaining); err != nil {
				log.WithError(err).Error("Failed to persist remaining quantity")
			}
			return out, fmt.Errorf("%w: %d of %d shares sold", ErrPartialCloseOut, fill.Quantity, qty)
		}
		log.WithFields(logrus.Fields{
			"fill_price": fill.Price.StringFixed(2),
			"pnl":        out.RealizedPnL.StringFixed(2),
		}).Info("Position closed out")
	} else {
		if c.dryRun {
			log.Info("Dry run: broker holds nothing, would clear the stored record")
			return out, nil
		}
		log.Warn("Broker no longer holds the position, clearing stored record")
		c.settle(log, stored, nil, decimal.Zero)
	}

	if err := c.storage.ClearOpenPosition(); err != nil {
		return out, fmt.Errorf("clearing stored position: %w", err)
	}
	out.Cleared = true
	return out, nil
}

func (c *Closer) heldQuantity(ctx context.Context, symbol string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()

	positions, err := c.broker.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching broker positions: %w", err)
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && p.Quantity > 0 {
			return int64(math.Round(p.Quantity)), nil
		}
	}
	return 0, nil
}

// fallbackPrice prices a fill the broker reported without one: the current
// quote if there is one, otherwise the entry price so no P&L is invented.
func (c *Closer) fallbackPrice(ctx context.Context, log logrus.FieldLogger, stored *models.Position) decimal.Decimal {
	ctx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()

	price, err := c.quotes.CurrentQuote(ctx, stored.Symbol)
	if err != nil || !price.IsPositive() {
		log.WithError(err).Warn("Sell fill carried no price and no quote is available, booking it at the entry price")
		return stored.EntryPrice
	}
	log.WithField("quote", price.String()).Warn("Sell fill carried no price, using current quote")
	return price
}

// settle journals the close-out as a cycle and moves a halted session to stopped
func (c *Closer) settle(log logrus.FieldLogger, stored *models.Position, fill *models.Fill, pnl decimal.Decimal) {
	now := time.Now().UTC()
	result := models.CycleResult{
		Started:     now,
		Finished:    now,
		CycleID:     uuid.New().String(),
		ExitReason:  models.ExitReasonManual,
		RealizedPnL: pnl,
		Position:    stored.Copy(),
	}
	if fill != nil {
		result.Outcome = models.OutcomeSettled
		result.Position.Quantity = fill.Quantity
		result.Position.MarkClosed(fill.Price, models.ExitReasonManual, fill.OrderID)
	} else {
		result.Outcome = models.OutcomeNoOp
		result.Error = "position closed outside the bot"
	}

	if err := c.storage.RecordCycle(result.Record()); err != nil {
		log.WithError(err).Error("Failed to record close-out")
	}

	state, err := c.storage.LoadSession()
	if err != nil || state == nil {
		if err != nil {
			log.WithError(err).Warn("Could not load stored session, leaving it untouched")
		}
		return
	}
	next := *state
	if result.Outcome == models.OutcomeSettled {
		next = state.Apply(result)
	}
	if next.Status == models.SessionUnresolved {
		next.Status = models.SessionStopped
	}
	if err := c.storage.SaveSession(next); err != nil {
		log.WithError(err).Error("Failed to save session state")
	}
}
