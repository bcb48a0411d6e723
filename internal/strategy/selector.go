// Package strategy implements symbol selection, position sizing and exit rules
// for the volume rider.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/eddiefleurent/volume_rider/internal/marketdata"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultMaxCandidates bounds how far down the volume ranking the selector walks
const DefaultMaxCandidates = 100

// ErrNoEligibleSymbol means no ranked symbol traded inside the price band
var ErrNoEligibleSymbol = errors.New("no eligible symbol")

// Candidate is the symbol chosen for the next cycle
type Candidate struct {
	Symbol string
	Volume int64
	Price  decimal.Decimal
}

// Selector picks the highest-volume symbol whose price lies in [MinPrice, MaxPrice]
type Selector struct {
	provider      marketdata.Provider
	logger        logrus.FieldLogger
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	MaxCandidates int
}

// NewSelector creates a selector with the default candidate limit
func NewSelector(provider marketdata.Provider, minPrice, maxPrice decimal.Decimal, logger logrus.FieldLogger) *Selector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Selector{
		provider:      provider,
		logger:        logger,
		MinPrice:      minPrice,
		MaxPrice:      maxPrice,
		MaxCandidates: DefaultMaxCandidates,
	}
}

// InBand reports whether price lies within the inclusive price band
func (s *Selector) InBand(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(s.MinPrice) && price.LessThanOrEqual(s.MaxPrice)
}

// Select walks the volume ranking and returns the first candidate in the price band.
// A quote failure for one symbol skips it; a ranking failure is returned as is.
func (s *Selector) Select(ctx context.Context) (Candidate, error) {
	ranked, err := s.provider.RankedSymbolsByVolume(ctx)
	if err != nil {
		return Candidate{}, fmt.Errorf("ranking symbols by volume: %w", err)
	}

	// Provider order breaks ties.
	ranked = append([]marketdata.SymbolVolume(nil), ranked...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Volume > ranked[j].Volume
	})

	limit := s.MaxCandidates
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}

	for _, sv := range ranked[:limit] {
		if err := ctx.Err(); err != nil {
			return Candidate{}, err
		}

		price, err := s.provider.CurrentQuote(ctx, sv.Symbol)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Candidate{}, err
			}
			s.logger.WithFields(logrus.Fields{
				"symbol": sv.Symbol,
				"error":  err,
			}).Debug("Skipping candidate without quote")
			continue
		}

		if !s.InBand(price) {
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"symbol": sv.Symbol,
			"volume": sv.Volume,
			"price":  price.String(),
		}).Info("Selected symbol")
		return Candidate{Symbol: sv.Symbol, Volume: sv.Volume, Price: price}, nil
	}

	return Candidate{}, fmt.Errorf("%w: scanned %d symbols in band [%s, %s]",
		ErrNoEligibleSymbol, limit, s.MinPrice, s.MaxPrice)
}
