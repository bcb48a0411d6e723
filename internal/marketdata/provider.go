// Package marketdata exposes the market data the strategy needs (volume
// ranking and last-trade quotes) on top of a broker connection.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/shopspring/decimal"
)

// SymbolVolume is one entry of the volume ranking
type SymbolVolume struct {
	Symbol string
	Volume int64
}

// Provider is the market data port used by the selector and the monitor loop.
// Implementations need not sort RankedSymbolsByVolume; callers order it themselves.
type Provider interface {
	RankedSymbolsByVolume(ctx context.Context) ([]SymbolVolume, error)
	CurrentQuote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// quoteSource is the slice of broker.Broker the provider needs
type quoteSource interface {
	GetQuotes(ctx context.Context, symbols []string) ([]broker.QuoteItem, error)
	GetQuote(ctx context.Context, symbol string) (*broker.QuoteItem, error)
}

// BrokerProvider ranks a fixed universe of symbols using the broker's quote endpoint
type BrokerProvider struct {
	source   quoteSource
	universe []string
}

var _ Provider = (*BrokerProvider)(nil)

// NewBrokerProvider builds a provider over universe; symbols are upper-cased and de-duplicated
func NewBrokerProvider(source quoteSource, universe []string) *BrokerProvider {
	seen := make(map[string]struct{}, len(universe))
	symbols := make([]string, 0, len(universe))
	for _, s := range universe {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	return &BrokerProvider{source: source, universe: symbols}
}

// Universe returns the symbols this provider ranks
func (p *BrokerProvider) Universe() []string {
	out := make([]string, len(p.universe))
	copy(out, p.universe)
	return out
}

// RankedSymbolsByVolume returns the universe ordered by today's volume, highest first
func (p *BrokerProvider) RankedSymbolsByVolume(ctx context.Context) ([]SymbolVolume, error) {
	if len(p.universe) == 0 {
		return nil, nil
	}
	quotes, err := p.source.GetQuotes(ctx, p.universe)
	if err != nil {
		return nil, wrapUnavailable(err)
	}

	ranked := make([]SymbolVolume, 0, len(quotes))
	for _, q := range quotes {
		if q.Symbol == "" {
			continue
		}
		ranked = append(ranked, SymbolVolume{Symbol: q.Symbol, Volume: q.Volume})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Volume > ranked[j].Volume
	})
	return ranked, nil
}

// CurrentQuote returns the last trade price for symbol
func (p *BrokerProvider) CurrentQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := p.source.GetQuote(ctx, symbol)
	if err != nil {
		if errors.Is(err, broker.ErrUnknownSymbol) || errors.Is(err, context.Canceled) {
			return decimal.Zero, err
		}
		return decimal.Zero, wrapUnavailable(err)
	}
	if q == nil || q.Last <= 0 {
		return decimal.Zero, fmt.Errorf("%w: no last trade for %s", broker.ErrUnknownSymbol, symbol)
	}
	return decimal.NewFromFloat(q.Last), nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, broker.ErrProviderUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", broker.ErrProviderUnavailable, err)
}
