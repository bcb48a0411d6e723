package marketdata

import (
	"context"
	"errors"
	"testing"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuotes struct {
	quotes   map[string]broker.QuoteItem
	batchErr error
	quoteErr error
	asked    []string
}

func (f *fakeQuotes) GetQuotes(_ context.Context, symbols []string) ([]broker.QuoteItem, error) {
	f.asked = symbols
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	var out []broker.QuoteItem
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeQuotes) GetQuote(_ context.Context, symbol string) (*broker.QuoteItem, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, broker.ErrUnknownSymbol
	}
	return &q, nil
}

func TestNewBrokerProvider_NormalizesUniverse(t *testing.T) {
	p := NewBrokerProvider(&fakeQuotes{}, []string{" f", "AAPL", "F", "", "t "})
	assert.Equal(t, []string{"F", "AAPL", "T"}, p.Universe())
}

func TestRankedSymbolsByVolume_SortsDescending(t *testing.T) {
	src := &fakeQuotes{quotes: map[string]broker.QuoteItem{
		"A": {Symbol: "A", Volume: 1_000_000},
		"B": {Symbol: "B", Volume: 2_000_000},
		"C": {Symbol: "C", Volume: 1_500_000},
	}}
	p := NewBrokerProvider(src, []string{"A", "B", "C", "MISSING"})

	ranked, err := p.RankedSymbolsByVolume(context.Background())
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, []SymbolVolume{
		{Symbol: "B", Volume: 2_000_000},
		{Symbol: "C", Volume: 1_500_000},
		{Symbol: "A", Volume: 1_000_000},
	}, ranked)
	assert.Equal(t, []string{"A", "B", "C", "MISSING"}, src.asked, "universe goes out in one batch")
}

func TestRankedSymbolsByVolume_EmptyUniverse(t *testing.T) {
	ranked, err := NewBrokerProvider(&fakeQuotes{}, nil).RankedSymbolsByVolume(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestRankedSymbolsByVolume_WrapsFailure(t *testing.T) {
	src := &fakeQuotes{batchErr: errors.New("dial tcp: timeout")}
	_, err := NewBrokerProvider(src, []string{"F"}).RankedSymbolsByVolume(context.Background())
	assert.ErrorIs(t, err, broker.ErrProviderUnavailable)
}

func TestCurrentQuote(t *testing.T) {
	src := &fakeQuotes{quotes: map[string]broker.QuoteItem{
		"F":    {Symbol: "F", Last: 12.05},
		"HALT": {Symbol: "HALT", Last: 0},
	}}
	p := NewBrokerProvider(src, []string{"F"})

	price, err := p.CurrentQuote(context.Background(), "F")
	require.NoError(t, err)
	assert.Equal(t, "12.05", price.String())

	_, err = p.CurrentQuote(context.Background(), "HALT")
	assert.ErrorIs(t, err, broker.ErrUnknownSymbol, "non-positive price counts as no quote")

	_, err = p.CurrentQuote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, broker.ErrUnknownSymbol)
	assert.NotErrorIs(t, err, broker.ErrProviderUnavailable)
}

func TestCurrentQuote_TransientFailure(t *testing.T) {
	src := &fakeQuotes{quoteErr: errors.New("connection refused")}
	_, err := NewBrokerProvider(src, nil).CurrentQuote(context.Background(), "F")
	assert.ErrorIs(t, err, broker.ErrProviderUnavailable)
	assert.True(t, broker.IsTransient(err))
}
