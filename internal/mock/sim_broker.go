// Package mock provides an in-process simulated market and broker for sim mode.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/broker"
	"github.com/eddiefleurent/volume_rider/internal/util"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// Ticker seeds one simulated symbol
type Ticker struct {
	Symbol string
	Price  float64
	Volume int64
}

// DefaultTickers is a liquid, mixed-price universe
var DefaultTickers = []Ticker{
	{"F", 12.10, 60_000_000},
	{"T", 17.40, 35_000_000},
	{"AAL", 14.20, 30_000_000},
	{"PLTR", 24.50, 55_000_000},
	{"SOFI", 8.90, 45_000_000},
	{"INTC", 31.00, 40_000_000},
	{"BAC", 37.80, 38_000_000},
	{"AMD", 160.00, 50_000_000},
	{"NVDA", 880.00, 48_000_000},
	{"AAPL", 190.00, 52_000_000},
	{"TSLA", 175.00, 90_000_000},
	{"SPY", 510.00, 70_000_000},
}

// SimBroker implements broker.Broker against a random-walk market.
// Market orders fill immediately at the current last price.
type SimBroker struct {
	mu          sync.Mutex
	quotes      map[string]*broker.QuoteItem
	orders      map[int]broker.Order
	positions   map[string]*broker.PositionItem
	cash        float64
	volatility  float64 // max fractional move per quote request
	nextOrderID int
	marketState string
}

var _ broker.Broker = (*SimBroker)(nil)

// NewSimBroker creates a simulated account holding cash. volatility is the
// largest fractional price move per quote request (0.002 = 0.2%).
func NewSimBroker(cash, volatility float64, tickers ...Ticker) *SimBroker {
	if len(tickers) == 0 {
		tickers = DefaultTickers
	}
	s := &SimBroker{
		quotes:      make(map[string]*broker.QuoteItem, len(tickers)),
		orders:      make(map[int]broker.Order),
		positions:   make(map[string]*broker.PositionItem),
		cash:        cash,
		volatility:  volatility,
		nextOrderID: 1000,
		marketState: broker.MarketStateOpen,
	}
	for _, t := range tickers {
		s.quotes[strings.ToUpper(t.Symbol)] = &broker.QuoteItem{
			Symbol:    strings.ToUpper(t.Symbol),
			Type:      "stock",
			Last:      t.Price,
			Open:      t.Price,
			PrevClose: t.Price,
			Volume:    t.Volume,
		}
	}
	return s
}

// Symbols lists the simulated universe in alphabetical order
func (s *SimBroker) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.quotes))
	for sym := range s.quotes {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SetPrice pins a symbol's last price; useful for scripted scenarios
func (s *SimBroker) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.quotes[strings.ToUpper(symbol)]; ok {
		q.Last = util.TradablePrice(price)
		q.Bid, q.Ask = util.Quote(q.Last)
	}
}

// SetMarketState switches what the simulated market clock reports
func (s *SimBroker) SetMarketState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketState = state
}

// GetMarketClock reports the simulated session state; the simulator is open
// unless told otherwise.
func (s *SimBroker) GetMarketClock(ctx context.Context) (*broker.MarketClockResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clock := &broker.MarketClockResponse{}
	clock.Clock.State = s.marketState
	clock.Clock.Date = time.Now().UTC().Format(time.DateOnly)
	clock.Clock.Timestamp = time.Now().Unix()
	return clock, nil
}

// step random-walks a quote. Caller holds mu.
func (s *SimBroker) step(q *broker.QuoteItem) {
	if s.volatility > 0 {
		q.Last *= 1 + (secureFloat64()-0.5)*2*s.volatility
		q.Last = util.TradablePrice(q.Last)
		q.Volume += secureInt63n(10_000)
	}
	q.High = math.Max(q.High, q.Last)
	if q.Low == 0 || q.Last < q.Low {
		q.Low = q.Last
	}
	q.Bid, q.Ask = util.Quote(q.Last)
	q.TradeDate = time.Now().UnixMilli()
}

func (s *SimBroker) GetQuotes(ctx context.Context, symbols []string) ([]broker.QuoteItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrProviderUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]broker.QuoteItem, 0, len(symbols))
	for _, sym := range symbols {
		q, ok := s.quotes[strings.ToUpper(sym)]
		if !ok {
			continue
		}
		s.step(q)
		out = append(out, *q)
	}
	return out, nil
}

func (s *SimBroker) GetQuote(ctx context.Context, symbol string) (*broker.QuoteItem, error) {
	quotes, err := s.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnknownSymbol, symbol)
	}
	return &quotes[0], nil
}

func (s *SimBroker) PlaceEquityOrder(ctx context.Context, side broker.Side, symbol string,
	quantity int64, tag string) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
	}
	if !side.Valid() || quantity <= 0 {
		return nil, fmt.Errorf("%w: invalid order %s %d %s", broker.ErrOrderRejected, side, quantity, symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sym := strings.ToUpper(symbol)
	q, ok := s.quotes[sym]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnknownSymbol, symbol)
	}
	price := q.Last
	notional := price * float64(quantity)

	switch side {
	case broker.SideBuy:
		if notional > s.cash+1e-9 {
			return nil, fmt.Errorf("%w: need %.2f, have %.2f", broker.ErrInsufficientFunds, notional, s.cash)
		}
		s.cash -= notional
		pos, held := s.positions[sym]
		if !held {
			pos = &broker.PositionItem{Symbol: sym, DateAcquired: time.Now().UTC().Format(time.RFC3339)}
			s.positions[sym] = pos
		}
		pos.Quantity += float64(quantity)
		pos.CostBasis += notional
	case broker.SideSell:
		pos, held := s.positions[sym]
		if !held || pos.Quantity < float64(quantity) {
			return nil, fmt.Errorf("%w: cannot sell %d %s, not held", broker.ErrOrderRejected, quantity, sym)
		}
		avgCost := pos.CostBasis / pos.Quantity
		pos.Quantity -= float64(quantity)
		pos.CostBasis -= avgCost * float64(quantity)
		if pos.Quantity == 0 {
			delete(s.positions, sym)
		}
		s.cash += notional
	}

	s.nextOrderID++
	order := broker.Order{
		ID:               s.nextOrderID,
		Type:             "market",
		Class:            "equity",
		Symbol:           sym,
		Side:             string(side),
		Status:           broker.OrderStatusFilled,
		Duration:         "day",
		Tag:              tag,
		Quantity:         float64(quantity),
		ExecQuantity:     float64(quantity),
		AvgFillPrice:     price,
		LastFillPrice:    price,
		LastFillQuantity: float64(quantity),
		CreateDate:       time.Now().UTC().Format(time.RFC3339),
	}
	s.orders[order.ID] = order
	return &broker.OrderResponse{Order: order}, nil
}

func (s *SimBroker) GetOrderStatus(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	return &broker.OrderResponse{Order: order}, nil
}

// GetStockBuyingPower returns the uninvested cash
func (s *SimBroker) GetStockBuyingPower(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash, nil
}

// GetAccountBalance returns cash plus positions marked at the last price
func (s *SimBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	equity := s.cash
	for sym, pos := range s.positions {
		equity += pos.Quantity * s.quotes[sym].Last
	}
	return equity, nil
}

func (s *SimBroker) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrBrokerUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.PositionItem, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
