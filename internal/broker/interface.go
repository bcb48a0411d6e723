package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Side is the direction of an equity order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a supported order side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Account operations
	GetAccountBalance(ctx context.Context) (float64, error)
	GetStockBuyingPower(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)

	// Market data
	GetQuotes(ctx context.Context, symbols []string) ([]QuoteItem, error)
	GetQuote(ctx context.Context, symbol string) (*QuoteItem, error)
	GetMarketClock(ctx context.Context) (*MarketClockResponse, error)

	// Orders
	PlaceEquityOrder(ctx context.Context, side Side, symbol string, quantity int64, tag string) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error)
}

// TradierClient wraps TradierAPI to implement the Broker interface.
// Raw HTTP failures are mapped onto the package's error classes here.
type TradierClient struct {
	*TradierAPI
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier broker client
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	return &TradierClient{TradierAPI: NewTradierAPI(apiKey, accountID, sandbox)}
}

// NewTradierClientWithAPI wraps an already configured API client
func NewTradierClientWithAPI(api *TradierAPI) *TradierClient {
	return &TradierClient{TradierAPI: api}
}

// GetAccountBalance returns the total account equity
func (t *TradierClient) GetAccountBalance(ctx context.Context) (float64, error) {
	balance, err := t.GetBalanceCtx(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return balance.Balances.TotalEquity, nil
}

// GetStockBuyingPower returns what the account can spend on shares right now
func (t *TradierClient) GetStockBuyingPower(ctx context.Context) (float64, error) {
	balance, err := t.GetBalanceCtx(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return balance.GetStockBuyingPower()
}

// GetPositions returns the account's open positions
func (t *TradierClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	positions, err := t.GetPositionsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return positions, nil
}

// GetQuotes returns quotes for symbols in one batched request
func (t *TradierClient) GetQuotes(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	quotes, err := t.GetQuotesCtx(ctx, symbols)
	return quotes, classifyDataError(err)
}

// GetQuote returns the quote for a single symbol
func (t *TradierClient) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	quote, err := t.GetQuoteCtx(ctx, symbol)
	return quote, classifyDataError(err)
}

// GetMarketClock returns the exchange's current session state
func (t *TradierClient) GetMarketClock(ctx context.Context) (*MarketClockResponse, error) {
	clock, err := t.GetMarketClockCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return clock, nil
}

// PlaceEquityOrder submits a market order good for the day
func (t *TradierClient) PlaceEquityOrder(ctx context.Context, side Side, symbol string,
	quantity int64, tag string) (*OrderResponse, error) {
	resp, err := t.PlaceEquityOrderCtx(ctx, side, symbol, quantity, tag)
	if err != nil {
		return nil, classifyOrderError(err)
	}
	return resp, nil
}

// GetOrderStatus retrieves the status of an order
func (t *TradierClient) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	resp, err := t.GetOrderStatusCtx(ctx, orderID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Status != 429 {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return resp, nil
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
// An open breaker surfaces as ErrBrokerUnavailable so callers can retry later.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold

	// OnStateChange is called after the breaker logs a transition
	OnStateChange func(from, to gobreaker.State)
}

// DefaultCircuitBreakerSettings trips at a 60% failure rate over at least 5 calls
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings())
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
// Rejections and unknown symbols are the caller's problem, not the broker's,
// so they do not count toward tripping the breaker.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			if settings.OnStateChange != nil {
				settings.OnStateChange(from, to)
			}
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for health reporting
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetAccountBalance wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountBalance(ctx) })
}

// GetStockBuyingPower wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetStockBuyingPower(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetStockBuyingPower(ctx) })
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions(ctx) })
}

// GetQuotes wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, symbols []string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]QuoteItem, error) { return b.GetQuotes(ctx, symbols) })
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(ctx, symbol) })
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(ctx)
	})
}

// PlaceEquityOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceEquityOrder(ctx context.Context, side Side, symbol string,
	quantity int64, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceEquityOrder(ctx, side, symbol, quantity, tag)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}
