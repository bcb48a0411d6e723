package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// MockBroker is a test double for the Broker interface
type MockBroker struct {
	mu         sync.Mutex
	err        error
	shouldFail bool
	failAfter  int
	callCount  int
}

func (m *MockBroker) next() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	if m.shouldFail && m.callCount > m.failAfter {
		if m.err != nil {
			return m.err
		}
		return fmt.Errorf("%w: mock failure", ErrBrokerUnavailable)
	}
	return nil
}

func (m *MockBroker) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = fail
}

func (m *MockBroker) GetAccountBalance(_ context.Context) (float64, error) {
	if err := m.next(); err != nil {
		return 0, err
	}
	return 1000.0, nil
}

func (m *MockBroker) GetStockBuyingPower(_ context.Context) (float64, error) {
	if err := m.next(); err != nil {
		return 0, err
	}
	return 900.0, nil
}

func (m *MockBroker) GetMarketClock(_ context.Context) (*MarketClockResponse, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	clock := &MarketClockResponse{}
	clock.Clock.State = MarketStateOpen
	return clock, nil
}

func (m *MockBroker) GetPositions(_ context.Context) ([]PositionItem, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	return []PositionItem{}, nil
}

func (m *MockBroker) GetQuotes(_ context.Context, symbols []string) ([]QuoteItem, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	out := make([]QuoteItem, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, QuoteItem{Symbol: s, Last: 10})
	}
	return out, nil
}

func (m *MockBroker) GetQuote(_ context.Context, symbol string) (*QuoteItem, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	return &QuoteItem{Symbol: symbol, Last: 10}, nil
}

func (m *MockBroker) PlaceEquityOrder(_ context.Context, side Side, symbol string,
	quantity int64, tag string) (*OrderResponse, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	return &OrderResponse{Order: Order{ID: 1, Symbol: symbol, Side: string(side), Quantity: float64(quantity), Tag: tag}}, nil
}

func (m *MockBroker) GetOrderStatus(_ context.Context, orderID int) (*OrderResponse, error) {
	if err := m.next(); err != nil {
		return nil, err
	}
	return &OrderResponse{Order: Order{ID: orderID, Status: OrderStatusFilled}}, nil
}

func TestSideValid(t *testing.T) {
	if !SideBuy.Valid() || !SideSell.Valid() {
		t.Fatal("buy and sell must be valid")
	}
	if Side("buy_to_cover").Valid() {
		t.Fatal("unexpected side accepted")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"broker unavailable", fmt.Errorf("wrap: %w", ErrBrokerUnavailable), true},
		{"provider unavailable", ErrProviderUnavailable, true},
		{"deadline", context.DeadlineExceeded, true},
		{"429", &APIError{Status: 429}, true},
		{"503", &APIError{Status: 503}, true},
		{"400", &APIError{Status: 400}, false},
		{"rejected", ErrOrderRejected, false},
		{"unknown symbol", ErrUnknownSymbol, false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyOrderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"buying power", &APIError{Status: 400, Body: "Not enough buying power"}, ErrInsufficientFunds},
		{"insufficient", &APIError{Status: 400, Body: "insufficient funds for order"}, ErrInsufficientFunds},
		{"bad request", &APIError{Status: 400, Body: "invalid symbol"}, ErrOrderRejected},
		{"unprocessable", &APIError{Status: 422, Body: "market closed"}, ErrOrderRejected},
		{"server error", &APIError{Status: 502, Body: "bad gateway"}, ErrBrokerUnavailable},
		{"rate limited", &APIError{Status: 429, Body: "slow down"}, ErrBrokerUnavailable},
		{"transport", errors.New("connection reset"), ErrBrokerUnavailable},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyOrderError(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("classifyOrderError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if classifyOrderError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestClassifyDataError(t *testing.T) {
	if got := classifyDataError(&APIError{Status: http.StatusNotFound}); !errors.Is(got, ErrUnknownSymbol) {
		t.Fatalf("404 = %v, want ErrUnknownSymbol", got)
	}
	if got := classifyDataError(&APIError{Status: 500}); !errors.Is(got, ErrProviderUnavailable) {
		t.Fatalf("500 = %v, want ErrProviderUnavailable", got)
	}
	if got := classifyDataError(ErrUnknownSymbol); !errors.Is(got, ErrUnknownSymbol) || errors.Is(got, ErrProviderUnavailable) {
		t.Fatalf("unknown symbol must pass through, got %v", got)
	}
}

func TestTradierClient_PlaceEquityOrder_Classification(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":{"error":"Not enough buying power"}}`, http.StatusBadRequest)
	})
	defer srv.Close()

	client := NewTradierClientWithAPI(api)
	_, err := client.PlaceEquityOrder(context.Background(), SideBuy, "F", 10, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("APIError should stay reachable, got %v", err)
	}
}

func TestTradierClient_GetQuote_ServerError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	defer srv.Close()

	client := NewTradierClientWithAPI(api)
	if _, err := client.GetQuote(context.Background(), "F"); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestNewCircuitBreakerBroker(t *testing.T) {
	mockBroker := &MockBroker{}
	cb := NewCircuitBreakerBroker(mockBroker)

	if cb.broker != mockBroker {
		t.Error("CircuitBreakerBroker.broker not set correctly")
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("new breaker should be closed, got %s", cb.State())
	}
}

func TestCircuitBreakerBroker_AllMethods(t *testing.T) {
	cb := NewCircuitBreakerBroker(&MockBroker{})
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"GetAccountBalance", func() error { _, err := cb.GetAccountBalance(ctx); return err }},
		{"GetStockBuyingPower", func() error { _, err := cb.GetStockBuyingPower(ctx); return err }},
		{"GetPositions", func() error { _, err := cb.GetPositions(ctx); return err }},
		{"GetMarketClock", func() error { _, err := cb.GetMarketClock(ctx); return err }},
		{"GetQuotes", func() error { _, err := cb.GetQuotes(ctx, []string{"F", "T"}); return err }},
		{"GetQuote", func() error { _, err := cb.GetQuote(ctx, "F"); return err }},
		{"PlaceEquityOrder", func() error { _, err := cb.PlaceEquityOrder(ctx, SideBuy, "F", 1, "tag"); return err }},
		{"GetOrderStatus", func() error { _, err := cb.GetOrderStatus(ctx, 1); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("%s failed: %v", tt.name, err)
			}
		})
	}
}

func TestCircuitBreakerBroker_TripsAndReportsUnavailable(t *testing.T) {
	mockBroker := &MockBroker{shouldFail: true, failAfter: 0}
	cb := NewCircuitBreakerBrokerWithSettings(mockBroker, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	})

	for i := 0; i < 3; i++ {
		_, _ = cb.GetAccountBalance(context.Background())
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", cb.State())
	}

	_, err := cb.GetAccountBalance(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want gobreaker.ErrOpenState", err)
	}
	if !errors.Is(err, ErrBrokerUnavailable) || !IsTransient(err) {
		t.Fatalf("open breaker should surface as ErrBrokerUnavailable, got %v", err)
	}
}

func TestCircuitBreakerBroker_RejectionsDoNotTrip(t *testing.T) {
	mockBroker := &MockBroker{shouldFail: true, err: fmt.Errorf("%w: bad symbol", ErrOrderRejected)}
	cb := NewCircuitBreakerBrokerWithSettings(mockBroker, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.1,
	})

	for i := 0; i < 5; i++ {
		_, err := cb.PlaceEquityOrder(context.Background(), SideBuy, "ZZZZ", 1, "")
		if !errors.Is(err, ErrOrderRejected) {
			t.Fatalf("call %d: err = %v, want ErrOrderRejected", i, err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("rejections must not open the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerBroker_RecoveryBehavior(t *testing.T) {
	mockBroker := &MockBroker{shouldFail: true, failAfter: 0}
	cb := NewCircuitBreakerBrokerWithSettings(mockBroker, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      15 * time.Millisecond,
		MinRequests:  2,
		FailureRatio: 0.5,
	})

	for i := 0; i < 2; i++ {
		_, _ = cb.GetAccountBalance(context.Background())
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", cb.State())
	}

	deadline := time.Now().Add(time.Second)
	for cb.State() != gobreaker.StateHalfOpen {
		if time.Now().After(deadline) {
			t.Fatal("breaker did not transition to half-open")
		}
		time.Sleep(2 * time.Millisecond)
	}

	mockBroker.setFail(false)
	balance, err := cb.GetAccountBalance(context.Background())
	if err != nil || balance != 1000.0 {
		t.Fatalf("recovery call = %v, %v", balance, err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("breaker should close after a successful half-open call, got %s", cb.State())
	}
}
