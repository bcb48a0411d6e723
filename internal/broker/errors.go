package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Failure classes surfaced by market data and order calls
var (
	// ErrProviderUnavailable means market data could not be fetched (transient)
	ErrProviderUnavailable = errors.New("market data provider unavailable")
	// ErrUnknownSymbol means the provider has no quote for the symbol
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrOrderRejected means the broker refused the order
	ErrOrderRejected = errors.New("order rejected")
	// ErrInsufficientFunds means the account cannot cover the order
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrBrokerUnavailable means the broker could not be reached (transient)
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBrokerUnavailable) || errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyOrderError maps a raw order-endpoint failure onto the broker error classes
func classifyOrderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		body := strings.ToLower(apiErr.Body)
		switch {
		case strings.Contains(body, "buying power") || strings.Contains(body, "insufficient"):
			return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		case apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500:
			return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		default:
			return fmt.Errorf("%w: %w", ErrOrderRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
}

// classifyDataError maps a raw market-data failure onto the provider error classes
func classifyDataError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnknownSymbol) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrUnknownSymbol, err)
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}
