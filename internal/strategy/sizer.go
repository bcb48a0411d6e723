package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCapital means capital does not cover a single share
	ErrInsufficientCapital = errors.New("insufficient capital for one share")
	// ErrInvalidSizingInput means price or capital is out of range
	ErrInvalidSizingInput = errors.New("invalid sizing input")
)

// SizePosition returns the whole number of shares capital buys at price
func SizePosition(capital, price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, fmt.Errorf("%w: price must be > 0 (got %s)", ErrInvalidSizingInput, price)
	}
	if capital.IsNegative() {
		return 0, fmt.Errorf("%w: capital must be >= 0 (got %s)", ErrInvalidSizingInput, capital)
	}

	shares := capital.Div(price).Floor()
	if shares.LessThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("%w: capital %s at price %s", ErrInsufficientCapital, capital, price)
	}
	return shares.IntPart(), nil
}
