// Package util provides common utility functions for equity price arithmetic.
package util

import "math"

// PennyTick is the minimum price increment for US equities quoted at or above $1.
const PennyTick = 0.01

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 12.345 becomes 12.35.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// TradablePrice rounds x to a penny and never returns less than one tick.
func TradablePrice(x float64) float64 {
	return math.Max(PennyTick, RoundToTick(x, PennyTick))
}

// Quote returns a one-tick bid/ask around last, with the bid floored at zero.
func Quote(last float64) (bid, ask float64) {
	bid = math.Max(0, RoundToTick(last-PennyTick, PennyTick))
	ask = RoundToTick(last+PennyTick, PennyTick)
	return bid, ask
}
