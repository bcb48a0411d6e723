package strategy

import (
	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/shopspring/decimal"
)

// Decision is the outcome of one exit check
type Decision int

const (
	Hold Decision = iota
	ExitStopLoss
	ExitTakeProfit
)

func (d Decision) String() string {
	switch d {
	case ExitStopLoss:
		return "exit_stop_loss"
	case ExitTakeProfit:
		return "exit_take_profit"
	default:
		return "hold"
	}
}

// Reason maps an exit decision onto the recorded exit reason
func (d Decision) Reason() models.ExitReason {
	switch d {
	case ExitStopLoss:
		return models.ExitReasonStopLoss
	case ExitTakeProfit:
		return models.ExitReasonTakeProfit
	default:
		return ""
	}
}

// ExitPolicy closes a position on fixed-percentage moves from the entry price
type ExitPolicy struct {
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// Thresholds returns the stop-loss and take-profit trigger prices for entry
func (p ExitPolicy) Thresholds(entry decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	one := decimal.NewFromInt(1)
	return entry.Mul(one.Sub(p.StopLossPct)), entry.Mul(one.Add(p.TakeProfitPct))
}

// Decide compares price against the position's thresholds. Stop loss wins a tie.
func (p ExitPolicy) Decide(pos *models.Position, price decimal.Decimal) Decision {
	stopLoss, takeProfit := pos.StopLossPrice, pos.TakeProfitPrice
	if stopLoss.IsZero() && takeProfit.IsZero() {
		stopLoss, takeProfit = p.Thresholds(pos.EntryPrice)
	}

	if price.LessThanOrEqual(stopLoss) {
		return ExitStopLoss
	}
	if price.GreaterThanOrEqual(takeProfit) {
		return ExitTakeProfit
	}
	return Hold
}
