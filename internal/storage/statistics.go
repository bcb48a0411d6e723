package storage

import (
	"time"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/shopspring/decimal"
)

// dateLayout keys the daily P&L map
const dateLayout = "2006-01-02"

// Statistics summarizes settled cycles
type Statistics struct {
	TotalTrades      int             `json:"total_trades"`
	WinningTrades    int             `json:"winning_trades"`
	LosingTrades     int             `json:"losing_trades"`
	NoOpCycles       int             `json:"no_op_cycles"`
	UnresolvedCycles int             `json:"unresolved_cycles"`
	WinRate          float64         `json:"win_rate"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	AverageWin       decimal.Decimal `json:"average_win"`
	AverageLoss      decimal.Decimal `json:"average_loss"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"` // worst single-cycle loss
	CurrentStreak    int             `json:"current_streak"`
}

// apply folds one finished cycle into the statistics
func (stats *Statistics) apply(rec models.CycleRecord) {
	switch rec.Outcome {
	case models.OutcomeNoOp:
		stats.NoOpCycles++
		return
	case models.OutcomeUnresolved:
		stats.UnresolvedCycles++
		return
	}

	pnl := rec.RealizedPnL
	stats.TotalTrades++
	stats.TotalPnL = stats.TotalPnL.Add(pnl)

	if pnl.IsNegative() {
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		stats.AverageLoss = runningMean(stats.AverageLoss, pnl, stats.LosingTrades)
		if pnl.LessThan(stats.MaxDrawdown) {
			stats.MaxDrawdown = pnl
		}
	} else {
		// Break-even counts as a win, matching the loss-streak rule.
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		stats.AverageWin = runningMean(stats.AverageWin, pnl, stats.WinningTrades)
	}

	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
}

func runningMean(mean, x decimal.Decimal, n int) decimal.Decimal {
	total := mean.Mul(decimal.NewFromInt(int64(n - 1))).Add(x)
	return total.Div(decimal.NewFromInt(int64(n)))
}

// dayKey returns the local calendar day a cycle settled on
func dayKey(rec models.CycleRecord) string {
	t := rec.Finished
	if t.IsZero() {
		t = time.Now()
	}
	return t.Local().Format(dateLayout)
}
