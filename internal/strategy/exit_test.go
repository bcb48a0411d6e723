package strategy

import (
	"testing"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenPercent() ExitPolicy {
	return ExitPolicy{
		StopLossPct:   decimal.RequireFromString("0.10"),
		TakeProfitPct: decimal.RequireFromString("0.10"),
	}
}

func openPosition(t *testing.T, policy ExitPolicy, entry string) *models.Position {
	t.Helper()
	e := decimal.RequireFromString(entry)
	sl, tp := policy.Thresholds(e)
	pos, err := models.NewPosition("p1", "c1", "F", e, 10, sl, tp)
	require.NoError(t, err)
	return pos
}

func TestThresholds(t *testing.T) {
	sl, tp := tenPercent().Thresholds(decimal.NewFromInt(100))
	assert.True(t, sl.Equal(decimal.NewFromInt(90)), "stop loss %s", sl)
	assert.True(t, tp.Equal(decimal.NewFromInt(110)), "take profit %s", tp)
}

func TestDecide(t *testing.T) {
	policy := tenPercent()
	pos := openPosition(t, policy, "100")

	tests := []struct {
		price string
		want  Decision
	}{
		{"100", Hold},
		{"90.01", Hold},
		{"109.99", Hold},
		{"90", ExitStopLoss},
		{"75", ExitStopLoss},
		{"0.01", ExitStopLoss},
		{"110", ExitTakeProfit},
		{"250", ExitTakeProfit},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Decide(pos, decimal.RequireFromString(tt.price)))
		})
	}
}

func TestDecide_IffProperties(t *testing.T) {
	policy := ExitPolicy{
		StopLossPct:   decimal.RequireFromString("0.07"),
		TakeProfitPct: decimal.RequireFromString("0.15"),
	}
	for _, entry := range []string{"5", "12.34", "99.99", "480"} {
		pos := openPosition(t, policy, entry)
		e := pos.EntryPrice
		for pct := -30; pct <= 30; pct++ {
			price := e.Mul(decimal.NewFromInt(int64(100 + pct))).Div(decimal.NewFromInt(100))
			got := policy.Decide(pos, price)

			wantSL := price.LessThanOrEqual(e.Mul(decimal.NewFromInt(1).Sub(policy.StopLossPct)))
			wantTP := price.GreaterThanOrEqual(e.Mul(decimal.NewFromInt(1).Add(policy.TakeProfitPct)))
			require.False(t, wantSL && wantTP)

			assert.Equal(t, wantSL, got == ExitStopLoss, "entry %s price %s", entry, price)
			assert.Equal(t, wantTP, got == ExitTakeProfit, "entry %s price %s", entry, price)
			assert.Equal(t, !wantSL && !wantTP, got == Hold, "entry %s price %s", entry, price)

			// Pure: the same inputs give the same answer.
			assert.Equal(t, got, policy.Decide(pos, price))
		}
	}
}

func TestDecide_StopLossWinsWhenThresholdsOverlap(t *testing.T) {
	pos := &models.Position{
		EntryPrice:      decimal.NewFromInt(100),
		StopLossPrice:   decimal.NewFromInt(105),
		TakeProfitPrice: decimal.NewFromInt(95),
	}
	assert.Equal(t, ExitStopLoss, tenPercent().Decide(pos, decimal.NewFromInt(100)))
}

func TestDecide_DerivesThresholdsWhenUnset(t *testing.T) {
	pos := &models.Position{EntryPrice: decimal.NewFromInt(50)}
	assert.Equal(t, ExitStopLoss, tenPercent().Decide(pos, decimal.NewFromInt(45)))
	assert.Equal(t, ExitTakeProfit, tenPercent().Decide(pos, decimal.NewFromInt(55)))
	assert.Equal(t, Hold, tenPercent().Decide(pos, decimal.NewFromInt(50)))
}

func TestDecisionReason(t *testing.T) {
	assert.Equal(t, models.ExitReasonStopLoss, ExitStopLoss.Reason())
	assert.Equal(t, models.ExitReasonTakeProfit, ExitTakeProfit.Reason())
	assert.Equal(t, models.ExitReason(""), Hold.Reason())
	assert.Equal(t, "hold", Hold.String())
}
