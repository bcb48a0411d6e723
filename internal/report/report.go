// Package report renders the end-of-session summary.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
)

// maxCycleRows keeps the cycle table readable for long sessions
const maxCycleRows = 25

// Summary is everything the final report shows
type Summary struct {
	State        models.SessionState
	Statistics   storage.Statistics
	History      []models.CycleRecord
	ProfitTarget decimal.Decimal
	OpenPosition *models.Position
}

// Write renders the session table, then the most recent cycles
func Write(w io.Writer, s Summary) error {
	session := table.NewWriter()
	session.SetOutputMirror(w)
	session.SetTitle("Session")
	session.SetStyle(table.StyleLight)
	session.AppendRows([]table.Row{
		{"Status", s.State.Status},
		{"Started", s.State.StartedAt.Local().Format(time.DateTime)},
		{"Initial capital", money(s.State.InitialCapital)},
		{"Capital", money(s.State.Capital)},
		{"Cumulative profit", money(s.State.CumulativeProfit)},
		{"Profit target", money(s.ProfitTarget)},
		{"Cycles settled", s.State.CyclesCompleted},
		{"No-op cycles", s.State.NoOpCycles},
		{"Consecutive losses", s.State.ConsecutiveLosses},
		{"Win rate", fmt.Sprintf("%.1f%%", s.Statistics.WinRate*100)},
		{"Average win", money(s.Statistics.AverageWin)},
		{"Average loss", money(s.Statistics.AverageLoss)},
		{"Worst cycle", money(s.Statistics.MaxDrawdown)},
	})
	session.Render()

	if s.OpenPosition != nil {
		p := s.OpenPosition
		if _, err := fmt.Fprintf(w, "\nOPEN POSITION (manual action may be required): %s x%d entered at %s, state %s\n",
			p.Symbol, p.Quantity, money(p.EntryPrice), p.State); err != nil {
			return err
		}
	}

	if len(s.History) == 0 {
		return nil
	}

	cycles := table.NewWriter()
	cycles.SetOutputMirror(w)
	cycles.SetTitle("Cycles")
	cycles.SetStyle(table.StyleLight)
	cycles.AppendHeader(table.Row{"Finished", "Outcome", "Symbol", "Qty", "Entry", "Exit", "Reason", "P&L"})
	cycles.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})

	history := s.History
	if len(history) > maxCycleRows {
		history = history[len(history)-maxCycleRows:]
	}
	total := decimal.Zero
	for _, rec := range history {
		row := table.Row{rec.Finished.Local().Format(time.DateTime), rec.Outcome, "", "", "", "", "", ""}
		if rec.Outcome != models.OutcomeNoOp {
			row[2], row[3] = rec.Symbol, rec.Quantity
			row[4], row[5] = money(rec.EntryPrice), money(rec.ExitPrice)
			row[6] = rec.ExitReason
		} else {
			row[6] = rec.Error
		}
		if rec.Outcome == models.OutcomeSettled {
			row[7] = money(rec.RealizedPnL)
			total = total.Add(rec.RealizedPnL)
		}
		cycles.AppendRow(row)
	}
	cycles.AppendFooter(table.Row{"", "", "", "", "", "", "Total", money(total)})
	cycles.Render()
	return nil
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
