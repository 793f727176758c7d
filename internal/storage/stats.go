package storage

import (
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/eddiefleurent/double_calendar/internal/models"
)

// Statistics summarises closed positions.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // percent of decided trades
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MeanPnL       float64 `json:"mean_pnl"`
	MedianPnL     float64 `json:"median_pnl"`
	StdDevPnL     float64 `json:"stddev_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"` // most negative peak-to-trough of cumulative P&L
	CurrentStreak int     `json:"current_streak"`
}

// ComputeStatistics derives trade statistics from closed positions in exit order.
// Positions that never filled (no entry date) are ignored.
func ComputeStatistics(history []models.Position) *Statistics {
	trades := make([]models.Position, 0, len(history))
	for _, p := range history {
		if !p.EntryDate.IsZero() {
			trades = append(trades, p)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ExitDate.Before(trades[j].ExitDate) })

	s := &Statistics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return s
	}

	var pnls, wins, losses stats.Float64Data
	var cumulative, peak float64
	for _, p := range trades {
		pnl := p.RealizedPnL
		pnls = append(pnls, pnl)
		switch {
		case pnl > 0:
			wins = append(wins, pnl)
			if s.CurrentStreak >= 0 {
				s.CurrentStreak++
			} else {
				s.CurrentStreak = 1
			}
		case pnl < 0:
			losses = append(losses, pnl)
			if s.CurrentStreak <= 0 {
				s.CurrentStreak--
			} else {
				s.CurrentStreak = -1
			}
		}

		cumulative += pnl
		if cumulative > peak {
			peak = cumulative
		}
		if dd := cumulative - peak; dd < s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}

	s.WinningTrades = len(wins)
	s.LosingTrades = len(losses)
	if decided := s.WinningTrades + s.LosingTrades; decided > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(decided) * 100
	}

	// Errors below only signal empty input, already excluded.
	s.TotalPnL, _ = pnls.Sum()
	s.MeanPnL, _ = pnls.Mean()
	s.MedianPnL, _ = pnls.Median()
	s.StdDevPnL, _ = pnls.StandardDeviation()
	if len(wins) > 0 {
		s.AverageWin, _ = stats.Mean(wins)
	}
	if len(losses) > 0 {
		s.AverageLoss, _ = stats.Mean(losses)
	}
	return s
}
