package analytics

import (
	"math"
	"sort"
	"time"

	"workflowTrader/internal/domain"
)

// PerformanceMetrics summarizes the realized results of closed positions.
type PerformanceMetrics struct {
	// Basic Metrics
	ClosedPositions int
	WinningTrades   int
	LosingTrades    int
	WinRate         float64
	TotalPNL        float64
	AverageWin      float64
	AverageLoss     float64
	ProfitFactor    float64
	Expectancy      float64

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageHoldDuration  time.Duration
	MaxDrawdown          float64 // largest fall of cumulative PnL from its running high, in quote units
	MonthlyPNL           map[string]float64
	EquityCurve          []EquityPoint
}

// EquityPoint is cumulative realized PnL after one closed position.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePositions calculates metrics from closed positions. Open positions
// are ignored; their PnL is not realized yet.
func AnalyzePositions(positions []*domain.Position) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		MonthlyPNL:  make(map[string]float64),
		EquityCurve: make([]EquityPoint, 0),
	}

	closed := make([]*domain.Position, 0, len(positions))
	for _, p := range positions {
		if p != nil && p.Status == domain.StatusClosed {
			closed = append(closed, p)
		}
	}
	if len(closed) == 0 {
		return metrics
	}

	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ClosedAt.Before(closed[j].ClosedAt)
	})

	var equity, peak float64
	var grossWin, grossLoss float64
	var consecutiveWins, consecutiveLosses int
	var totalHold time.Duration

	for _, p := range closed {
		metrics.ClosedPositions++
		if p.RealizedPNL > 0 {
			metrics.WinningTrades++
			grossWin += p.RealizedPNL
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			metrics.LosingTrades++
			grossLoss += p.RealizedPNL
			consecutiveLosses++
			consecutiveWins = 0
		}
		metrics.MaxConsecutiveWins = max(metrics.MaxConsecutiveWins, consecutiveWins)
		metrics.MaxConsecutiveLosses = max(metrics.MaxConsecutiveLosses, consecutiveLosses)

		equity += p.RealizedPNL
		peak = math.Max(peak, equity)
		drawdown := peak - equity
		metrics.MaxDrawdown = math.Max(metrics.MaxDrawdown, drawdown)
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{Time: p.ClosedAt, Value: equity, Drawdown: drawdown})

		metrics.MonthlyPNL[p.ClosedAt.UTC().Format("2006-01")] += p.RealizedPNL
		totalHold += p.ClosedAt.Sub(p.CreatedAt)
	}

	metrics.TotalPNL = equity
	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.ClosedPositions)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = grossWin / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = grossLoss / float64(metrics.LosingTrades)
	}
	if grossLoss != 0 {
		metrics.ProfitFactor = grossWin / -grossLoss
	}
	metrics.Expectancy = metrics.WinRate*metrics.AverageWin + (1-metrics.WinRate)*metrics.AverageLoss
	metrics.AverageHoldDuration = totalHold / time.Duration(metrics.ClosedPositions)

	return metrics
}

// MonthlyReturn is the realized PnL of one calendar month.
type MonthlyReturn struct {
	Month time.Time
	PNL   float64
}

// GetMonthlyReturns returns the monthly PnL sorted by month.
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyPNL))
	for month, pnl := range m.MonthlyPNL {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{Month: date, PNL: pnl})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}
