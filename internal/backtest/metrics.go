package backtest

import (
	"encoding/json"
	"math"

	"vnadvisor/internal/domain"
)

// DefaultRiskFreeRate is the annual risk-free rate used by Summary.
const DefaultRiskFreeRate = 0.05

// tradingPeriodsPerYear is the annualization factor for the Sharpe ratio.
const tradingPeriodsPerYear = 252

// Metrics derives risk/return statistics from a trade ledger. It works on
// a private copy of the ledger and never mutates the caller's slice; the
// cumulative P&L series is memoized after the first computation. Every
// metric is a pure function of the ledger and initial capital, so repeated
// calls return identical results.
type Metrics struct {
	trades         []domain.Trade
	initialCapital float64
	cumPnL         []float64
}

// NewMetrics copies the ledger and returns a Metrics over it.
func NewMetrics(trades []domain.Trade, initialCapital float64) *Metrics {
	copied := make([]domain.Trade, len(trades))
	copy(copied, trades)
	return &Metrics{trades: copied, initialCapital: initialCapital}
}

// cumulative returns the running sum of trade P&L, one entry per ledger
// row (BUY rows contribute zero).
func (m *Metrics) cumulative() []float64 {
	if m.cumPnL == nil {
		m.cumPnL = make([]float64, len(m.trades))
		sum := 0.0
		for i, t := range m.trades {
			sum += t.PnL
			m.cumPnL[i] = sum
		}
	}
	return m.cumPnL
}

// TotalReturn is the sum of all trade P&L as a percentage of initial
// capital. An empty ledger yields 0.
func (m *Metrics) TotalReturn() float64 {
	if len(m.trades) == 0 {
		return 0
	}
	cum := m.cumulative()
	return cum[len(cum)-1] / m.initialCapital * 100
}

// TotalPnL is the sum of all trade P&L in VND.
func (m *Metrics) TotalPnL() float64 {
	if len(m.trades) == 0 {
		return 0
	}
	cum := m.cumulative()
	return cum[len(cum)-1]
}

// SharpeRatio computes a risk-adjusted return from the per-trade
// cumulative-return series: period-over-period percent changes of that
// series annualized at 252 periods/year against the given annual
// risk-free rate.
//
// This is a known approximation: the series is keyed by sparse trade
// dates, not a daily mark-to-market NAV, so volatility is understated
// relative to a true daily-return Sharpe. Changing it would shift
// optimizer outcomes, so it stays as-is. Returns 0 with fewer than two
// usable data points or zero volatility.
func (m *Metrics) SharpeRatio(riskFreeRate float64) float64 {
	if len(m.trades) < 2 {
		return 0
	}

	cum := m.cumulative()
	returnPct := make([]float64, len(cum))
	for i, v := range cum {
		returnPct[i] = v / m.initialCapital * 100
	}

	// Percent changes; steps off a zero base are undefined and dropped.
	var rets []float64
	for i := 1; i < len(returnPct); i++ {
		prev := returnPct[i-1]
		if prev == 0 {
			continue
		}
		rets = append(rets, (returnPct[i]-prev)/prev)
	}
	if len(rets) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rets) - 1) // sample variance

	volatility := math.Sqrt(variance) * math.Sqrt(tradingPeriodsPerYear)
	if volatility == 0 {
		return 0
	}

	excess := mean*tradingPeriodsPerYear - riskFreeRate
	return excess / volatility
}

// MaxDrawdown is the largest percentage decline of the cumulative
// portfolio value from its running maximum, reported as a positive
// number. An empty ledger yields 0.
func (m *Metrics) MaxDrawdown() float64 {
	if len(m.trades) == 0 {
		return 0
	}

	cum := m.cumulative()
	runningMax := math.Inf(-1)
	worst := 0.0
	for _, v := range cum {
		value := m.initialCapital + v
		if value > runningMax {
			runningMax = value
		}
		dd := (value - runningMax) / runningMax * 100
		if dd < worst {
			worst = dd
		}
	}
	return math.Abs(worst)
}

// WinRate is the percentage of SELL trades with positive P&L. Zero SELL
// trades yields 0.
func (m *Metrics) WinRate() float64 {
	sells, wins := 0, 0
	for _, t := range m.trades {
		if t.Action != domain.ActionSell {
			continue
		}
		sells++
		if t.PnL > 0 {
			wins++
		}
	}
	if sells == 0 {
		return 0
	}
	return float64(wins) / float64(sells) * 100
}

// ProfitFactor is gross wins divided by gross losses. With winning trades
// and no losers the result is +Inf; with no trades at all it is 0. The
// two zero-loss cases are deliberately distinct.
func (m *Metrics) ProfitFactor() float64 {
	var totalWin, totalLoss float64
	for _, t := range m.trades {
		if t.PnL > 0 {
			totalWin += t.PnL
		} else if t.PnL < 0 {
			totalLoss += -t.PnL
		}
	}
	if totalLoss == 0 {
		if totalWin > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return totalWin / totalLoss
}

// AvgWinLoss returns the average winning P&L and the average losing P&L
// (as a positive number). Sides with no trades yield 0.
func (m *Metrics) AvgWinLoss() (avgWin, avgLoss float64) {
	var winSum, lossSum float64
	var wins, losses int
	for _, t := range m.trades {
		if t.PnL > 0 {
			winSum += t.PnL
			wins++
		} else if t.PnL < 0 {
			lossSum += -t.PnL
			losses++
		}
	}
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return avgWin, avgLoss
}

// Summary is the flat projection of every metric, suitable for reports
// and machine-readable export.
type Summary struct {
	InitialCapital float64 `json:"initial_capital"`
	FinalCapital   float64 `json:"final_capital"`
	TotalPnL       float64 `json:"total_pnl"`
	TotalReturnPct float64 `json:"total_return_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRatePct     float64 `json:"win_rate_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	Skipped        int     `json:"skipped_symbols"`
}

// MarshalJSON encodes an infinite profit factor as the string "inf",
// which encoding/json cannot represent as a number.
func (s Summary) MarshalJSON() ([]byte, error) {
	type alias Summary
	if math.IsInf(s.ProfitFactor, 1) {
		return json.Marshal(struct {
			alias
			ProfitFactor string `json:"profit_factor"`
		}{alias(s), "inf"})
	}
	return json.Marshal(alias(s))
}

// Summarize computes the full metric set for a backtest result.
func Summarize(res *Result) Summary {
	m := NewMetrics(res.Trades, res.InitialCapital)

	sells, wins, losses := 0, 0, 0
	for _, t := range res.Trades {
		if t.Action == domain.ActionSell {
			sells++
		}
		if t.PnL > 0 {
			wins++
		} else if t.PnL < 0 {
			losses++
		}
	}
	avgWin, avgLoss := m.AvgWinLoss()

	return Summary{
		InitialCapital: res.InitialCapital,
		FinalCapital:   res.InitialCapital + m.TotalPnL(),
		TotalPnL:       m.TotalPnL(),
		TotalReturnPct: m.TotalReturn(),
		SharpeRatio:    m.SharpeRatio(DefaultRiskFreeRate),
		MaxDrawdownPct: m.MaxDrawdown(),
		WinRatePct:     m.WinRate(),
		ProfitFactor:   m.ProfitFactor(),
		TotalTrades:    sells,
		WinningTrades:  wins,
		LosingTrades:   losses,
		AvgWin:         avgWin,
		AvgLoss:        avgLoss,
		Skipped:        res.Skipped,
	}
}
