// Package backtest simulates the scoring strategy over historical bar
// data and measures the result: an event-driven engine producing a trade
// ledger, performance metrics derived from that ledger, and a grid-search
// optimizer for the fundamental/technical score weighting.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"vnadvisor/internal/domain"
)

// BarSource supplies per-symbol bar history restricted to a date range.
// Bars must be returned in strictly increasing time order.
type BarSource interface {
	Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// Config holds the simulation parameters. All fields are required.
type Config struct {
	InitialCapital  float64 // starting cash, VND
	MaxPositions    int     // maximum concurrent open positions
	PositionSizePct float64 // fraction of current cash per entry, (0, 1]
	StopLossPct     float64 // exit when price falls this fraction below entry, (0, 1)
	TakeProfitPct   float64 // exit when price rises this fraction above entry, > 0
}

func (c Config) validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %v", c.InitialCapital)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("max positions must be at least 1, got %d", c.MaxPositions)
	}
	if c.PositionSizePct <= 0 || c.PositionSizePct > 1 {
		return fmt.Errorf("position size fraction must be in (0, 1], got %v", c.PositionSizePct)
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("stop loss fraction must be in (0, 1), got %v", c.StopLossPct)
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("take profit fraction must be positive, got %v", c.TakeProfitPct)
	}
	return nil
}

// Result is the output of one backtest run. An empty ledger is a valid
// result, distinct from an error: it means no candidate qualified or none
// had price data.
type Result struct {
	Trades         []domain.Trade
	InitialCapital float64
	FinalCapital   float64
	Skipped        int // candidates dropped for missing price data
}

// Engine replays the scoring strategy over historical bars. It is fully
// sequential: candidates are processed in score-descending order and each
// symbol's bars strictly chronologically, so a later bar can never
// influence an earlier exit decision. An Engine must not be shared across
// goroutines; concurrent sweeps use one Engine per candidate.
type Engine struct {
	cfg Config
	src BarSource
	log *slog.Logger

	cash      float64
	positions map[string]*domain.Position
	lastBar   map[string]domain.Bar // final in-range bar per held symbol
	trades    []domain.Trade
}

// NewEngine validates cfg and returns a ready Engine reading bars from src.
func NewEngine(cfg Config, src BarSource, log *slog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("backtest config: %w", err)
	}
	if src == nil {
		return nil, fmt.Errorf("backtest config: bar source is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, src: src, log: log}, nil
}

// Run simulates the strategy over [start, end] for every score row with
// TotalScore >= minScore and a buy recommendation, highest score first.
// Each qualifying symbol is entered at its first available close in the
// window and monitored daily for stop-loss or take-profit; anything still
// open at the end of its price window is force-closed. The returned
// ledger lists every fill in chronological insertion order.
func (e *Engine) Run(ctx context.Context, scores []domain.ScoreRow, start, end time.Time, minScore float64) (*Result, error) {
	if start.After(end) {
		return nil, fmt.Errorf("invalid date range: start %s after end %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	e.reset()

	candidates := buySignals(scores, minScore)
	e.log.Info("backtest starting",
		"start", start.Format("2006-01-02"),
		"end", end.Format("2006-01-02"),
		"min_score", minScore,
		"candidates", len(candidates))

	skipped := 0
	for _, row := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		bars, err := e.src.Bars(ctx, row.Symbol, start, end)
		if err != nil || len(bars) == 0 {
			// Missing price data is a gap, not a failure.
			e.log.Warn("no price data, skipping", "symbol", row.Symbol, "error", err)
			skipped++
			continue
		}

		entry := bars[0]
		if !e.executeBuy(row.Symbol, entry.Close, entry.Time, row.TotalScore) {
			continue
		}
		e.lastBar[row.Symbol] = bars[len(bars)-1]

		for _, bar := range bars[1:] {
			reason, hit := e.shouldSell(row.Symbol, bar.Close)
			if hit {
				e.executeSell(row.Symbol, bar.Close, bar.Time, reason)
				break
			}
		}
	}

	// End-of-period liquidation: every opened position gets a closing SELL.
	for _, symbol := range e.openSymbols() {
		final := e.lastBar[symbol]
		e.executeSell(symbol, final.Close, final.Time, domain.ReasonEndOfPeriod)
	}

	e.log.Info("backtest completed", "trades", len(e.trades), "skipped", skipped)

	return &Result{
		Trades:         e.trades,
		InitialCapital: e.cfg.InitialCapital,
		FinalCapital:   e.cash,
		Skipped:        skipped,
	}, nil
}

func (e *Engine) reset() {
	e.cash = e.cfg.InitialCapital
	e.positions = make(map[string]*domain.Position)
	e.lastBar = make(map[string]domain.Bar)
	e.trades = nil
}

// buySignals filters rows to buy candidates and sorts them by score
// descending. The order is deliberate: higher-conviction names get first
// claim on capital and position slots. The sort is stable so equal scores
// keep their input order.
func buySignals(scores []domain.ScoreRow, minScore float64) []domain.ScoreRow {
	var out []domain.ScoreRow
	for _, row := range scores {
		if row.TotalScore >= minScore && row.IsBuy() {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalScore > out[j].TotalScore
	})
	return out
}

// shouldSell evaluates the exit conditions for a held symbol at the given
// close. Stop-loss is checked before take-profit: when both thresholds are
// crossed on the same bar, the conservative exit wins.
func (e *Engine) shouldSell(symbol string, price float64) (string, bool) {
	pos, held := e.positions[symbol]
	if !held {
		return "", false
	}

	change := (price - pos.EntryPrice) / pos.EntryPrice

	if change <= -e.cfg.StopLossPct {
		return domain.ReasonStopLoss, true
	}
	if change >= e.cfg.TakeProfitPct {
		return domain.ReasonTakeProfit, true
	}
	return "", false
}

// executeBuy opens a position sized as a fraction of current cash, rounded
// down to whole lots. Entry is refused, with no side effects, when the
// symbol is already held, the position cap is reached, sizing rounds to
// zero shares, or the cost would exceed available cash.
func (e *Engine) executeBuy(symbol string, price float64, date time.Time, score float64) bool {
	if _, held := e.positions[symbol]; held {
		return false
	}
	if len(e.positions) >= e.cfg.MaxPositions {
		return false
	}
	if price <= 0 {
		return false
	}

	// Sizing off current cash, not initial capital: sequential entries
	// shrink the budget for later, lower-ranked candidates.
	positionValue := e.cash * e.cfg.PositionSizePct
	shares := int64(positionValue/price/domain.LotSize) * domain.LotSize
	if shares == 0 {
		return false
	}

	cost := float64(shares) * price
	if cost > e.cash {
		return false
	}

	e.positions[symbol] = &domain.Position{
		Symbol:     symbol,
		Shares:     shares,
		EntryPrice: price,
		EntryDate:  date,
		Score:      score,
	}
	e.cash -= cost

	e.trades = append(e.trades, domain.Trade{
		Date:   date,
		Symbol: symbol,
		Action: domain.ActionBuy,
		Price:  price,
		Shares: shares,
		Cost:   cost,
		Reason: fmt.Sprintf("Score=%.1f", score),
	})

	e.log.Debug("BUY", "symbol", symbol, "shares", shares, "price", price, "cost", cost)
	return true
}

// executeSell closes the position for symbol at the given price, credits
// the proceeds, and records the realized P&L.
func (e *Engine) executeSell(symbol string, price float64, date time.Time, reason string) bool {
	pos, held := e.positions[symbol]
	if !held {
		return false
	}

	proceeds := float64(pos.Shares) * price
	costBasis := float64(pos.Shares) * pos.EntryPrice
	pnl := proceeds - costBasis

	e.cash += proceeds
	delete(e.positions, symbol)
	delete(e.lastBar, symbol)

	e.trades = append(e.trades, domain.Trade{
		Date:      date,
		Symbol:    symbol,
		Action:    domain.ActionSell,
		Price:     price,
		Shares:    pos.Shares,
		Proceeds:  proceeds,
		PnL:       pnl,
		Reason:    reason,
		ReturnPct: (price - pos.EntryPrice) / pos.EntryPrice * 100,
	})

	e.log.Debug("SELL", "symbol", symbol, "shares", pos.Shares, "price", price, "pnl", pnl, "reason", reason)
	return true
}

// openSymbols returns held symbols sorted by entry date then symbol, so
// end-of-period liquidation order is deterministic.
func (e *Engine) openSymbols() []string {
	out := make([]string, 0, len(e.positions))
	for symbol := range e.positions {
		out = append(out, symbol)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := e.positions[out[i]], e.positions[out[j]]
		if !pi.EntryDate.Equal(pj.EntryDate) {
			return pi.EntryDate.Before(pj.EntryDate)
		}
		return out[i] < out[j]
	})
	return out
}
