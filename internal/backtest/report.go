package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"vnadvisor/internal/domain"
)

// utf8BOM is prepended to CSV exports so spreadsheet tools decode the
// Vietnamese reason strings correctly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Reporter formats backtest output for the console and writes trade
// ledgers, summaries, and sweep results to the report directory.
type Reporter struct {
	out io.Writer
	dir string
}

// NewReporter writes console output to out and files under dir.
func NewReporter(out io.Writer, dir string) *Reporter {
	return &Reporter{out: out, dir: dir}
}

// PrintSummary renders the performance summary. An empty ledger gets an
// explicit notice instead of a wall of zeroes.
func (r *Reporter) PrintSummary(s Summary) {
	if s.TotalTrades == 0 && s.TotalPnL == 0 {
		fmt.Fprintln(r.out, "No trades executed, consider lowering min_score.")
		if s.Skipped > 0 {
			fmt.Fprintf(r.out, "Symbols skipped for missing price data: %d\n", s.Skipped)
		}
		return
	}

	fmt.Fprintln(r.out, "============================================================")
	fmt.Fprintln(r.out, "BACKTEST RESULTS SUMMARY")
	fmt.Fprintln(r.out, "============================================================")
	fmt.Fprintf(r.out, "  Initial Capital:  %15.0f VND\n", s.InitialCapital)
	fmt.Fprintf(r.out, "  Final Capital:    %15.0f VND\n", s.FinalCapital)
	fmt.Fprintf(r.out, "  Total P&L:        %15.0f VND\n", s.TotalPnL)
	fmt.Fprintf(r.out, "  Total Return:     %14.2f %%\n", s.TotalReturnPct)
	fmt.Fprintf(r.out, "  Sharpe Ratio:     %15.2f\n", s.SharpeRatio)
	fmt.Fprintf(r.out, "  Max Drawdown:     %14.2f %%\n", s.MaxDrawdownPct)
	fmt.Fprintf(r.out, "  Profit Factor:    %15s\n", formatProfitFactor(s.ProfitFactor))
	fmt.Fprintf(r.out, "  Total Trades:     %15d\n", s.TotalTrades)
	fmt.Fprintf(r.out, "  Winning Trades:   %15d\n", s.WinningTrades)
	fmt.Fprintf(r.out, "  Losing Trades:    %15d\n", s.LosingTrades)
	fmt.Fprintf(r.out, "  Win Rate:         %14.1f %%\n", s.WinRatePct)
	fmt.Fprintf(r.out, "  Average Win:      %15.0f VND\n", s.AvgWin)
	fmt.Fprintf(r.out, "  Average Loss:     %15.0f VND\n", s.AvgLoss)
	if s.Skipped > 0 {
		fmt.Fprintf(r.out, "  Skipped Symbols:  %15d\n", s.Skipped)
	}
	fmt.Fprintln(r.out, "============================================================")
}

// PrintTopPerformers lists the best and worst closed trades by P&L.
func (r *Reporter) PrintTopPerformers(trades []domain.Trade, topN int) {
	sells := closedTrades(trades)
	if len(sells) == 0 {
		fmt.Fprintln(r.out, "No completed trades to analyze.")
		return
	}

	sort.SliceStable(sells, func(i, j int) bool { return sells[i].PnL > sells[j].PnL })

	fmt.Fprintf(r.out, "\nTOP %d BEST PERFORMERS:\n", topN)
	fmt.Fprintf(r.out, "%-6s%-10s%12s%16s  %s\n", "Rank", "Symbol", "Return %", "P&L (VND)", "Reason")
	for i, t := range sells {
		if i >= topN {
			break
		}
		fmt.Fprintf(r.out, "%-6d%-10s%11.2f%%%16.0f  %s\n", i+1, t.Symbol, t.ReturnPct, t.PnL, t.Reason)
	}

	fmt.Fprintf(r.out, "\nTOP %d WORST PERFORMERS:\n", topN)
	start := len(sells) - topN
	if start < 0 {
		start = 0
	}
	for i := len(sells) - 1; i >= start; i-- {
		t := sells[i]
		fmt.Fprintf(r.out, "%-6d%-10s%11.2f%%%16.0f  %s\n", len(sells)-i, t.Symbol, t.ReturnPct, t.PnL, t.Reason)
	}
}

// PrintSweep renders the optimization outcome with a top-5 table.
func (r *Reporter) PrintSweep(sweep *SweepResult) {
	fmt.Fprintln(r.out, "=== WEIGHT OPTIMIZATION SUMMARY ===")
	fmt.Fprintf(r.out, "Combinations tested: %d\n", len(sweep.Candidates))

	if sweep.Best == nil {
		fmt.Fprintln(r.out, "No candidate produced any trades; consider lowering min_score.")
		return
	}

	fmt.Fprintf(r.out, "Best weights: Fund=%.2f Tech=%.2f (by %s)\n",
		sweep.Best.FundWeight, sweep.Best.TechWeight, sweep.Metric)
	s := sweep.Best.Summary
	fmt.Fprintf(r.out, "  Total Return: %.2f%%  Sharpe: %.2f  Max Drawdown: %.2f%%  Win Rate: %.1f%%  Trades: %d\n",
		s.TotalReturnPct, s.SharpeRatio, s.MaxDrawdownPct, s.WinRatePct, s.TotalTrades)

	fmt.Fprintf(r.out, "\nTop 5 by %s:\n", sweep.Metric)
	for _, c := range sweep.TopN(sweep.Metric, 5) {
		fmt.Fprintf(r.out, "  %.2f/%.2f  Return: %.1f%%  Sharpe: %.2f  Win Rate: %.1f%%\n",
			c.FundWeight, c.TechWeight, c.Summary.TotalReturnPct, c.Summary.SharpeRatio, c.Summary.WinRatePct)
	}
}

// WriteTradesCSV exports the full ledger, BUY and SELL rows alike, as
// UTF-8 CSV with a BOM. Returns the written file path.
func (r *Reporter) WriteTradesCSV(trades []domain.Trade) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("backtest_%s.csv", time.Now().Format("20060102_150405")))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating trades csv: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(utf8BOM); err != nil {
		return "", fmt.Errorf("writing BOM: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"date", "symbol", "action", "price", "shares", "cost", "proceeds", "pnl", "reason", "return_pct"}); err != nil {
		return "", fmt.Errorf("writing csv header: %w", err)
	}
	for _, t := range trades {
		record := []string{
			t.Date.Format("2006-01-02"),
			t.Symbol,
			string(t.Action),
			formatFloat(t.Price),
			strconv.FormatInt(t.Shares, 10),
			formatFloat(t.Cost),
			formatFloat(t.Proceeds),
			formatFloat(t.PnL),
			t.Reason,
			formatFloat(t.ReturnPct),
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing csv: %w", err)
	}
	return path, nil
}

// WriteSummaryText writes a plain-text summary file next to the CSV
// export. Returns the written file path.
func (r *Reporter) WriteSummaryText(s Summary) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("summary_%s.txt", time.Now().Format("20060102_150405")))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating summary file: %w", err)
	}
	defer f.Close()

	saved := r.out
	r.out = f
	r.PrintSummary(s)
	r.out = saved

	return path, nil
}

// WriteBestWeightsJSON persists the winning weights plus the full
// candidate table. Returns the written file path.
func (r *Reporter) WriteBestWeightsJSON(sweep *SweepResult) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	path := filepath.Join(r.dir, "best_weights.json")

	data, err := json.MarshalIndent(sweep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding sweep result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func closedTrades(trades []domain.Trade) []domain.Trade {
	var out []domain.Trade
	for _, t := range trades {
		if t.Action == domain.ActionSell {
			out = append(out, t)
		}
	}
	return out
}

func formatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "inf"
	}
	return strconv.FormatFloat(pf, 'f', 2, 64)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
