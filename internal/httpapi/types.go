package httpapi

import (
	"time"

	"vnadvisor/internal/backtest"
	"vnadvisor/internal/domain"
	"vnadvisor/internal/store"
)

// BacktestRequest is the body of POST /api/backtest. Dates are optional:
// when omitted, the window is the configured lookback ending today.
// Zero-valued parameter overrides fall back to the server configuration.
type BacktestRequest struct {
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`

	MinScore        float64 `json:"min_score" validate:"omitempty,gte=0,lte=10"`
	InitialCapital  float64 `json:"initial_capital" validate:"omitempty,gt=0"`
	MaxPositions    int     `json:"max_positions" validate:"omitempty,gte=1"`
	PositionSizePct float64 `json:"position_size_pct" validate:"omitempty,gt=0,lte=1"`
	StopLossPct     float64 `json:"stop_loss_pct" validate:"omitempty,gt=0,lt=1"`
	TakeProfitPct   float64 `json:"take_profit_pct" validate:"omitempty,gt=0"`

	// Optional score reweighting applied before the run. Both or neither,
	// and the pair must sum to 1.
	FundWeight float64 `json:"fund_weight" validate:"omitempty,gte=0,lte=1"`
	TechWeight float64 `json:"tech_weight" validate:"omitempty,gte=0,lte=1"`
}

// BacktestResponse is the body returned by POST /api/backtest.
type BacktestResponse struct {
	RunID     int64            `json:"run_id"`
	StartDate string           `json:"start_date"`
	EndDate   string           `json:"end_date"`
	MinScore  float64          `json:"min_score"`
	Summary   backtest.Summary `json:"summary"`
	Trades    []TradeJSON      `json:"trades"`
}

// OptimizeRequest is the body of POST /api/optimize.
type OptimizeRequest struct {
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`

	MinScore float64 `json:"min_score" validate:"omitempty,gte=0,lte=10"`
	Metric   string  `json:"metric" validate:"omitempty,oneof=sharpe_ratio total_return max_drawdown win_rate profit_factor total_trades"`
	Workers  int     `json:"workers" validate:"omitempty,gte=1,lte=16"`
}

// OptimizeResponse is the body returned by POST /api/optimize.
type OptimizeResponse struct {
	SweepID int64                `json:"sweep_id"`
	Sweep   *backtest.SweepResult `json:"sweep"`
}

// TradeJSON is the wire form of a ledger entry.
type TradeJSON struct {
	Date      string  `json:"date"`
	Symbol    string  `json:"symbol"`
	Action    string  `json:"action"`
	Price     float64 `json:"price"`
	Shares    int64   `json:"shares"`
	Cost      float64 `json:"cost,omitempty"`
	Proceeds  float64 `json:"proceeds,omitempty"`
	PnL       float64 `json:"pnl"`
	Reason    string  `json:"reason"`
	ReturnPct float64 `json:"return_pct"`
}

func toTradeJSON(trades []domain.Trade) []TradeJSON {
	out := make([]TradeJSON, len(trades))
	for i, t := range trades {
		out[i] = TradeJSON{
			Date:      t.Date.Format("2006-01-02"),
			Symbol:    t.Symbol,
			Action:    string(t.Action),
			Price:     t.Price,
			Shares:    t.Shares,
			Cost:      t.Cost,
			Proceeds:  t.Proceeds,
			PnL:       t.PnL,
			Reason:    t.Reason,
			ReturnPct: t.ReturnPct,
		}
	}
	return out
}

// RunJSON is the wire form of a stored run; Trades is omitted in listings.
type RunJSON struct {
	ID        int64            `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	StartDate string           `json:"start_date"`
	EndDate   string           `json:"end_date"`
	MinScore  float64          `json:"min_score"`
	Summary   backtest.Summary `json:"summary"`
	Trades    []TradeJSON      `json:"trades,omitempty"`
}

func toRunJSON(run *store.BacktestRun, withTrades bool) RunJSON {
	out := RunJSON{
		ID:        run.ID,
		CreatedAt: run.CreatedAt,
		StartDate: run.StartDate.Format("2006-01-02"),
		EndDate:   run.EndDate.Format("2006-01-02"),
		MinScore:  run.MinScore,
		Summary:   run.Summary,
	}
	if withTrades {
		out.Trades = toTradeJSON(run.Trades)
	}
	return out
}

// SweepJSON is the wire form of a stored sweep; Candidates is omitted in
// listings.
type SweepJSON struct {
	ID         int64                      `json:"id"`
	CreatedAt  time.Time                  `json:"created_at"`
	Metric     string                     `json:"metric"`
	Best       *backtest.CandidateResult  `json:"best"`
	Candidates []backtest.CandidateResult `json:"candidates,omitempty"`
}

func toSweepJSON(sweep *store.Sweep, withCandidates bool) SweepJSON {
	out := SweepJSON{
		ID:        sweep.ID,
		CreatedAt: sweep.CreatedAt,
		Metric:    sweep.Result.Metric,
		Best:      sweep.Result.Best,
	}
	if withCandidates {
		out.Candidates = sweep.Result.Candidates
	}
	return out
}

// BarJSON is the wire form of a daily bar.
type BarJSON struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// ScoreJSON is the wire form of a score row.
type ScoreJSON struct {
	Symbol         string  `json:"symbol"`
	TotalScore     float64 `json:"total_score"`
	FundScore      float64 `json:"fund_score"`
	TechScore      float64 `json:"tech_score"`
	Price          float64 `json:"price"`
	Recommendation string  `json:"recommendation"`
}
