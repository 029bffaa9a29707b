// Package vnadvisor provides a Go client for the vnadvisor-server HTTP API.
package vnadvisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a running vnadvisor-server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ProfitFactor is a float64 that also accepts the JSON string "inf",
// which the server emits when a run has winning trades and no losers.
type ProfitFactor float64

func (p *ProfitFactor) UnmarshalJSON(data []byte) error {
	if string(data) == `"inf"` {
		*p = ProfitFactor(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = ProfitFactor(f)
	return nil
}

// Summary is the performance summary of a backtest run.
type Summary struct {
	InitialCapital float64      `json:"initial_capital"`
	FinalCapital   float64      `json:"final_capital"`
	TotalPnL       float64      `json:"total_pnl"`
	TotalReturnPct float64      `json:"total_return_pct"`
	SharpeRatio    float64      `json:"sharpe_ratio"`
	MaxDrawdownPct float64      `json:"max_drawdown_pct"`
	WinRatePct     float64      `json:"win_rate_pct"`
	ProfitFactor   ProfitFactor `json:"profit_factor"`
	TotalTrades    int          `json:"total_trades"`
	WinningTrades  int          `json:"winning_trades"`
	LosingTrades   int          `json:"losing_trades"`
	AvgWin         float64      `json:"avg_win"`
	AvgLoss        float64      `json:"avg_loss"`
	Skipped        int          `json:"skipped_symbols"`
}

// Trade is one fill in a run's trade ledger.
type Trade struct {
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

// BacktestRequest configures a backtest run. Zero fields fall back to the
// server's configured defaults.
type BacktestRequest struct {
	StartDate       string  `json:"start_date,omitempty"`
	EndDate         string  `json:"end_date,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`
	InitialCapital  float64 `json:"initial_capital,omitempty"`
	MaxPositions    int     `json:"max_positions,omitempty"`
	PositionSizePct float64 `json:"position_size_pct,omitempty"`
	StopLossPct     float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   float64 `json:"take_profit_pct,omitempty"`
	FundWeight      float64 `json:"fund_weight,omitempty"`
	TechWeight      float64 `json:"tech_weight,omitempty"`
}

// BacktestResponse is the result of a backtest run.
type BacktestResponse struct {
	RunID     int64   `json:"run_id"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	MinScore  float64 `json:"min_score"`
	Summary   Summary `json:"summary"`
	Trades    []Trade `json:"trades"`
}

// WeightCandidate is one (fund, tech) weighting tried by a sweep.
type WeightCandidate struct {
	FundWeight float64 `json:"fund_weight"`
	TechWeight float64 `json:"tech_weight"`
}

// CandidateResult pairs a candidate with its performance. Summary is nil
// when the candidate produced no trades.
type CandidateResult struct {
	WeightCandidate
	Summary *Summary `json:"summary"`
}

// SweepResult holds the full candidate table and the winner.
type SweepResult struct {
	Metric     string            `json:"metric"`
	Candidates []CandidateResult `json:"candidates"`
	Best       *CandidateResult  `json:"best"`
}

// OptimizeRequest configures a weight sweep.
type OptimizeRequest struct {
	StartDate string  `json:"start_date,omitempty"`
	EndDate   string  `json:"end_date,omitempty"`
	MinScore  float64 `json:"min_score,omitempty"`
	Metric    string  `json:"metric,omitempty"`
	Workers   int     `json:"workers,omitempty"`
}

// OptimizeResponse is the result of a weight sweep.
type OptimizeResponse struct {
	SweepID int64        `json:"sweep_id"`
	Sweep   *SweepResult `json:"sweep"`
}

// Run is a persisted backtest run.
type Run struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	MinScore  float64   `json:"min_score"`
	Summary   Summary   `json:"summary"`
	Trades    []Trade   `json:"trades,omitempty"`
}

// Sweep is a persisted weight sweep.
type Sweep struct {
	ID         int64             `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	Metric     string            `json:"metric"`
	Best       *CandidateResult  `json:"best"`
	Candidates []CandidateResult `json:"candidates,omitempty"`
}

// Bar is one daily price bar.
type Bar struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Score is one symbol's screening score.
type Score struct {
	Symbol         string  `json:"symbol"`
	TotalScore     float64 `json:"total_score"`
	FundScore      float64 `json:"fund_score"`
	TechScore      float64 `json:"tech_score"`
	Price          float64 `json:"price"`
	Recommendation string  `json:"recommendation"`
}

// RunBacktest executes a backtest on the server and returns the persisted run.
func (c *Client) RunBacktest(ctx context.Context, req BacktestRequest) (*BacktestResponse, error) {
	var resp BacktestResponse
	if err := c.post(ctx, "/api/backtest", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Optimize executes a weight sweep on the server and returns the persisted sweep.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResponse, error) {
	var resp OptimizeResponse
	if err := c.post(ctx, "/api/optimize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a stored run with its trade ledger.
func (c *Client) GetRun(ctx context.Context, id int64) (*Run, error) {
	var run Run
	if err := c.get(ctx, fmt.Sprintf("/api/runs/%d", id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns retrieves the most recent runs, newest first, without trades.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/api/runs", limitQuery(limit), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetSweep retrieves a stored sweep with its full candidate table.
func (c *Client) GetSweep(ctx context.Context, id int64) (*Sweep, error) {
	var sweep Sweep
	if err := c.get(ctx, fmt.Sprintf("/api/sweeps/%d", id), nil, &sweep); err != nil {
		return nil, err
	}
	return &sweep, nil
}

// ListSweeps retrieves the most recent sweeps, newest first, without candidates.
func (c *Client) ListSweeps(ctx context.Context, limit int) ([]Sweep, error) {
	var sweeps []Sweep
	if err := c.get(ctx, "/api/sweeps", limitQuery(limit), &sweeps); err != nil {
		return nil, err
	}
	return sweeps, nil
}

// GetBars retrieves daily bars for a symbol over [start, end].
func (c *Client) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	q := url.Values{}
	q.Set("start", start.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))
	var bars []Bar
	if err := c.get(ctx, "/api/bars/"+url.PathEscape(symbol), q, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// GetScores retrieves the latest screening scores.
func (c *Client) GetScores(ctx context.Context) ([]Score, error) {
	var scores []Score
	if err := c.get(ctx, "/api/scores", nil, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/api/health", nil, nil)
}

// ---

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	return q
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", req.Method, req.URL.Path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
