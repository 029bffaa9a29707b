// Package httpapi serves the backtest and optimization HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"vnadvisor/internal/backtest"
	"vnadvisor/internal/config"
	"vnadvisor/internal/domain"
	"vnadvisor/internal/store"
)

var validate = validator.New()

const defaultListLimit = 50

// Server exposes backtesting, weight optimization, and stored results
// over HTTP.
type Server struct {
	cfg    *config.Config
	bars   store.BarStore
	scores store.ScoreStore
	runs   store.RunStore
	sweeps store.SweepStore
	log    *slog.Logger
}

// NewServer wires the API against its stores.
func NewServer(cfg *config.Config, bars store.BarStore, scores store.ScoreStore, runs store.RunStore, sweeps store.SweepStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, bars: bars, scores: scores, runs: runs, sweeps: sweeps, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/backtest", s.handleBacktest)
	mux.HandleFunc("POST /api/optimize", s.handleOptimize)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/sweeps", s.handleListSweeps)
	mux.HandleFunc("GET /api/sweeps/{id}", s.handleGetSweep)
	mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
	mux.HandleFunc("GET /api/scores", s.handleScores)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// readRequest decodes the body into req, applies struct defaults, and
// validates. On failure it writes a 400 and returns false.
func readRequest(w http.ResponseWriter, r *http.Request, req any) bool {
	// An empty body means "all defaults".
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return false
	}
	if err := defaults.Set(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("applying defaults: %v", err))
		return false
	}
	if err := validate.StructCtx(r.Context(), req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

// dateRange resolves the requested window, defaulting to the configured
// lookback ending today.
func (s *Server) dateRange(startDate, endDate string) (start, end time.Time, err error) {
	end = time.Now().UTC().Truncate(24 * time.Hour)
	if endDate != "" {
		end, err = time.Parse("2006-01-02", endDate)
		if err != nil {
			return start, end, fmt.Errorf("invalid end_date: %w", err)
		}
	}
	start = end.AddDate(0, 0, -s.cfg.Backtest.LookbackDays)
	if startDate != "" {
		start, err = time.Parse("2006-01-02", startDate)
		if err != nil {
			return start, end, fmt.Errorf("invalid start_date: %w", err)
		}
	}
	if start.After(end) {
		return start, end, fmt.Errorf("start_date %s after end_date %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return start, end, nil
}

// engineConfig merges request overrides onto the configured defaults.
func (s *Server) engineConfig(req *BacktestRequest) backtest.Config {
	cfg := backtest.Config{
		InitialCapital:  s.cfg.Backtest.InitialCapital,
		MaxPositions:    s.cfg.Backtest.MaxPositions,
		PositionSizePct: s.cfg.Backtest.PositionSizePct,
		StopLossPct:     s.cfg.Backtest.StopLossPct,
		TakeProfitPct:   s.cfg.Backtest.TakeProfitPct,
	}
	if req.InitialCapital > 0 {
		cfg.InitialCapital = req.InitialCapital
	}
	if req.MaxPositions > 0 {
		cfg.MaxPositions = req.MaxPositions
	}
	if req.PositionSizePct > 0 {
		cfg.PositionSizePct = req.PositionSizePct
	}
	if req.StopLossPct > 0 {
		cfg.StopLossPct = req.StopLossPct
	}
	if req.TakeProfitPct > 0 {
		cfg.TakeProfitPct = req.TakeProfitPct
	}
	return cfg
}

func (s *Server) minScore(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return s.cfg.Backtest.MinScore
}

// barSource adapts the bar store to the backtest engine's read interface.
type barSource struct {
	bars store.BarStore
}

func (b barSource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	return b.bars.ReadBars(ctx, symbol, domain.MarketVN, start, end)
}

// loadScores fetches the latest score table, failing with 409 semantics
// when none has been imported yet.
func (s *Server) loadScores(ctx context.Context) ([]domain.ScoreRow, error) {
	rows, err := s.scores.LatestScores(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading scores: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no score table imported")
	}
	return rows, nil
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if !readRequest(w, r, &req) {
		return
	}
	if (req.FundWeight > 0) != (req.TechWeight > 0) {
		writeError(w, http.StatusBadRequest, "fund_weight and tech_weight must be set together")
		return
	}
	if req.FundWeight > 0 && math.Abs(req.FundWeight+req.TechWeight-1) > 1e-9 {
		writeError(w, http.StatusBadRequest, "fund_weight and tech_weight must sum to 1")
		return
	}

	start, end, err := s.dateRange(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scores, err := s.loadScores(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if req.FundWeight > 0 {
		reweighted := make([]domain.ScoreRow, len(scores))
		for i, row := range scores {
			reweighted[i] = row.Reweighted(req.FundWeight, req.TechWeight)
		}
		scores = reweighted
	}

	engine, err := backtest.NewEngine(s.engineConfig(&req), barSource{s.bars}, s.log)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	minScore := s.minScore(req.MinScore)
	res, err := engine.Run(r.Context(), scores, start, end, minScore)
	if err != nil {
		s.log.Error("backtest failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summary := backtest.Summarize(res)
	run := &store.BacktestRun{
		StartDate: start,
		EndDate:   end,
		MinScore:  minScore,
		Summary:   summary,
		Trades:    res.Trades,
	}
	id, err := s.runs.SaveRun(r.Context(), run)
	if err != nil {
		s.log.Error("saving run", "error", err)
		writeError(w, http.StatusInternalServerError, "saving run failed")
		return
	}

	writeJSON(w, BacktestResponse{
		RunID:     id,
		StartDate: start.Format("2006-01-02"),
		EndDate:   end.Format("2006-01-02"),
		MinScore:  minScore,
		Summary:   summary,
		Trades:    toTradeJSON(res.Trades),
	})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if !readRequest(w, r, &req) {
		return
	}

	start, end, err := s.dateRange(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scores, err := s.loadScores(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	sweepCfg := backtest.SweepConfig{
		FundMin: s.cfg.Optimizer.FundMin,
		FundMax: s.cfg.Optimizer.FundMax,
		Step:    s.cfg.Optimizer.Step,
		TechMin: s.cfg.Optimizer.TechMin,
		TechMax: s.cfg.Optimizer.TechMax,
		Metric:  s.cfg.Optimizer.Metric,
		Workers: s.cfg.Optimizer.Workers,
	}
	if req.Metric != "" {
		sweepCfg.Metric = req.Metric
	}
	if req.Workers > 0 {
		sweepCfg.Workers = req.Workers
	}

	engineCfg := s.engineConfig(&BacktestRequest{})
	newRunner := func() (backtest.Runner, error) {
		return backtest.NewEngine(engineCfg, barSource{s.bars}, s.log)
	}
	opt, err := backtest.NewOptimizer(sweepCfg, newRunner, s.log)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sweep, err := opt.Optimize(r.Context(), scores, start, end, s.minScore(req.MinScore))
	if err != nil {
		s.log.Error("optimization failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, err := s.sweeps.SaveSweep(r.Context(), sweep)
	if err != nil {
		s.log.Error("saving sweep", "error", err)
		writeError(w, http.StatusInternalServerError, "saving sweep failed")
		return
	}

	writeJSON(w, OptimizeResponse{SweepID: id, Sweep: sweep})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context(), parseLimit(r))
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}
	out := make([]RunJSON, len(runs))
	for i := range runs {
		out[i] = toRunJSON(&runs[i], false)
	}
	writeJSON(w, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %d not found", id))
		return
	}
	writeJSON(w, toRunJSON(run, true))
}

func (s *Server) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	sweeps, err := s.sweeps.ListSweeps(r.Context(), parseLimit(r))
	if err != nil {
		s.log.Error("listing sweeps", "error", err)
		writeError(w, http.StatusInternalServerError, "listing sweeps failed")
		return
	}
	out := make([]SweepJSON, len(sweeps))
	for i := range sweeps {
		out[i] = toSweepJSON(&sweeps[i], false)
	}
	writeJSON(w, out)
}

func (s *Server) handleGetSweep(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sweep id")
		return
	}
	sweep, err := s.sweeps.GetSweep(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("sweep %d not found", id))
		return
	}
	writeJSON(w, toSweepJSON(sweep, true))
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	start, end, err := s.dateRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bars, err := s.bars.ReadBars(r.Context(), symbol, domain.MarketVN, start, end)
	if err != nil {
		s.log.Error("reading bars", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "reading bars failed")
		return
	}
	if len(bars) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no bars for %s", symbol))
		return
	}

	out := make([]BarJSON, len(bars))
	for i, b := range bars {
		out[i] = BarJSON{
			Time:   b.Time.Format("2006-01-02"),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	rows, err := s.scores.LatestScores(r.Context())
	if err != nil {
		s.log.Error("loading scores", "error", err)
		writeError(w, http.StatusInternalServerError, "loading scores failed")
		return
	}

	out := make([]ScoreJSON, len(rows))
	for i, row := range rows {
		out[i] = ScoreJSON{
			Symbol:         row.Symbol,
			TotalScore:     row.TotalScore,
			FundScore:      row.FundScore,
			TechScore:      row.TechScore,
			Price:          row.Price,
			Recommendation: row.Recommendation,
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func parseLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
