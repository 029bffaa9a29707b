package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"vnadvisor/internal/domain"
)

// Metric names accepted by the optimizer. Anything else falls back to
// sharpe_ratio with a logged warning.
const (
	MetricSharpeRatio  = "sharpe_ratio"
	MetricTotalReturn  = "total_return"
	MetricMaxDrawdown  = "max_drawdown"
	MetricWinRate      = "win_rate"
	MetricProfitFactor = "profit_factor"
	MetricTotalTrades  = "total_trades"
)

// Runner executes one backtest and yields its result. The engine
// satisfies this; tests may substitute a stub.
type Runner interface {
	Run(ctx context.Context, scores []domain.ScoreRow, start, end time.Time, minScore float64) (*Result, error)
}

var _ Runner = (*Engine)(nil)

// SweepConfig defines the weight grid search. Fund weights are swept from
// FundMin to FundMax in Step increments; the derived tech weight
// (1 − fund) must additionally fall inside [TechMin, TechMax]. The two
// bounds are independent: an asymmetric tech range silently shrinks the
// candidate set, and that is intended behavior.
type SweepConfig struct {
	FundMin float64
	FundMax float64
	Step    float64
	TechMin float64
	TechMax float64
	Metric  string
	Workers int // parallel backtests; <= 1 means sequential
}

// WeightCandidate is one (fund, tech) pair under test. Weights always sum
// to 1.
type WeightCandidate struct {
	FundWeight float64 `json:"fund_weight"`
	TechWeight float64 `json:"tech_weight"`
}

// CandidateResult pairs a weight candidate with its backtest performance.
// A nil Summary marks a candidate whose backtest produced no trades; such
// candidates are excluded from best-selection rather than scored as zero.
type CandidateResult struct {
	WeightCandidate
	Summary *Summary `json:"summary"`
}

// SweepResult holds the full candidate table and the winner. Best is nil
// when no candidate produced any trades.
type SweepResult struct {
	Metric     string            `json:"metric"`
	Candidates []CandidateResult `json:"candidates"`
	Best       *CandidateResult  `json:"best"`
}

// Optimizer grid-searches weight combinations by re-scoring the input
// table and running an independent backtest per candidate.
type Optimizer struct {
	cfg       SweepConfig
	newRunner func() (Runner, error)
	log       *slog.Logger
}

// NewOptimizer creates an Optimizer. newRunner must yield a fresh,
// independent Runner on every call, since candidates may run in parallel.
func NewOptimizer(cfg SweepConfig, newRunner func() (Runner, error), log *slog.Logger) (*Optimizer, error) {
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("sweep config: step must be positive, got %v", cfg.Step)
	}
	if cfg.FundMin > cfg.FundMax {
		return nil, fmt.Errorf("sweep config: fund range [%v, %v] is inverted", cfg.FundMin, cfg.FundMax)
	}
	if newRunner == nil {
		return nil, fmt.Errorf("sweep config: runner factory is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{cfg: cfg, newRunner: newRunner, log: log}, nil
}

// Candidates generates the weight pairs in canonical sweep order.
func (o *Optimizer) Candidates() []WeightCandidate {
	var out []WeightCandidate
	for fund := o.cfg.FundMin; fund <= o.cfg.FundMax+o.cfg.Step/2; fund += o.cfg.Step {
		fw := round2(fund)
		tw := round2(1 - fw)
		if tw < o.cfg.TechMin || tw > o.cfg.TechMax {
			continue
		}
		out = append(out, WeightCandidate{FundWeight: fw, TechWeight: tw})
	}
	return out
}

// Optimize runs every candidate weighting over the same inputs and picks
// the one maximizing the configured metric. Selection is deterministic:
// candidates are compared in canonical sweep order with a strictly-greater
// test, so ties and parallel completion order cannot change the winner.
func (o *Optimizer) Optimize(ctx context.Context, scores []domain.ScoreRow, start, end time.Time, minScore float64) (*SweepResult, error) {
	metric := o.cfg.Metric
	if !validMetric(metric) {
		o.log.Warn("unknown optimization metric, falling back", "requested", metric, "fallback", MetricSharpeRatio)
		metric = MetricSharpeRatio
	}

	candidates := o.Candidates()
	o.log.Info("starting weight optimization", "candidates", len(candidates), "metric", metric)

	results := make([]CandidateResult, len(candidates))
	for i, cand := range candidates {
		results[i] = CandidateResult{WeightCandidate: cand}
	}

	var err error
	if o.cfg.Workers > 1 {
		err = o.runParallel(ctx, candidates, results, scores, start, end, minScore)
	} else {
		err = o.runSequential(ctx, candidates, results, scores, start, end, minScore)
	}
	if err != nil {
		return nil, err
	}

	sweep := &SweepResult{Metric: metric, Candidates: results}

	best := math.Inf(-1)
	for i := range results {
		if results[i].Summary == nil {
			continue
		}
		if v := metricValue(results[i].Summary, metric); v > best {
			best = v
			sweep.Best = &results[i]
		}
	}

	if sweep.Best == nil {
		o.log.Warn("no candidate produced any trades")
	} else {
		o.log.Info("best weights found",
			"fund_weight", sweep.Best.FundWeight,
			"tech_weight", sweep.Best.TechWeight,
			metric, metricValue(sweep.Best.Summary, metric))
	}

	return sweep, nil
}

func (o *Optimizer) runSequential(ctx context.Context, candidates []WeightCandidate, results []CandidateResult, scores []domain.ScoreRow, start, end time.Time, minScore float64) error {
	for i, cand := range candidates {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		summary, err := o.evaluate(ctx, cand, scores, start, end, minScore)
		if err != nil {
			return err
		}
		results[i].Summary = summary
	}
	return nil
}

func (o *Optimizer) runParallel(ctx context.Context, candidates []WeightCandidate, results []CandidateResult, scores []domain.ScoreRow, start, end time.Time, minScore float64) error {
	jobs := make(chan int)
	errs := make(chan error, o.cfg.Workers)
	var wg sync.WaitGroup

	for w := 0; w < o.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Keep draining jobs after a failure so the dispatcher
			// never blocks on an exited worker.
			failed := false
			for i := range jobs {
				if failed {
					continue
				}
				summary, err := o.evaluate(ctx, candidates[i], scores, start, end, minScore)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					failed = true
					continue
				}
				results[i].Summary = summary
			}
		}()
	}

	for i := range candidates {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// evaluate re-scores the table under one weighting and runs a fresh
// backtest. A run with an empty ledger yields a nil Summary.
func (o *Optimizer) evaluate(ctx context.Context, cand WeightCandidate, scores []domain.ScoreRow, start, end time.Time, minScore float64) (*Summary, error) {
	reweighted := make([]domain.ScoreRow, len(scores))
	for i, row := range scores {
		reweighted[i] = row.Reweighted(cand.FundWeight, cand.TechWeight)
	}

	runner, err := o.newRunner()
	if err != nil {
		return nil, fmt.Errorf("creating runner for weights %v/%v: %w", cand.FundWeight, cand.TechWeight, err)
	}

	res, err := runner.Run(ctx, reweighted, start, end, minScore)
	if err != nil {
		return nil, fmt.Errorf("backtest for weights %v/%v: %w", cand.FundWeight, cand.TechWeight, err)
	}
	if len(res.Trades) == 0 {
		o.log.Debug("candidate produced no trades", "fund_weight", cand.FundWeight, "tech_weight", cand.TechWeight)
		return nil, nil
	}

	summary := Summarize(res)
	o.log.Debug("candidate evaluated",
		"fund_weight", cand.FundWeight,
		"tech_weight", cand.TechWeight,
		"total_return", summary.TotalReturnPct,
		"sharpe", summary.SharpeRatio,
		"win_rate", summary.WinRatePct)
	return &summary, nil
}

// TopN returns the n best candidates with results, ranked by the given
// metric (fallback sharpe_ratio), preserving sweep order between equals.
func (r *SweepResult) TopN(metric string, n int) []CandidateResult {
	if !validMetric(metric) {
		metric = MetricSharpeRatio
	}
	var ranked []CandidateResult
	for _, c := range r.Candidates {
		if c.Summary != nil {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return metricValue(ranked[i].Summary, metric) > metricValue(ranked[j].Summary, metric)
	})
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

func validMetric(name string) bool {
	switch name {
	case MetricSharpeRatio, MetricTotalReturn, MetricMaxDrawdown, MetricWinRate, MetricProfitFactor, MetricTotalTrades:
		return true
	}
	return false
}

func metricValue(s *Summary, name string) float64 {
	switch name {
	case MetricTotalReturn:
		return s.TotalReturnPct
	case MetricMaxDrawdown:
		return s.MaxDrawdownPct
	case MetricWinRate:
		return s.WinRatePct
	case MetricProfitFactor:
		return s.ProfitFactor
	case MetricTotalTrades:
		return float64(s.TotalTrades)
	default:
		return s.SharpeRatio
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
