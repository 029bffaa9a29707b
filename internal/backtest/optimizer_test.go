package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"vnadvisor/internal/domain"
)

// stubRunner maps the reweighted total score of the first row to a fixed
// ledger, letting tests control each candidate's performance directly.
type stubRunner struct {
	ledger func(totalScore float64) []domain.Trade
}

func (s *stubRunner) Run(_ context.Context, scores []domain.ScoreRow, _, _ time.Time, _ float64) (*Result, error) {
	trades := s.ledger(scores[0].TotalScore)
	res := &Result{Trades: trades, InitialCapital: 100}
	for _, t := range trades {
		res.FinalCapital += t.PnL
	}
	res.FinalCapital += res.InitialCapital
	return res, nil
}

// fundOnly is a score table whose total under weights (fw, tw) is 10*fw,
// so a stub can recover the fund weight from the reweighted score.
var fundOnly = []domain.ScoreRow{{Symbol: "VNM", FundScore: 10, TechScore: 0, Recommendation: domain.RecStrongBuy}}

func sweepConfig() SweepConfig {
	return SweepConfig{
		FundMin: 0.3, FundMax: 0.7, Step: 0.1,
		TechMin: 0.3, TechMax: 0.7,
		Metric: MetricTotalReturn,
	}
}

// returnByFund builds a runner factory whose candidate at fund weight fw
// yields a single closed trade worth returns[fw] percent.
func returnByFund(returns map[float64]float64) func() (Runner, error) {
	return func() (Runner, error) {
		return &stubRunner{ledger: func(total float64) []domain.Trade {
			fw := round2(total / 10)
			pnl, ok := returns[fw]
			if !ok {
				return nil
			}
			return sellLedger(pnl)
		}}, nil
	}
}

func TestNewOptimizerValidation(t *testing.T) {
	factory := returnByFund(nil)

	if _, err := NewOptimizer(SweepConfig{FundMin: 0.3, FundMax: 0.7, Step: 0}, factory, nil); err == nil {
		t.Error("accepted zero step")
	}
	if _, err := NewOptimizer(SweepConfig{FundMin: 0.7, FundMax: 0.3, Step: 0.1}, factory, nil); err == nil {
		t.Error("accepted inverted fund range")
	}
	if _, err := NewOptimizer(sweepConfig(), nil, nil); err == nil {
		t.Error("accepted nil runner factory")
	}
}

func TestCandidatesGrid(t *testing.T) {
	o, err := NewOptimizer(sweepConfig(), returnByFund(nil), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	got := o.Candidates()
	want := []WeightCandidate{
		{0.3, 0.7}, {0.4, 0.6}, {0.5, 0.5}, {0.6, 0.4}, {0.7, 0.3},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d = %v, want %v", i, got[i], want[i])
		}
		if round2(got[i].FundWeight+got[i].TechWeight) != 1.0 {
			t.Errorf("candidate %d weights do not sum to 1: %v", i, got[i])
		}
	}
}

func TestCandidatesTechRangeConstraint(t *testing.T) {
	cfg := sweepConfig()
	cfg.TechMax = 0.6 // excludes fund 0.3 / tech 0.7
	o, err := NewOptimizer(cfg, returnByFund(nil), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	got := o.Candidates()
	if len(got) != 4 {
		t.Fatalf("got %d candidates %v, want 4", len(got), got)
	}
	if got[0] != (WeightCandidate{0.4, 0.6}) {
		t.Errorf("first candidate = %v, want {0.4 0.6}", got[0])
	}
}

func TestOptimizeSelectsHighestMetric(t *testing.T) {
	returns := map[float64]float64{0.3: 0.5, 0.4: 1.8, 0.5: 1.2, 0.6: 0.2, 0.7: 0.1}
	o, err := NewOptimizer(sweepConfig(), returnByFund(returns), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sweep.Best == nil {
		t.Fatal("no best candidate selected")
	}
	if sweep.Best.FundWeight != 0.4 {
		t.Errorf("best fund weight = %v, want 0.4 (highest return)", sweep.Best.FundWeight)
	}
	if len(sweep.Candidates) != 5 {
		t.Errorf("candidate table has %d rows, want 5", len(sweep.Candidates))
	}
}

func TestOptimizeSelectionIndependentOfPeakPosition(t *testing.T) {
	// Same grid, peak moved to the last candidate.
	returns := map[float64]float64{0.3: 0.1, 0.4: 0.2, 0.5: 0.3, 0.6: 0.4, 0.7: 1.8}
	o, err := NewOptimizer(sweepConfig(), returnByFund(returns), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sweep.Best == nil || sweep.Best.FundWeight != 0.7 {
		t.Errorf("best = %+v, want fund weight 0.7", sweep.Best)
	}
}

func TestOptimizeTieBreaksToEarliestCandidate(t *testing.T) {
	returns := map[float64]float64{0.3: 1.0, 0.4: 1.5, 0.5: 1.5, 0.6: 1.0, 0.7: 1.0}
	o, err := NewOptimizer(sweepConfig(), returnByFund(returns), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sweep.Best == nil || sweep.Best.FundWeight != 0.4 {
		t.Errorf("best = %+v, want first of the tied pair (fund 0.4)", sweep.Best)
	}
}

func TestOptimizeUnknownMetricFallsBack(t *testing.T) {
	cfg := sweepConfig()
	cfg.Metric = "bogus"
	o, err := NewOptimizer(cfg, returnByFund(map[float64]float64{0.5: 1.0}), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sweep.Metric != MetricSharpeRatio {
		t.Errorf("sweep metric = %q, want fallback %q", sweep.Metric, MetricSharpeRatio)
	}
}

func TestOptimizeExcludesEmptyLedgerCandidates(t *testing.T) {
	// Only fund 0.6 trades at all, and it trades at a loss. It must
	// still win over candidates with no trades.
	returns := map[float64]float64{0.6: -5.0}
	o, err := NewOptimizer(sweepConfig(), returnByFund(returns), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sweep.Best == nil || sweep.Best.FundWeight != 0.6 {
		t.Errorf("best = %+v, want the only trading candidate (fund 0.6)", sweep.Best)
	}
	for _, c := range sweep.Candidates {
		if c.FundWeight != 0.6 && c.Summary != nil {
			t.Errorf("non-trading candidate %v carries a summary", c.WeightCandidate)
		}
	}
}

func TestOptimizeAllCandidatesEmpty(t *testing.T) {
	o, err := NewOptimizer(sweepConfig(), returnByFund(nil), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if sweep.Best != nil {
		t.Errorf("best = %+v, want nil when nothing traded", sweep.Best)
	}
}

func TestOptimizeParallelMatchesSequential(t *testing.T) {
	returns := map[float64]float64{0.3: 0.5, 0.4: 1.8, 0.5: 1.2, 0.6: 0.2, 0.7: 0.1}

	run := func(workers int) *SweepResult {
		cfg := sweepConfig()
		cfg.Workers = workers
		o, err := NewOptimizer(cfg, returnByFund(returns), nil)
		if err != nil {
			t.Fatalf("NewOptimizer: %v", err)
		}
		sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
		if err != nil {
			t.Fatalf("Optimize(workers=%d): %v", workers, err)
		}
		return sweep
	}

	seq := run(1)
	par := run(4)

	if seq.Best.WeightCandidate != par.Best.WeightCandidate {
		t.Errorf("parallel best %v differs from sequential %v", par.Best.WeightCandidate, seq.Best.WeightCandidate)
	}
	for i := range seq.Candidates {
		s, p := seq.Candidates[i], par.Candidates[i]
		if s.WeightCandidate != p.WeightCandidate {
			t.Errorf("candidate %d order differs: %v vs %v", i, s.WeightCandidate, p.WeightCandidate)
		}
		if (s.Summary == nil) != (p.Summary == nil) {
			t.Errorf("candidate %d summary presence differs", i)
			continue
		}
		if s.Summary != nil && s.Summary.TotalReturnPct != p.Summary.TotalReturnPct {
			t.Errorf("candidate %d return differs: %v vs %v", i, s.Summary.TotalReturnPct, p.Summary.TotalReturnPct)
		}
	}
}

func TestOptimizeRunnerErrorPropagates(t *testing.T) {
	wantErr := errors.New("bar store unavailable")
	factory := func() (Runner, error) { return nil, wantErr }
	o, err := NewOptimizer(sweepConfig(), factory, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	if _, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0); !errors.Is(err, wantErr) {
		t.Errorf("Optimize error = %v, want wrapped %v", err, wantErr)
	}
}

func TestOptimizeParallelRunnerErrorReturns(t *testing.T) {
	wantErr := errors.New("bar store unavailable")
	factory := func() (Runner, error) { return nil, wantErr }
	cfg := sweepConfig()
	cfg.Workers = 4
	o, err := NewOptimizer(cfg, factory, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Errorf("Optimize error = %v, want wrapped %v", err, wantErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Optimize did not return after worker failures")
	}
}

func TestTopN(t *testing.T) {
	returns := map[float64]float64{0.3: 0.5, 0.4: 1.8, 0.5: 1.2, 0.6: 0.2}
	o, err := NewOptimizer(sweepConfig(), returnByFund(returns), nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	sweep, err := o.Optimize(context.Background(), fundOnly, day(1), day(10), 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	top := sweep.TopN(MetricTotalReturn, 2)
	if len(top) != 2 {
		t.Fatalf("TopN returned %d rows, want 2", len(top))
	}
	if top[0].FundWeight != 0.4 || top[1].FundWeight != 0.5 {
		t.Errorf("TopN order = %v, %v; want 0.4 then 0.5", top[0].WeightCandidate, top[1].WeightCandidate)
	}
}
