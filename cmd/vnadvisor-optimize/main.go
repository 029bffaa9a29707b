package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vnadvisor/internal/backtest"
	"vnadvisor/internal/config"
	"vnadvisor/internal/domain"
	"vnadvisor/internal/store"
	"vnadvisor/internal/util"
)

func main() {
	cfgPath := flag.String("config", configPath(), "config file path")
	scoresCSV := flag.String("scores", "", "score table CSV (default: latest imported table)")
	days := flag.Int("days", 0, "lookback window in days (overrides config)")
	startFlag := flag.String("start", "", "start date YYYY-MM-DD (overrides -days)")
	endFlag := flag.String("end", "", "end date YYYY-MM-DD (default today)")
	minScore := flag.Float64("score", 0, "minimum total score (overrides config)")
	metric := flag.String("metric", "", "optimization metric (overrides config)")
	workers := flag.Int("workers", 0, "parallel backtests (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening results db: %v", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scores, err := loadScores(ctx, db, *scoresCSV)
	if err != nil {
		log.Fatalf("loading scores: %v", err)
	}

	start, end, err := window(cfg, *startFlag, *endFlag, *days)
	if err != nil {
		log.Fatalf("resolving date range: %v", err)
	}

	sweepCfg := backtest.SweepConfig{
		FundMin: cfg.Optimizer.FundMin,
		FundMax: cfg.Optimizer.FundMax,
		Step:    cfg.Optimizer.Step,
		TechMin: cfg.Optimizer.TechMin,
		TechMax: cfg.Optimizer.TechMax,
		Metric:  cfg.Optimizer.Metric,
		Workers: cfg.Optimizer.Workers,
	}
	if *metric != "" {
		sweepCfg.Metric = *metric
	}
	if *workers > 0 {
		sweepCfg.Workers = *workers
	}

	engineCfg := backtest.Config{
		InitialCapital:  cfg.Backtest.InitialCapital,
		MaxPositions:    cfg.Backtest.MaxPositions,
		PositionSizePct: cfg.Backtest.PositionSizePct,
		StopLossPct:     cfg.Backtest.StopLossPct,
		TakeProfitPct:   cfg.Backtest.TakeProfitPct,
	}
	bars := store.NewParquetStore(cfg.Storage.DataDir)
	newRunner := func() (backtest.Runner, error) {
		return backtest.NewEngine(engineCfg, bars, logger)
	}

	opt, err := backtest.NewOptimizer(sweepCfg, newRunner, logger)
	if err != nil {
		log.Fatalf("creating optimizer: %v", err)
	}

	threshold := cfg.Backtest.MinScore
	if *minScore > 0 {
		threshold = *minScore
	}
	sweep, err := opt.Optimize(ctx, scores, start, end, threshold)
	if err != nil {
		log.Fatalf("optimization failed: %v", err)
	}

	reporter := backtest.NewReporter(os.Stdout, cfg.Storage.ReportDir)
	reporter.PrintSweep(sweep)

	id, err := db.SaveSweep(ctx, sweep)
	if err != nil {
		log.Fatalf("saving sweep: %v", err)
	}
	logger.Info("sweep saved", "sweep_id", id)

	if sweep.Best != nil {
		path, err := reporter.WriteBestWeightsJSON(sweep)
		if err != nil {
			log.Fatalf("writing best weights: %v", err)
		}
		fmt.Printf("\nBest weights written to %s\n", path)
	}
}

func configPath() string {
	if p := os.Getenv("VNADVISOR_CONFIG"); p != "" {
		return p
	}
	return "config/vnadvisor.yaml"
}

func loadScores(ctx context.Context, db *store.SQLiteStore, csvPath string) ([]domain.ScoreRow, error) {
	if csvPath != "" {
		return store.ReadScoreCSV(csvPath)
	}
	rows, err := db.LatestScores(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no score table imported; run vnadvisor-import or pass -scores")
	}
	return rows, nil
}

func window(cfg *config.Config, startFlag, endFlag string, days int) (start, end time.Time, err error) {
	end = time.Now().UTC().Truncate(24 * time.Hour)
	if endFlag != "" {
		end, err = time.Parse("2006-01-02", endFlag)
		if err != nil {
			return start, end, fmt.Errorf("invalid -end: %w", err)
		}
	}

	lookback := cfg.Backtest.LookbackDays
	if days > 0 {
		lookback = days
	}
	start = end.AddDate(0, 0, -lookback)
	if startFlag != "" {
		start, err = time.Parse("2006-01-02", startFlag)
		if err != nil {
			return start, end, fmt.Errorf("invalid -start: %w", err)
		}
	}
	if start.After(end) {
		return start, end, fmt.Errorf("start %s after end %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return start, end, nil
}
