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
	capital := flag.Float64("capital", 0, "initial capital in VND (overrides config)")
	export := flag.Bool("export", true, "write CSV and summary files to the report dir")
	topN := flag.Int("top", 10, "best performers to list")
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

	engineCfg := backtest.Config{
		InitialCapital:  cfg.Backtest.InitialCapital,
		MaxPositions:    cfg.Backtest.MaxPositions,
		PositionSizePct: cfg.Backtest.PositionSizePct,
		StopLossPct:     cfg.Backtest.StopLossPct,
		TakeProfitPct:   cfg.Backtest.TakeProfitPct,
	}
	if *capital > 0 {
		engineCfg.InitialCapital = *capital
	}
	threshold := cfg.Backtest.MinScore
	if *minScore > 0 {
		threshold = *minScore
	}

	engine, err := backtest.NewEngine(engineCfg, store.NewParquetStore(cfg.Storage.DataDir), logger)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}

	res, err := engine.Run(ctx, scores, start, end, threshold)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}

	summary := backtest.Summarize(res)
	reporter := backtest.NewReporter(os.Stdout, cfg.Storage.ReportDir)
	reporter.PrintSummary(summary)
	reporter.PrintTopPerformers(res.Trades, *topN)

	id, err := db.SaveRun(ctx, &store.BacktestRun{
		StartDate: start,
		EndDate:   end,
		MinScore:  threshold,
		Summary:   summary,
		Trades:    res.Trades,
	})
	if err != nil {
		log.Fatalf("saving run: %v", err)
	}
	logger.Info("run saved", "run_id", id)

	if *export && len(res.Trades) > 0 {
		csvPath, err := reporter.WriteTradesCSV(res.Trades)
		if err != nil {
			log.Fatalf("exporting trades: %v", err)
		}
		txtPath, err := reporter.WriteSummaryText(summary)
		if err != nil {
			log.Fatalf("exporting summary: %v", err)
		}
		fmt.Printf("\nExports: %s, %s\n", csvPath, txtPath)
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
