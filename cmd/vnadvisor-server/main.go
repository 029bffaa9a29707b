package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"vnadvisor/internal/backtest"
	"vnadvisor/internal/config"
	"vnadvisor/internal/httpapi"
	"vnadvisor/internal/store"
	"vnadvisor/internal/util"
)

func main() {
	cfgPath := "config/vnadvisor.yaml"
	if p := os.Getenv("VNADVISOR_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening results db: %v", err)
	}
	defer db.Close()

	srv := httpapi.NewServer(cfg, bars, db, db, db, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Scheduled weight sweep after each trading day.
	var scheduler *cron.Cron
	if cfg.Schedule.Enabled {
		scheduler = cron.New(cron.WithSeconds())
		_, err := scheduler.AddFunc(cfg.Schedule.SweepCron, func() {
			if err := runScheduledSweep(ctx, cfg, bars, db, logger); err != nil {
				logger.Error("scheduled sweep failed", "error", err)
			}
		})
		if err != nil {
			log.Fatalf("invalid sweep schedule %q: %v", cfg.Schedule.SweepCron, err)
		}
		scheduler.Start()
		logger.Info("sweep scheduler started", "cron", cfg.Schedule.SweepCron)
	}

	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// runScheduledSweep re-optimizes the weights over the configured lookback
// using the latest imported score table.
func runScheduledSweep(ctx context.Context, cfg *config.Config, bars *store.ParquetStore, db *store.SQLiteStore, logger *slog.Logger) error {
	scores, err := db.LatestScores(ctx)
	if err != nil {
		return fmt.Errorf("loading scores: %w", err)
	}
	if len(scores) == 0 {
		logger.Warn("no score table imported, skipping scheduled sweep")
		return nil
	}

	engineCfg := backtest.Config{
		InitialCapital:  cfg.Backtest.InitialCapital,
		MaxPositions:    cfg.Backtest.MaxPositions,
		PositionSizePct: cfg.Backtest.PositionSizePct,
		StopLossPct:     cfg.Backtest.StopLossPct,
		TakeProfitPct:   cfg.Backtest.TakeProfitPct,
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

	newRunner := func() (backtest.Runner, error) {
		return backtest.NewEngine(engineCfg, bars, logger)
	}
	opt, err := backtest.NewOptimizer(sweepCfg, newRunner, logger)
	if err != nil {
		return fmt.Errorf("creating optimizer: %w", err)
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -cfg.Backtest.LookbackDays)

	sweep, err := opt.Optimize(ctx, scores, start, end, cfg.Backtest.MinScore)
	if err != nil {
		return fmt.Errorf("optimizing: %w", err)
	}

	id, err := db.SaveSweep(ctx, sweep)
	if err != nil {
		return fmt.Errorf("saving sweep: %w", err)
	}
	logger.Info("scheduled sweep saved", "sweep_id", id)
	return nil
}
