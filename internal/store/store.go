// Package store defines storage interfaces for persisting and retrieving
// domain objects such as bars, score tables, backtest runs, and weight
// sweeps, with Parquet and SQLite implementations.
package store

import (
	"context"
	"time"

	"vnadvisor/internal/backtest"
	"vnadvisor/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// ScoreStore persists and retrieves dated score tables.
type ScoreStore interface {
	// SaveScores upserts a score table for the given as-of date.
	SaveScores(ctx context.Context, asOf time.Time, rows []domain.ScoreRow) error

	// LatestScores returns the most recent score table, or nil if none exists.
	LatestScores(ctx context.Context) ([]domain.ScoreRow, error)
}

// BacktestRun is one persisted backtest: its parameters, summary metrics,
// and the full trade ledger.
type BacktestRun struct {
	ID        int64
	CreatedAt time.Time
	StartDate time.Time
	EndDate   time.Time
	MinScore  float64
	Summary   backtest.Summary
	Trades    []domain.Trade
}

// RunStore persists and retrieves backtest runs.
type RunStore interface {
	// SaveRun inserts a run with its trades and returns the assigned ID.
	SaveRun(ctx context.Context, run *BacktestRun) (int64, error)

	// GetRun retrieves a single run, including its trades, by ID.
	GetRun(ctx context.Context, id int64) (*BacktestRun, error)

	// ListRuns returns the most recent runs, without trades, up to limit.
	ListRuns(ctx context.Context, limit int) ([]BacktestRun, error)
}

// Sweep is one persisted weight optimization.
type Sweep struct {
	ID        int64
	CreatedAt time.Time
	Result    backtest.SweepResult
}

// SweepStore persists and retrieves weight sweeps.
type SweepStore interface {
	// SaveSweep inserts a sweep with its candidate table and returns the
	// assigned ID.
	SaveSweep(ctx context.Context, result *backtest.SweepResult) (int64, error)

	// GetSweep retrieves a single sweep, including candidates, by ID.
	GetSweep(ctx context.Context, id int64) (*Sweep, error)

	// ListSweeps returns the most recent sweeps, without candidates, up to
	// limit.
	ListSweeps(ctx context.Context, limit int) ([]Sweep, error)
}
