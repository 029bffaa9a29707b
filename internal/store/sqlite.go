package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"vnadvisor/internal/backtest"
	"vnadvisor/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ ScoreStore = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)
var _ SweepStore = (*SQLiteStore)(nil)

// SQLiteStore implements ScoreStore, RunStore, and SweepStore backed by a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS scores (
	symbol         TEXT NOT NULL,
	as_of          TEXT NOT NULL,
	total_score    REAL NOT NULL,
	fund_score     REAL NOT NULL,
	tech_score     REAL NOT NULL,
	price          REAL NOT NULL,
	recommendation TEXT NOT NULL,
	PRIMARY KEY (symbol, as_of)
);

CREATE TABLE IF NOT EXISTS backtest_runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at       TEXT NOT NULL,
	start_date       TEXT NOT NULL,
	end_date         TEXT NOT NULL,
	min_score        REAL NOT NULL,
	initial_capital  REAL NOT NULL,
	final_capital    REAL NOT NULL,
	total_pnl        REAL NOT NULL,
	total_return_pct REAL NOT NULL,
	sharpe_ratio     REAL NOT NULL,
	max_drawdown_pct REAL NOT NULL,
	win_rate_pct     REAL NOT NULL,
	profit_factor    REAL,
	total_trades     INTEGER NOT NULL,
	winning_trades   INTEGER NOT NULL,
	losing_trades    INTEGER NOT NULL,
	avg_win          REAL NOT NULL,
	avg_loss         REAL NOT NULL,
	skipped_symbols  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	run_id     INTEGER NOT NULL REFERENCES backtest_runs(id),
	seq        INTEGER NOT NULL,
	date       TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	action     TEXT NOT NULL,
	price      REAL NOT NULL,
	shares     INTEGER NOT NULL,
	cost       REAL NOT NULL,
	proceeds   REAL NOT NULL,
	pnl        REAL NOT NULL,
	reason     TEXT NOT NULL,
	return_pct REAL NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS sweeps (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at  TEXT NOT NULL,
	metric      TEXT NOT NULL,
	best_fund   REAL,
	best_tech   REAL
);

CREATE TABLE IF NOT EXISTS sweep_candidates (
	sweep_id         INTEGER NOT NULL REFERENCES sweeps(id),
	seq              INTEGER NOT NULL,
	fund_weight      REAL NOT NULL,
	tech_weight      REAL NOT NULL,
	total_return_pct REAL,
	sharpe_ratio     REAL,
	max_drawdown_pct REAL,
	win_rate_pct     REAL,
	profit_factor    REAL,
	total_trades     INTEGER,
	PRIMARY KEY (sweep_id, seq)
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// the schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const dateLayout = "2006-01-02"

// A NULL profit_factor column encodes +Inf: a run with wins and no losses.
func profitFactorToDB(pf float64) any {
	if math.IsInf(pf, 1) {
		return nil
	}
	return pf
}

func profitFactorFromDB(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.Inf(1)
	}
	return v.Float64
}

// ---------------------------------------------------------------------------
// ScoreStore implementation
// ---------------------------------------------------------------------------

// SaveScores upserts the score table for the given as-of date.
func (s *SQLiteStore) SaveScores(ctx context.Context, asOf time.Time, rows []domain.ScoreRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving scores: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scores (symbol, as_of, total_score, fund_score, tech_score, price, recommendation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, as_of) DO UPDATE SET
			total_score = excluded.total_score,
			fund_score = excluded.fund_score,
			tech_score = excluded.tech_score,
			price = excluded.price,
			recommendation = excluded.recommendation`)
	if err != nil {
		return fmt.Errorf("saving scores: %w", err)
	}
	defer stmt.Close()

	date := asOf.Format(dateLayout)
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.Symbol, date, row.TotalScore, row.FundScore, row.TechScore, row.Price, row.Recommendation); err != nil {
			return fmt.Errorf("saving score for %s: %w", row.Symbol, err)
		}
	}
	return tx.Commit()
}

// LatestScores returns the score table for the most recent as-of date, or
// nil when the table is empty.
func (s *SQLiteStore) LatestScores(ctx context.Context) ([]domain.ScoreRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, total_score, fund_score, tech_score, price, recommendation
		FROM scores
		WHERE as_of = (SELECT MAX(as_of) FROM scores)
		ORDER BY total_score DESC, symbol`)
	if err != nil {
		return nil, fmt.Errorf("loading latest scores: %w", err)
	}
	defer rows.Close()

	var out []domain.ScoreRow
	for rows.Next() {
		var r domain.ScoreRow
		if err := rows.Scan(&r.Symbol, &r.TotalScore, &r.FundScore, &r.TechScore, &r.Price, &r.Recommendation); err != nil {
			return nil, fmt.Errorf("scanning score row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts a backtest run and its full trade ledger in one
// transaction, returning the assigned run ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *BacktestRun) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("saving run: %w", err)
	}
	defer tx.Rollback()

	sum := run.Summary
	res, err := tx.ExecContext(ctx, `
		INSERT INTO backtest_runs (
			created_at, start_date, end_date, min_score,
			initial_capital, final_capital, total_pnl, total_return_pct,
			sharpe_ratio, max_drawdown_pct, win_rate_pct, profit_factor,
			total_trades, winning_trades, losing_trades, avg_win, avg_loss,
			skipped_symbols)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339),
		run.StartDate.Format(dateLayout),
		run.EndDate.Format(dateLayout),
		run.MinScore,
		sum.InitialCapital, sum.FinalCapital, sum.TotalPnL, sum.TotalReturnPct,
		sum.SharpeRatio, sum.MaxDrawdownPct, sum.WinRatePct, profitFactorToDB(sum.ProfitFactor),
		sum.TotalTrades, sum.WinningTrades, sum.LosingTrades, sum.AvgWin, sum.AvgLoss,
		sum.Skipped)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (run_id, seq, date, symbol, action, price, shares, cost, proceeds, pnl, reason, return_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("inserting trades: %w", err)
	}
	defer stmt.Close()

	for i, t := range run.Trades {
		if _, err := stmt.ExecContext(ctx, id, i,
			t.Date.Format(dateLayout), t.Symbol, string(t.Action),
			t.Price, t.Shares, t.Cost, t.Proceeds, t.PnL, t.Reason, t.ReturnPct); err != nil {
			return 0, fmt.Errorf("inserting trade %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("saving run: %w", err)
	}
	return id, nil
}

// GetRun retrieves one run with its trade ledger. Returns sql.ErrNoRows
// wrapped when the ID is unknown.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*BacktestRun, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, created_at, start_date, end_date, min_score,
			initial_capital, final_capital, total_pnl, total_return_pct,
			sharpe_ratio, max_drawdown_pct, win_rate_pct, profit_factor,
			total_trades, winning_trades, losing_trades, avg_win, avg_loss,
			skipped_symbols
		FROM backtest_runs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("loading run %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, symbol, action, price, shares, cost, proceeds, pnl, reason, return_pct
		FROM trades WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("loading trades for run %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.Trade
		var date, action string
		if err := rows.Scan(&date, &t.Symbol, &action, &t.Price, &t.Shares, &t.Cost, &t.Proceeds, &t.PnL, &t.Reason, &t.ReturnPct); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Date, _ = time.Parse(dateLayout, date)
		t.Action = domain.TradeAction(action)
		run.Trades = append(run.Trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first, without trades.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]BacktestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, start_date, end_date, min_score,
			initial_capital, final_capital, total_pnl, total_return_pct,
			sharpe_ratio, max_drawdown_pct, win_rate_pct, profit_factor,
			total_trades, winning_trades, losing_trades, avg_win, avg_loss,
			skipped_symbols
		FROM backtest_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []BacktestRun
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row rowScanner) (*BacktestRun, error) {
	var run BacktestRun
	var created, start, end string
	var pf sql.NullFloat64
	err := row.Scan(&run.ID, &created, &start, &end, &run.MinScore,
		&run.Summary.InitialCapital, &run.Summary.FinalCapital,
		&run.Summary.TotalPnL, &run.Summary.TotalReturnPct,
		&run.Summary.SharpeRatio, &run.Summary.MaxDrawdownPct,
		&run.Summary.WinRatePct, &pf,
		&run.Summary.TotalTrades, &run.Summary.WinningTrades,
		&run.Summary.LosingTrades, &run.Summary.AvgWin, &run.Summary.AvgLoss,
		&run.Summary.Skipped)
	if err != nil {
		return nil, err
	}
	run.Summary.ProfitFactor = profitFactorFromDB(pf)
	run.CreatedAt, _ = time.Parse(time.RFC3339, created)
	run.StartDate, _ = time.Parse(dateLayout, start)
	run.EndDate, _ = time.Parse(dateLayout, end)
	return &run, nil
}

// ---------------------------------------------------------------------------
// SweepStore implementation
// ---------------------------------------------------------------------------

// SaveSweep inserts a sweep and its candidate table in one transaction,
// returning the assigned sweep ID. Candidates without trades persist with
// NULL metric columns.
func (s *SQLiteStore) SaveSweep(ctx context.Context, result *backtest.SweepResult) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("saving sweep: %w", err)
	}
	defer tx.Rollback()

	var bestFund, bestTech any
	if result.Best != nil {
		bestFund, bestTech = result.Best.FundWeight, result.Best.TechWeight
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sweeps (created_at, metric, best_fund, best_tech)
		VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), result.Metric, bestFund, bestTech)
	if err != nil {
		return 0, fmt.Errorf("inserting sweep: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inserting sweep: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sweep_candidates (sweep_id, seq, fund_weight, tech_weight,
			total_return_pct, sharpe_ratio, max_drawdown_pct, win_rate_pct,
			profit_factor, total_trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("inserting candidates: %w", err)
	}
	defer stmt.Close()

	for i, c := range result.Candidates {
		args := []any{id, i, c.FundWeight, c.TechWeight, nil, nil, nil, nil, nil, nil}
		if c.Summary != nil {
			args[4] = c.Summary.TotalReturnPct
			args[5] = c.Summary.SharpeRatio
			args[6] = c.Summary.MaxDrawdownPct
			args[7] = c.Summary.WinRatePct
			args[8] = profitFactorToDB(c.Summary.ProfitFactor)
			args[9] = c.Summary.TotalTrades
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("inserting candidate %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("saving sweep: %w", err)
	}
	return id, nil
}

// GetSweep retrieves one sweep with its full candidate table.
func (s *SQLiteStore) GetSweep(ctx context.Context, id int64) (*Sweep, error) {
	var sweep Sweep
	var created string
	var bestFund, bestTech sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, metric, best_fund, best_tech
		FROM sweeps WHERE id = ?`, id).
		Scan(&sweep.ID, &created, &sweep.Result.Metric, &bestFund, &bestTech)
	if err != nil {
		return nil, fmt.Errorf("loading sweep %d: %w", id, err)
	}
	sweep.CreatedAt, _ = time.Parse(time.RFC3339, created)

	rows, err := s.db.QueryContext(ctx, `
		SELECT fund_weight, tech_weight, total_return_pct, sharpe_ratio,
			max_drawdown_pct, win_rate_pct, profit_factor, total_trades
		FROM sweep_candidates WHERE sweep_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("loading candidates for sweep %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var c backtest.CandidateResult
		var ret, sharpe, dd, winRate, pf sql.NullFloat64
		var trades sql.NullInt64
		if err := rows.Scan(&c.FundWeight, &c.TechWeight, &ret, &sharpe, &dd, &winRate, &pf, &trades); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		if trades.Valid {
			c.Summary = &backtest.Summary{
				TotalReturnPct: ret.Float64,
				SharpeRatio:    sharpe.Float64,
				MaxDrawdownPct: dd.Float64,
				WinRatePct:     winRate.Float64,
				ProfitFactor:   profitFactorFromDB(pf),
				TotalTrades:    int(trades.Int64),
			}
		}
		sweep.Result.Candidates = append(sweep.Result.Candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if bestFund.Valid {
		for i := range sweep.Result.Candidates {
			c := &sweep.Result.Candidates[i]
			if c.FundWeight == bestFund.Float64 && c.TechWeight == bestTech.Float64 {
				sweep.Result.Best = c
				break
			}
		}
	}
	return &sweep, nil
}

// ListSweeps returns the most recent sweeps, newest first, without
// candidates.
func (s *SQLiteStore) ListSweeps(ctx context.Context, limit int) ([]Sweep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, metric, best_fund, best_tech
		FROM sweeps ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sweeps: %w", err)
	}
	defer rows.Close()

	var out []Sweep
	for rows.Next() {
		var sweep Sweep
		var created string
		var bestFund, bestTech sql.NullFloat64
		if err := rows.Scan(&sweep.ID, &created, &sweep.Result.Metric, &bestFund, &bestTech); err != nil {
			return nil, fmt.Errorf("scanning sweep: %w", err)
		}
		sweep.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if bestFund.Valid {
			sweep.Result.Best = &backtest.CandidateResult{
				WeightCandidate: backtest.WeightCandidate{FundWeight: bestFund.Float64, TechWeight: bestTech.Float64},
			}
		}
		out = append(out, sweep)
	}
	return out, rows.Err()
}
