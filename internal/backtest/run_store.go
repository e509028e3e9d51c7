package backtest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	_ "modernc.org/sqlite"
)

// RunStore 把回测任务、净值曲线和成交明细落到 sqlite。
type RunStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewRunStore(root string) (*RunStore, error) {
	if root == "" {
		return nil, fmt.Errorf("run store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureRunSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &RunStore{db: db, path: path}, nil
}

func (s *RunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureRunSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			frequency TEXT NOT NULL,
			initial_equity REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			total_return REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			sharpe REAL NOT NULL DEFAULT 0,
			trades INTEGER NOT NULL DEFAULT 0,
			stats_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_strategy ON runs(strategy, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS run_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			entry_time INTEGER NOT NULL,
			exit_time INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			quantity REAL NOT NULL,
			pnl REAL NOT NULL,
			ret REAL NOT NULL,
			holding_days REAL NOT NULL,
			reason TEXT NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_trades_run ON run_trades(run_id)`,
		`CREATE TABLE IF NOT EXISTS run_equity (
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY(run_id, ts),
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化 run 表结构失败: %w", err)
		}
	}
	return nil
}

// SaveRun 插入或更新任务摘要。
func (s *RunStore) SaveRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var completed int64
	if !run.CompletedAt.IsZero() {
		completed = run.CompletedAt.UnixMilli()
	}
	_, err := s.db.Exec(`INSERT INTO runs
		(id, strategy, status, start_ts, end_ts, frequency, initial_equity,
		 final_equity, total_return, max_drawdown, sharpe, trades, message,
		 created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			final_equity=excluded.final_equity,
			total_return=excluded.total_return,
			max_drawdown=excluded.max_drawdown,
			sharpe=excluded.sharpe,
			trades=excluded.trades,
			message=excluded.message,
			updated_at=excluded.updated_at,
			completed_at=excluded.completed_at`,
		run.ID, run.Strategy, run.Status, run.StartTS, run.EndTS, run.Frequency,
		run.InitialEquity, run.FinalEquity, run.TotalReturn, run.MaxDrawdown,
		run.Sharpe, run.Trades, run.Message,
		run.CreatedAt.UnixMilli(), run.UpdatedAt.UnixMilli(), completed)
	return err
}

// SaveResult 把绩效 JSON、成交明细和净值曲线一并落库。
func (s *RunStore) SaveResult(runID string, result *Result) error {
	stats, err := MarshalStats(result.Metrics)
	if err != nil {
		return fmt.Errorf("序列化绩效失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE runs SET stats_json = ? WHERE id = ?`, string(stats), runID); err != nil {
		return err
	}
	for _, tr := range result.Trades {
		if _, err := tx.Exec(`INSERT INTO run_trades
			(run_id, symbol, entry_time, exit_time, entry_price, exit_price,
			 quantity, pnl, ret, holding_days, reason)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			runID, tr.Symbol, tr.EntryTime, tr.ExitTime, tr.EntryPrice, tr.ExitPrice,
			tr.Quantity, tr.PnL, tr.Return, tr.HoldingDays, tr.Reason); err != nil {
			return err
		}
	}
	for _, pt := range result.EquityCurve {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO run_equity (run_id, ts, value) VALUES (?,?,?)`,
			runID, pt.Time, pt.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunSummary 是列表页用的轻量视图，部分字段从 stats_json 里摘取。
type RunSummary struct {
	Run
	Sortino  float64 `json:"sortino"`
	HitRate  float64 `json:"hit_rate"`
	Calmar   float64 `json:"calmar"`
	HasStats bool    `json:"has_stats"`
}

// ListRuns 按创建时间倒序列出任务。strategy 为空时不过滤。
func (s *RunStore) ListRuns(strategyName string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT id, strategy, status, start_ts, end_ts, frequency,
		initial_equity, final_equity, total_return, max_drawdown, sharpe, trades,
		COALESCE(stats_json, ''), COALESCE(message, ''), created_at, updated_at,
		COALESCE(completed_at, 0)
		FROM runs`
	args := []any{}
	if strategyName != "" {
		query += ` WHERE strategy = ?`
		args = append(args, strategyName)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var sum RunSummary
		var statsJSON string
		var createdAt, updatedAt, completedAt int64
		if err := rows.Scan(&sum.ID, &sum.Strategy, &sum.Status, &sum.StartTS, &sum.EndTS,
			&sum.Frequency, &sum.InitialEquity, &sum.FinalEquity, &sum.TotalReturn,
			&sum.MaxDrawdown, &sum.Sharpe, &sum.Trades, &statsJSON, &sum.Message,
			&createdAt, &updatedAt, &completedAt); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.UnixMilli(createdAt)
		sum.UpdatedAt = time.UnixMilli(updatedAt)
		if completedAt > 0 {
			sum.CompletedAt = time.UnixMilli(completedAt)
		}
		if statsJSON != "" {
			sum.HasStats = true
			sum.Sortino = gjson.Get(statsJSON, "sortino").Float()
			sum.HitRate = gjson.Get(statsJSON, "hit_rate").Float()
			sum.Calmar = gjson.Get(statsJSON, "calmar").Float()
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetRun 读取单个任务及完整绩效。
func (s *RunStore) GetRun(id string) (*Run, *Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, strategy, status, start_ts, end_ts, frequency,
		initial_equity, final_equity, total_return, max_drawdown, sharpe, trades,
		COALESCE(stats_json, ''), COALESCE(message, ''), created_at, updated_at,
		COALESCE(completed_at, 0)
		FROM runs WHERE id = ?`, id)
	var run Run
	var statsJSON string
	var createdAt, updatedAt, completedAt int64
	if err := row.Scan(&run.ID, &run.Strategy, &run.Status, &run.StartTS, &run.EndTS,
		&run.Frequency, &run.InitialEquity, &run.FinalEquity, &run.TotalReturn,
		&run.MaxDrawdown, &run.Sharpe, &run.Trades, &statsJSON, &run.Message,
		&createdAt, &updatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("回测任务不存在: %s", id)
		}
		return nil, nil, err
	}
	run.CreatedAt = time.UnixMilli(createdAt)
	run.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt > 0 {
		run.CompletedAt = time.UnixMilli(completedAt)
	}
	if statsJSON == "" {
		return &run, nil, nil
	}
	var metrics Metrics
	if err := json.Unmarshal([]byte(statsJSON), &metrics); err != nil {
		return nil, nil, fmt.Errorf("解析绩效 JSON 失败: %w", err)
	}
	return &run, &metrics, nil
}

// RunTrades 返回某次任务的全部成交，按平仓时间升序。
func (s *RunStore) RunTrades(runID string) ([]TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT symbol, entry_time, exit_time, entry_price, exit_price,
		quantity, pnl, ret, holding_days, reason
		FROM run_trades WHERE run_id = ? ORDER BY exit_time ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRecord
	for rows.Next() {
		var tr TradeRecord
		if err := rows.Scan(&tr.Symbol, &tr.EntryTime, &tr.ExitTime, &tr.EntryPrice,
			&tr.ExitPrice, &tr.Quantity, &tr.PnL, &tr.Return, &tr.HoldingDays, &tr.Reason); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// RunEquity 返回某次任务的净值曲线，按时间升序。
func (s *RunStore) RunEquity(runID string) ([]EquityPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT ts, value FROM run_equity WHERE run_id = ? ORDER BY ts ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var pt EquityPoint
		if err := rows.Scan(&pt.Time, &pt.Value); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}
