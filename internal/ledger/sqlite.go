package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// 定长时间格式，保证按字符串排序即按时间排序
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite 基于 modernc sqlite 的只追加账本
type SQLite struct {
	db *sql.DB
}

// OpenSQLite 打开（或创建）数据库并建表
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("ledger: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir ledger dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS round_outcomes (
  round_id INTEGER PRIMARY KEY,
  crash_multiplier REAL NOT NULL,
  duration_ms INTEGER NOT NULL,
  ts TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS execution_records (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  round_id INTEGER NOT NULL,
  stake REAL NOT NULL,
  target_multiplier REAL NOT NULL,
  exit_mode TEXT NOT NULL,
  entry_result TEXT NOT NULL,
  exit_result TEXT NOT NULL,
  exit_strategy TEXT,
  realized_multiplier REAL NOT NULL,
  max_observed REAL NOT NULL,
  pnl REAL NOT NULL,
  status TEXT NOT NULL,
  reason TEXT,
  needs_reconcile INTEGER NOT NULL DEFAULT 0,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_started ON execution_records(started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_session ON execution_records(session_id, round_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate: %s", firstLine(stmt))
		}
	}
	return nil
}

func (s *SQLite) AppendOutcome(ctx context.Context, o domain.RoundOutcome) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO round_outcomes (round_id, crash_multiplier, duration_ms, ts)
VALUES (?, ?, ?, ?)`,
		o.RoundID, o.CrashMultiplier, o.Duration.Milliseconds(), o.Timestamp.UTC().Format(tsLayout))
	return errors.Wrapf(err, "append outcome round_id=%d", o.RoundID)
}

func (s *SQLite) AppendRecord(ctx context.Context, r domain.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_records (
  id, session_id, round_id, stake, target_multiplier, exit_mode, entry_result, exit_result,
  exit_strategy, realized_multiplier, max_observed, pnl, status, reason, needs_reconcile,
  started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.RoundID, r.Stake, r.TargetMultiplier, string(r.ExitMode), r.EntryResult, r.ExitResult,
		string(r.ExitStrategy), r.RealizedMultiplier, r.MaxObserved, r.PnL, string(r.Status), r.Reason, boolToInt(r.NeedsReconcile),
		r.StartedAt.UTC().Format(tsLayout), r.FinishedAt.UTC().Format(tsLayout))
	return errors.Wrapf(err, "append record round_id=%d", r.RoundID)
}

// RecentRecords 最近的执行记录，从新到旧
func (s *SQLite) RecentRecords(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, round_id, stake, target_multiplier, exit_mode, entry_result, exit_result,
       COALESCE(exit_strategy, ''), realized_multiplier, max_observed, pnl, status, COALESCE(reason, ''),
       needs_reconcile, started_at, finished_at
FROM execution_records
ORDER BY started_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query records")
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var (
			r                 domain.ExecutionRecord
			mode, strat, stat string
			reconcile         int
			startedAt, finAt  string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RoundID, &r.Stake, &r.TargetMultiplier, &mode, &r.EntryResult, &r.ExitResult,
			&strat, &r.RealizedMultiplier, &r.MaxObserved, &r.PnL, &stat, &r.Reason,
			&reconcile, &startedAt, &finAt); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		r.ExitMode = domain.ExitMode(mode)
		r.ExitStrategy = domain.ExitMethod(strat)
		r.Status = domain.ExecStatus(stat)
		r.NeedsReconcile = reconcile != 0
		r.StartedAt, _ = time.Parse(tsLayout, startedAt)
		r.FinishedAt, _ = time.Parse(tsLayout, finAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingReconcile 需要对账（failed_exit）的记录
func (s *SQLite) PendingReconcile(ctx context.Context) ([]domain.ExecutionRecord, error) {
	all, err := s.RecentRecords(ctx, 1000)
	if err != nil {
		return nil, err
	}
	var out []domain.ExecutionRecord
	for _, r := range all {
		if r.NeedsReconcile {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstLine(stmt string) string {
	for i, c := range stmt {
		if c == '\n' && i > 0 {
			return stmt[:i]
		}
	}
	return stmt
}
