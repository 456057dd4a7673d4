package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	session_id     TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	customer_id    TEXT NOT NULL,
	action         TEXT NOT NULL,
	risk_score     INTEGER NOT NULL,
	fallback       BOOLEAN NOT NULL DEFAULT 0,
	result         TEXT NOT NULL,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_customer ON analyses(customer_id);
CREATE INDEX IF NOT EXISTS idx_analyses_action ON analyses(action);
CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveAnalysis(ctx context.Context, tx model.Transaction, result *model.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses (session_id, transaction_id, customer_id, action, risk_score, fallback, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			action = excluded.action,
			risk_score = excluded.risk_score,
			fallback = excluded.fallback,
			result = excluded.result`,
		result.SessionID, result.TransactionID, tx.CustomerID, string(result.Decision.Action),
		result.RiskScore, result.FallbackDecision, string(resultJSON), createdAt(result),
	)
	return eris.Wrapf(err, "sqlite: save analysis %s", result.SessionID)
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, sessionID string) (*model.AnalysisResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM analyses WHERE session_id = ?`, sessionID,
	).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get analysis %s", sessionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get analysis %s", sessionID)
	}

	var r model.AnalysisResult
	if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &r, nil
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.AnalysisSummary, error) {
	query := `SELECT session_id, transaction_id, customer_id, action, risk_score, fallback, created_at FROM analyses WHERE 1=1`
	var args []any

	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(filter.Action))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyses")
	}
	defer rows.Close()

	var out []model.AnalysisSummary
	for rows.Next() {
		var a model.AnalysisSummary
		var action string
		if err := rows.Scan(&a.SessionID, &a.TransactionID, &a.CustomerID, &action, &a.RiskScore, &a.Fallback, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis")
		}
		a.Action = model.Action(action)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list analyses iterate")
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete analyses")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// createdAt is the archive timestamp for a result, normalized to UTC.
func createdAt(r *model.AnalysisResult) time.Time {
	if r.AnalysisTimestamp.IsZero() {
		return time.Now().UTC()
	}
	return r.AnalysisTimestamp.UTC()
}
