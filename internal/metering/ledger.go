package metering

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger stores every usage record in a SQLite database
type Ledger struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
}

// OpenLedger creates or opens the ledger at path and migrates its schema
func OpenLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// Writes are serialized through one connection
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if err := migrate(conn, logger); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}

	return &Ledger{conn: conn, path: path, logger: logger}, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.conn.Close()
}

func (l *Ledger) Record(ctx context.Context, u Usage) error {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.conn.ExecContext(ctx,
		`INSERT INTO usage (model, stage, prompt_tokens, completion_tokens, total_tokens, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Model, u.Stage, u.PromptTokens, u.CompletionTokens, u.TotalTokens, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// Totals returns tokens and call counts per model, ordered by model
func (l *Ledger) Totals(ctx context.Context) ([]ModelTotal, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT model, SUM(total_tokens), COUNT(*) FROM usage GROUP BY model ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("querying totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var totals []ModelTotal
	for rows.Next() {
		var t ModelTotal
		if err := rows.Scan(&t.Model, &t.Tokens, &t.Calls); err != nil {
			return nil, fmt.Errorf("scanning totals: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// StageTotal is the token usage of one model within one stage
type StageTotal struct {
	Stage  string
	Model  string
	Tokens int
}

// StageTotals breaks usage down by stage and model
func (l *Ledger) StageTotals(ctx context.Context) ([]StageTotal, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT stage, model, SUM(total_tokens) FROM usage GROUP BY stage, model ORDER BY stage, model`)
	if err != nil {
		return nil, fmt.Errorf("querying stage totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var totals []StageTotal
	for rows.Next() {
		var t StageTotal
		if err := rows.Scan(&t.Stage, &t.Model, &t.Tokens); err != nil {
			return nil, fmt.Errorf("scanning stage totals: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
