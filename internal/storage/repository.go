package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const attemptColumns = `id, timestamp, test_id, test_name, attempt, error_type, error_message, error_signature,
	outcome, reason, model, confidence, parse_status, root_cause, suggested_fix,
	report_path, healed_path, screenshot_path, duration_ms`

// History is the sqlite-backed healing history.
type History struct {
	db *sql.DB
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

func (h *History) DB() *sql.DB {
	return h.db
}

func (h *History) Close() error {
	return h.db.Close()
}

// SaveAttempt stores a. Missing ID, timestamp and signature are filled in.
func (h *History) SaveAttempt(ctx context.Context, a Attempt) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.ErrorSignature == "" {
		a.ErrorSignature = GenerateErrorSignature(a.TestID, a.ErrorType, a.ErrorMessage)
	}

	query := `INSERT OR REPLACE INTO healing_attempts (` + attemptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := h.db.ExecContext(ctx, query,
		a.ID,
		a.Timestamp.UnixMilli(),
		a.TestID,
		a.TestName,
		a.Attempt,
		a.ErrorType,
		a.ErrorMessage,
		a.ErrorSignature,
		string(a.Outcome),
		a.Reason,
		a.Model,
		a.Confidence,
		a.ParseStatus,
		a.RootCause,
		a.SuggestedFix,
		a.ReportPath,
		a.HealedPath,
		a.ScreenshotPath,
		a.Duration.Milliseconds(),
	)
	if err != nil {
		return "", fmt.Errorf("save attempt: %w", err)
	}
	return a.ID, nil
}

// GetAttempt returns nil without error when id is unknown.
func (h *History) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := h.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM healing_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Attempts lists history newest first.
func (h *History) Attempts(ctx context.Context, f Filter) ([]Attempt, error) {
	var where []string
	var args []any
	if f.TestID != "" {
		where = append(where, "test_id = ?")
		args = append(args, f.TestID)
	}
	if f.Signature != "" {
		where = append(where, "error_signature = ?")
		args = append(args, f.Signature)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	query := `SELECT ` + attemptColumns + ` FROM healing_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *a)
	}
	return results, rows.Err()
}

func (h *History) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByOutcome: make(map[Outcome]int)}

	rows, err := h.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM healing_attempts GROUP BY outcome`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return stats, err
		}
		stats.ByOutcome[Outcome(outcome)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var avg sql.NullFloat64
	err = h.db.QueryRowContext(ctx,
		`SELECT AVG(confidence), COUNT(NULLIF(healed_path, '')) FROM healing_attempts WHERE outcome = ?`,
		string(OutcomeHealed),
	).Scan(&avg, &stats.WithFix)
	if err != nil {
		return stats, err
	}
	stats.AvgConfidence = avg.Float64
	return stats, nil
}

// Prune deletes attempts older than before and reports how many went.
func (h *History) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM healing_attempts WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	var a Attempt
	var ts, durationMs int64
	var outcome string
	var errorType, errorMessage, reason, model, parseStatus, rootCause, fix sql.NullString
	var reportPath, healedPath, screenshotPath sql.NullString
	var confidence sql.NullFloat64

	err := s.Scan(&a.ID, &ts, &a.TestID, &a.TestName, &a.Attempt, &errorType, &errorMessage, &a.ErrorSignature,
		&outcome, &reason, &model, &confidence, &parseStatus, &rootCause, &fix,
		&reportPath, &healedPath, &screenshotPath, &durationMs)
	if err != nil {
		return nil, err
	}

	a.Timestamp = time.UnixMilli(ts)
	a.Outcome = Outcome(outcome)
	a.ErrorType = errorType.String
	a.ErrorMessage = errorMessage.String
	a.Reason = reason.String
	a.Model = model.String
	a.Confidence = confidence.Float64
	a.ParseStatus = parseStatus.String
	a.RootCause = rootCause.String
	a.SuggestedFix = fix.String
	a.ReportPath = reportPath.String
	a.HealedPath = healedPath.String
	a.ScreenshotPath = screenshotPath.String
	a.Duration = time.Duration(durationMs) * time.Millisecond
	return &a, nil
}
