package db

import (
	"context"
	"fmt"
	"time"
)

// Run records one batch processing pass.
type Run struct {
	ID             string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Messages       int       `json:"messages"`
	Readings       int       `json:"readings"`
	Failures       int       `json:"failures"`
	SamplesPerHour float64   `json:"samples_per_hour"`
}

// RecordRun stores run.
func (db *DB) RecordRun(ctx context.Context, run Run) error {
	_, err := db.ExecContext(ctx, db.rebind(`INSERT INTO runs
		(run_id, started_at, finished_at, messages, readings, failures, samples_per_hour)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Messages, run.Readings, run.Failures, run.SamplesPerHour,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT run_id, started_at, finished_at, messages, readings, failures, samples_per_hour
		FROM runs ORDER BY started_at DESC LIMIT %d`, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r               Run
			started, finish string
		)
		if err := rows.Scan(&r.ID, &started, &finish, &r.Messages, &r.Readings, &r.Failures, &r.SamplesPerHour); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finish); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
