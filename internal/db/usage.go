package db

import (
	"context"
	"fmt"

	"github.com/banshee-data/sapflow.report/internal/usage"
)

// AllDevices keys usage buckets aggregated across every device.
const AllDevices = ""

// Period selects the hourly or daily usage table.
type Period string

const (
	Hourly Period = "hourly"
	Daily  Period = "daily"
)

func (p Period) table() (string, error) {
	switch p {
	case Hourly:
		return "usage_hourly", nil
	case Daily:
		return "usage_daily", nil
	default:
		return "", fmt.Errorf("unknown usage period %q", p)
	}
}

// ParsePeriod accepts "hourly" or "daily"; empty means hourly.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "", Hourly:
		return Hourly, nil
	case Daily:
		return Daily, nil
	default:
		return "", fmt.Errorf("unknown usage period %q, expected hourly or daily", s)
	}
}

// SaveUsage replaces the stored hourly and daily buckets for deviceID with
// those in totals. Buckets not present in totals are left untouched.
func (db *DB) SaveUsage(ctx context.Context, deviceID string, totals usage.Totals) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, set := range []struct {
		period  Period
		buckets map[string]float64
	}{
		{Hourly, totals.Hourly},
		{Daily, totals.Daily},
	} {
		table, _ := set.period.table()
		stmt, err := tx.PrepareContext(ctx, db.rebind(`INSERT INTO `+table+` (device_id, bucket, total)
			VALUES (?, ?, ?)
			ON CONFLICT (device_id, bucket) DO UPDATE SET total = excluded.total`))
		if err != nil {
			return err
		}
		for bucket, total := range set.buckets {
			if _, err := stmt.ExecContext(ctx, deviceID, bucket, total); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to save %s usage %s: %w", set.period, bucket, err)
			}
		}
		stmt.Close()
	}
	return tx.Commit()
}

// Usage returns the stored buckets of period for deviceID.
func (db *DB) Usage(ctx context.Context, period Period, deviceID string) (map[string]float64, error) {
	table, err := period.table()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, db.rebind(`SELECT bucket, total FROM `+table+` WHERE device_id = ? ORDER BY bucket`), deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			bucket string
			total  float64
		)
		if err := rows.Scan(&bucket, &total); err != nil {
			return nil, err
		}
		out[bucket] = total
	}
	return out, rows.Err()
}
