package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/sapflow.report/internal/sapflow"
)

const readingColumns = `device_id, time, battery_voltage,
	uncorrected_inner, uncorrected_outer, vh_inner, vh_outer,
	corrected_inner, corrected_outer, sap_velocity_inner, sap_velocity_outer,
	outer_sapflow, inner_sapflow, rem_sapflow, total_sapflow`

// InsertReading stores r, replacing any earlier row for the same device and
// time. Network servers redeliver uplinks, so the newest computation wins.
func (db *DB) InsertReading(ctx context.Context, runID string, r sapflow.Reading) error {
	var battery sql.NullFloat64
	if r.BatteryVoltage != nil {
		battery = sql.NullFloat64{Float64: *r.BatteryVoltage, Valid: true}
	}
	var run sql.NullString
	if runID != "" {
		run = sql.NullString{String: runID, Valid: true}
	}

	_, err := db.ExecContext(ctx, db.rebind(`INSERT INTO sensor_data (run_id, `+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, time) DO UPDATE SET
			run_id = excluded.run_id,
			battery_voltage = excluded.battery_voltage,
			uncorrected_inner = excluded.uncorrected_inner,
			uncorrected_outer = excluded.uncorrected_outer,
			vh_inner = excluded.vh_inner,
			vh_outer = excluded.vh_outer,
			corrected_inner = excluded.corrected_inner,
			corrected_outer = excluded.corrected_outer,
			sap_velocity_inner = excluded.sap_velocity_inner,
			sap_velocity_outer = excluded.sap_velocity_outer,
			outer_sapflow = excluded.outer_sapflow,
			inner_sapflow = excluded.inner_sapflow,
			rem_sapflow = excluded.rem_sapflow,
			total_sapflow = excluded.total_sapflow`),
		run, r.DeviceID, formatTime(r.Time), battery,
		r.UncorrectedInner, r.UncorrectedOuter, r.VhInner, r.VhOuter,
		r.CorrectedInner, r.CorrectedOuter, r.SapVelocityInner, r.SapVelocityOuter,
		r.OuterFlow, r.InnerFlow, r.RemainderFlow, r.TotalFlow,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading for %s at %s: %w", r.DeviceID, formatTime(r.Time), err)
	}
	return nil
}

// ReadingsQuery filters Readings. Zero values do not filter.
type ReadingsQuery struct {
	DeviceID string
	From     time.Time // inclusive
	To       time.Time // exclusive
	Limit    int
}

// Readings returns stored readings in ascending time order.
func (db *DB) Readings(ctx context.Context, q ReadingsQuery) ([]sapflow.Reading, error) {
	var (
		where []string
		args  []any
	)
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.From.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "time < ?")
		args = append(args, formatTime(q.To))
	}

	query := "SELECT " + readingColumns + " FROM sensor_data"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time ASC, id ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := []sapflow.Reading{}
	for rows.Next() {
		var (
			r       sapflow.Reading
			at      string
			battery sql.NullFloat64
		)
		if err := rows.Scan(
			&r.DeviceID, &at, &battery,
			&r.UncorrectedInner, &r.UncorrectedOuter, &r.VhInner, &r.VhOuter,
			&r.CorrectedInner, &r.CorrectedOuter, &r.SapVelocityInner, &r.SapVelocityOuter,
			&r.OuterFlow, &r.InnerFlow, &r.RemainderFlow, &r.TotalFlow,
		); err != nil {
			return nil, err
		}
		if r.Time, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("bad stored time %q: %w", at, err)
		}
		if battery.Valid {
			v := battery.Float64
			r.BatteryVoltage = &v
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

// Devices returns the distinct device identifiers with stored readings.
func (db *DB) Devices(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT DISTINCT device_id FROM sensor_data ORDER BY device_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
