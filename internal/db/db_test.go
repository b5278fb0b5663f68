package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sapflow.report/internal/monitoring"
	"github.com/banshee-data/sapflow.report/internal/sapflow"
	"github.com/banshee-data/sapflow.report/internal/usage"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	monitoring.SetLogger(nil)
	database, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.EnsureSchema())
	return database
}

func testReading(device string, at time.Time, total float64) sapflow.Reading {
	battery := 3.89
	return sapflow.Reading{
		DeviceID:         device,
		Time:             at,
		BatteryVoltage:   &battery,
		UncorrectedInner: 6.789,
		UncorrectedOuter: 12.345,
		VhInner:          6.789,
		VhOuter:          12.345,
		CorrectedInner:   11.73,
		CorrectedOuter:   21.33,
		SapVelocityInner: 7.55,
		SapVelocityOuter: 13.73,
		OuterFlow:        total / 2,
		InnerFlow:        total / 4,
		RemainderFlow:    total / 4,
		TotalFlow:        total,
	}
}

func TestPragmasApplied(t *testing.T) {
	database := newTestDB(t)

	var journalMode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, database.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Open(Config{Driver: "pgx"})
	assert.ErrorContains(t, err, "requires a DSN")
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	pg := &DB{driver: DriverPostgres}
	q := "SELECT * FROM sensor_data WHERE device_id = ? AND time >= ?"

	assert.Equal(t, q, sqlite.rebind(q))
	assert.Equal(t, "SELECT * FROM sensor_data WHERE device_id = $1 AND time >= $2", pg.rebind(q))
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db.local:5432/sapflow", redactDSN("postgres://user:pw@db.local:5432/sapflow"))
	assert.Equal(t, "host=db.local", redactDSN("host=db.local"))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(postgresSchema)
	assert.Len(t, stmts, 5)
	for _, s := range stmts {
		assert.Contains(t, s, "CREATE")
	}
}

func TestInsertAndQueryReadings(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 123_456_789, time.UTC)

	want := []sapflow.Reading{
		testReading("sfm-1", t0, 6),
		testReading("sfm-1", t0.Add(10*time.Minute), 12),
		testReading("sfm-2", t0.Add(5*time.Minute), 3),
	}
	// Insert out of order; Readings returns time order.
	for _, i := range []int{1, 0, 2} {
		require.NoError(t, database.InsertReading(ctx, "run-1", want[i]))
	}

	got, err := database.Readings(ctx, ReadingsQuery{})
	require.NoError(t, err)
	if diff := cmp.Diff([]sapflow.Reading{want[0], want[2], want[1]}, got); diff != "" {
		t.Errorf("readings mismatch (-want +got):\n%s", diff)
	}

	got, err = database.Readings(ctx, ReadingsQuery{DeviceID: "sfm-1", From: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 12.0, got[0].TotalFlow)

	got, err = database.Readings(ctx, ReadingsQuery{To: t0.Add(5 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sfm-1", got[0].DeviceID)

	got, err = database.Readings(ctx, ReadingsQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	devices, err := database.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sfm-1", "sfm-2"}, devices)
}

func TestInsertReadingReplacesDuplicate(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, database.InsertReading(ctx, "run-1", testReading("sfm-1", t0, 6)))
	r := testReading("sfm-1", t0, 9)
	r.BatteryVoltage = nil
	require.NoError(t, database.InsertReading(ctx, "", r))

	got, err := database.Readings(ctx, ReadingsQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 9.0, got[0].TotalFlow)
	assert.Nil(t, got[0].BatteryVoltage)
}

func TestSaveAndLoadUsage(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	totals := usage.Totals{
		Hourly: map[string]float64{
			"2024-03-01T00:00:00.000Z": 3,
			"2024-03-01T01:00:00.000Z": 1.5,
		},
		Daily: map[string]float64{"2024-03-01T00:00:00.000Z": 4.5},
	}
	require.NoError(t, database.SaveUsage(ctx, AllDevices, totals))

	hourly, err := database.Usage(ctx, Hourly, AllDevices)
	require.NoError(t, err)
	assert.Equal(t, totals.Hourly, hourly)

	// A later run replaces overlapping buckets and keeps the rest.
	require.NoError(t, database.SaveUsage(ctx, AllDevices, usage.Totals{
		Hourly: map[string]float64{"2024-03-01T01:00:00.000Z": 2},
	}))
	hourly, err = database.Usage(ctx, Hourly, AllDevices)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"2024-03-01T00:00:00.000Z": 3,
		"2024-03-01T01:00:00.000Z": 2,
	}, hourly)

	daily, err := database.Usage(ctx, Daily, AllDevices)
	require.NoError(t, err)
	assert.Equal(t, totals.Daily, daily)

	other, err := database.Usage(ctx, Daily, "sfm-9")
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = database.Usage(ctx, Period("weekly"), AllDevices)
	assert.Error(t, err)
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, Hourly, p)

	p, err = ParsePeriod("daily")
	require.NoError(t, err)
	assert.Equal(t, Daily, p)

	_, err = ParsePeriod("weekly")
	assert.Error(t, err)
}

func TestRecordRun(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	older := Run{ID: "a", StartedAt: start, FinishedAt: start.Add(time.Second), Messages: 3, Readings: 2, Failures: 1, SamplesPerHour: 6}
	newer := Run{ID: "b", StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour + time.Second), Messages: 1, Readings: 1, SamplesPerHour: 4}
	require.NoError(t, database.RecordRun(ctx, older))
	require.NoError(t, database.RecordRun(ctx, newer))

	runs, err := database.Runs(ctx, 0)
	require.NoError(t, err)
	if diff := cmp.Diff([]Run{newer, older}, runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}

	assert.Error(t, database.RecordRun(ctx, older), "duplicate run id")
}

func TestTableCounts(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.InsertReading(ctx, "", testReading("sfm-1", time.Now(), 1)))

	counts, err := database.TableCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"sensor_data": 1, "usage_hourly": 0, "usage_daily": 0, "runs": 0}, counts)
}
