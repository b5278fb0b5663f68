// Package usage accumulates computed sap flow readings into hourly and
// daily water use.
//
// Each reading is an instantaneous rate in kg/h. Its contribution to a
// bucket is TotalFlow divided by the number of samples per hour, so a
// sensor reporting every 10 minutes contributes a sixth of its rate.
package usage

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sapflow.report/internal/sapflow"
)

// DefaultSamplesPerHour matches the SFM1x 10-minute reporting interval.
const DefaultSamplesPerHour = 6

// KeyLayout is the ISO-8601 layout of bucket keys (UTC, millisecond precision).
const KeyLayout = "2006-01-02T15:04:05.000Z"

// Options tune bucketing.
type Options struct {
	// SamplesPerHour divides each reading's rate. Zero means
	// DefaultSamplesPerHour unless DeriveSamplesPerHour is set.
	SamplesPerHour float64
	// DeriveSamplesPerHour estimates the divisor from the median spacing
	// between consecutive readings of the same device.
	DeriveSamplesPerHour bool
	// Location sets hour and day boundaries. Nil means UTC.
	Location *time.Location
}

// DayBounds returns the local day in loc containing t as a half-open
// interval [start, end).
func DayBounds(t time.Time, loc *time.Location) (start, end time.Time) {
	lt := t.In(loc)
	start = time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// DayStats summarises the instantaneous rates that fell in one day.
type DayStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean_kg_h"`
	Max   float64 `json:"max_kg_h"`
}

// Totals holds the buckets produced by one aggregation run.
type Totals struct {
	Hourly         map[string]float64  `json:"hourly"`
	Daily          map[string]float64  `json:"daily"`
	DayStats       map[string]DayStats `json:"day_stats"`
	SamplesPerHour float64             `json:"samples_per_hour"`
}

// HourKeys returns the hourly bucket keys in chronological order.
func (t Totals) HourKeys() []string { return sortedKeys(t.Hourly) }

// DayKeys returns the daily bucket keys in chronological order.
func (t Totals) DayKeys() []string { return sortedKeys(t.Daily) }

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortReadings returns a copy of readings ordered by time. Readings with
// equal timestamps keep their input order.
func SortReadings(readings []sapflow.Reading) []sapflow.Reading {
	sorted := slices.Clone(readings)
	slices.SortStableFunc(sorted, func(a, b sapflow.Reading) int {
		return a.Time.Compare(b.Time)
	})
	return sorted
}

// HourKey truncates t to the start of its hour in loc.
func HourKey(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)
	return start.UTC().Format(KeyLayout)
}

// DayKey truncates t to local midnight in loc.
func DayKey(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return start.UTC().Format(KeyLayout)
}

// DeriveSamplesPerHour estimates samples per hour from the median spacing
// between consecutive readings of each device. It returns false when no
// positive spacing exists. readings must be sorted by time.
func DeriveSamplesPerHour(readings []sapflow.Reading) (float64, bool) {
	last := make(map[string]time.Time)
	var gaps []float64
	for _, r := range readings {
		if prev, ok := last[r.DeviceID]; ok {
			if d := r.Time.Sub(prev).Seconds(); d > 0 {
				gaps = append(gaps, d)
			}
		}
		last[r.DeviceID] = r.Time
	}
	if len(gaps) == 0 {
		return 0, false
	}
	sort.Float64s(gaps)
	median := stat.Quantile(0.5, stat.Empirical, gaps, nil)
	return 3600 / median, true
}

func (o Options) samplesPerHour(sorted []sapflow.Reading) (float64, error) {
	if math.IsNaN(o.SamplesPerHour) || o.SamplesPerHour < 0 || math.IsInf(o.SamplesPerHour, 0) {
		return 0, fmt.Errorf("samples per hour must be a positive number, got %v", o.SamplesPerHour)
	}
	if o.SamplesPerHour > 0 {
		return o.SamplesPerHour, nil
	}
	if o.DeriveSamplesPerHour {
		if n, ok := DeriveSamplesPerHour(sorted); ok {
			return n, nil
		}
	}
	return DefaultSamplesPerHour, nil
}

// Aggregate sorts readings by time and accumulates each reading's
// TotalFlow/SamplesPerHour into its hour and day bucket. The input slice is
// not modified. An empty input yields empty, non-nil maps.
func Aggregate(readings []sapflow.Reading, opts Options) (Totals, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	sorted := SortReadings(readings)
	perHour, err := opts.samplesPerHour(sorted)
	if err != nil {
		return Totals{}, err
	}

	totals := Totals{
		Hourly:         make(map[string]float64),
		Daily:          make(map[string]float64),
		DayStats:       make(map[string]DayStats),
		SamplesPerHour: perHour,
	}

	rates := make(map[string][]float64)
	for _, r := range sorted {
		contribution := r.TotalFlow / perHour
		totals.Hourly[HourKey(r.Time, loc)] += contribution

		day := DayKey(r.Time, loc)
		totals.Daily[day] += contribution
		rates[day] = append(rates[day], r.TotalFlow)
	}

	for day, xs := range rates {
		totals.DayStats[day] = DayStats{
			Count: len(xs),
			Mean:  stat.Mean(xs, nil),
			Max:   floats.Max(xs),
		}
	}

	return totals, nil
}

// AggregateByDevice runs Aggregate separately for each device.
func AggregateByDevice(readings []sapflow.Reading, opts Options) (map[string]Totals, error) {
	byDevice := make(map[string][]sapflow.Reading)
	for _, r := range readings {
		byDevice[r.DeviceID] = append(byDevice[r.DeviceID], r)
	}

	devices := make([]string, 0, len(byDevice))
	for d := range byDevice {
		devices = append(devices, d)
	}
	slices.SortFunc(devices, cmp.Compare[string])

	out := make(map[string]Totals, len(byDevice))
	for _, d := range devices {
		t, err := Aggregate(byDevice[d], opts)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d, err)
		}
		out[d] = t
	}
	return out, nil
}
