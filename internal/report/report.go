// Package report writes aggregated sap flow usage to files: the hourly and
// daily bucket maps, optionally compressed, and a PNG plot of hourly usage.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/sapflow.report/internal/monitoring"
	"github.com/banshee-data/sapflow.report/internal/security"
	"github.com/banshee-data/sapflow.report/internal/usage"
)

// Base names of the usage files, before format and compression suffixes.
const (
	HourlyName = "hourly_usage"
	DailyName  = "daily_usage"
	PlotName   = "hourly_usage.png"
)

// Writer emits usage files into Dir.
type Writer struct {
	Dir         string
	Format      Format
	Compression Compression
	// Plot also renders PlotName next to the usage files.
	Plot bool
}

// FileName returns the on-disk name for a usage file base name.
func (w Writer) FileName(base string) string {
	format := w.Format
	if format == "" {
		format = FormatJSON
	}
	return base + "." + string(format) + w.Compression.Extension()
}

// WriteUsage writes hourly_usage and daily_usage for the combined totals
// and returns the paths written.
func (w Writer) WriteUsage(totals usage.Totals) ([]string, error) {
	return w.write("", totals)
}

// WriteDeviceUsage writes one pair of usage files per device, each
// prefixed with the sanitised device identifier.
func (w Writer) WriteDeviceUsage(byDevice map[string]usage.Totals) ([]string, error) {
	devices := make([]string, 0, len(byDevice))
	for id := range byDevice {
		devices = append(devices, id)
	}
	sort.Strings(devices)

	var paths []string
	for _, id := range devices {
		written, err := w.write(security.SanitizeFilename(id)+"_", byDevice[id])
		if err != nil {
			return paths, fmt.Errorf("device %s: %w", id, err)
		}
		paths = append(paths, written...)
	}
	return paths, nil
}

func (w Writer) write(prefix string, totals usage.Totals) ([]string, error) {
	dir := w.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	files := []struct {
		base    string
		buckets map[string]float64
	}{
		{prefix + HourlyName, totals.Hourly},
		{prefix + DailyName, totals.Daily},
	}

	var paths []string
	for _, f := range files {
		buckets := f.buckets
		if buckets == nil {
			buckets = map[string]float64{}
		}
		path := filepath.Join(dir, w.FileName(f.base))
		if err := w.writeFile(dir, path, buckets); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	if w.Plot {
		path := filepath.Join(dir, prefix+PlotName)
		if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
			return paths, err
		}
		if err := PlotHourly(path, totals); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	monitoring.Logf("report: wrote %d files to %s", len(paths), dir)
	return paths, nil
}

func (w Writer) writeFile(dir, path string, v any) error {
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return err
	}
	data, err := Encode(w.Format, v)
	if err != nil {
		return err
	}
	data, err = Compress(w.Compression, data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadUsageFile loads a bucket map written by Writer, inferring format and
// compression from the file name.
func ReadUsageFile(path string) (map[string]float64, error) {
	name := filepath.Base(path)
	compression := CompressNone
	switch {
	case strings.HasSuffix(name, CompressGzip.Extension()):
		compression = CompressGzip
		name = strings.TrimSuffix(name, CompressGzip.Extension())
	case strings.HasSuffix(name, CompressZstd.Extension()):
		compression = CompressZstd
		name = strings.TrimSuffix(name, CompressZstd.Extension())
	}
	format, err := ParseFormat(strings.TrimPrefix(filepath.Ext(name), "."))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data, err = Decompress(compression, data)
	if err != nil {
		return nil, err
	}
	buckets := map[string]float64{}
	if err := Decode(format, data, &buckets); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return buckets, nil
}
