package latency

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var csvHeader = []string{
	"name", "count", "min_ns", "max_ns",
	"avg_ns", "avg_us", "avg_ms",
	"p50_ns", "p90_ns", "p99_ns",
}

// ExportCSV writes one row per tracker to w: name, count, min_ns, max_ns,
// avg_ns/us/ms, p50_ns/p90_ns/p99_ns. Percentile columns are "N/A" for
// trackers with sample storage disabled.
func (r *Registry) ExportCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, s := range r.All() {
		row := []string{
			s.Name,
			strconv.FormatInt(s.Count, 10),
			strconv.FormatInt(s.Min.Nanoseconds(), 10),
			strconv.FormatInt(s.Max.Nanoseconds(), 10),
			formatAvg(s, 1),
			formatAvg(s, 1e3),
			formatAvg(s, 1e6),
			percentileCell(s.StoreSamples, s.P50),
			percentileCell(s.StoreSamples, s.P90),
			percentileCell(s.StoreSamples, s.P99),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatAvg(s Stats, divisor float64) string {
	if s.Count == 0 {
		return "0"
	}
	avgNs := float64(s.Sum.Nanoseconds()) / float64(s.Count)
	return strconv.FormatFloat(avgNs/divisor, 'f', 3, 64)
}

func percentileCell(storeSamples bool, d time.Duration) string {
	if !storeSamples {
		return "N/A"
	}
	return strconv.FormatInt(d.Nanoseconds(), 10)
}

// ExportCSVFile writes the CSV export to path using a write-to-temp-file-
// then-rename sequence, so a reader never observes a partially written
// export — the atomic-replace idiom used elsewhere in this codebase for
// crash-safe disk writes.
func (r *Registry) ExportCSVFile(path string) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp export file: %w", err)
	}

	if err := r.ExportCSV(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write csv export: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp export file: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(dir, filepath.Base(path))); err != nil {
		return fmt.Errorf("rename export file: %w", err)
	}
	return nil
}
