package latency

import (
	"strings"
	"testing"
	"time"
)

func TestGetTrackerReturnsSameInstance(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := r.GetTracker("order.place", true, 100)
	b := r.GetTracker("order.place", false, 1)

	if a != b {
		t.Fatalf("expected same tracker instance on second GetTracker call")
	}
}

func TestTrackerAggregates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tr := r.GetTracker("book.apply", true, 10)

	for _, d := range []time.Duration{5 * time.Millisecond, 1 * time.Millisecond, 9 * time.Millisecond} {
		tok := tr.Start()
		time.Sleep(d)
		tr.End(tok)
	}

	stats := tr.snapshot()
	if stats.Count != 3 {
		t.Fatalf("count = %d, want 3", stats.Count)
	}
	if stats.Min > stats.Max {
		t.Fatalf("min %v > max %v", stats.Min, stats.Max)
	}
	avg := stats.Sum / time.Duration(stats.Count)
	if avg < stats.Min || avg > stats.Max {
		t.Fatalf("avg %v out of [min,max] = [%v,%v]", avg, stats.Min, stats.Max)
	}
}

func TestPercentileEmptyReturnsZero(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tr := r.GetTracker("idle", true, 100)
	if got := tr.Percentile(0.99); got != 0 {
		t.Fatalf("Percentile on empty tracker = %v, want 0", got)
	}
}

func TestPercentileDisabledReturnsZero(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tr := r.GetTracker("no-samples", false, 0)
	tok := tr.Start()
	tr.End(tok)

	if got := tr.Percentile(0.5); got != 0 {
		t.Fatalf("Percentile with samples disabled = %v, want 0", got)
	}
}

func TestResetClearsAggregatesButKeepsRegistration(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tr := r.GetTracker("reset-me", true, 10)
	tok := tr.Start()
	tr.End(tok)

	tr.Reset()
	if stats := tr.snapshot(); stats.Count != 0 {
		t.Fatalf("count after reset = %d, want 0", stats.Count)
	}

	if r.GetTracker("reset-me", true, 10) != tr {
		t.Fatalf("tracker should remain registered under its name after reset")
	}
}

func TestExportCSVHasOneRowPerTracker(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	withSamples := r.GetTracker("with-samples", true, 10)
	withSamples.End(withSamples.Start())

	withoutSamples := r.GetTracker("without-samples", false, 0)
	withoutSamples.End(withoutSamples.Start())

	var buf strings.Builder
	if err := r.ExportCSV(&buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(buf.String(), "N/A") {
		t.Fatalf("expected N/A percentile cells for tracker with samples disabled, got:\n%s", buf.String())
	}
}
