package sqlfeed

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestFeed(t *testing.T, loc *time.Location) *Feed {
	t.Helper()
	f, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "feed.db"), "beam_pulses", loc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFeedQueriesExclusiveWindow(t *testing.T) {
	ctx := context.Background()
	loc := time.FixedZone("facility", 2*60*60)
	f := openTestFeed(t, loc)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, loc)
	pulses := []struct {
		ch    string
		off   time.Duration
		value float64
	}{
		{"SEC1", 0, 50},                 // on the lower bound: excluded
		{"SEC1", 10 * time.Minute, 30},  // first
		{"SEC1", 20 * time.Minute, -5},  // negative: ignored
		{"SEC1", 30 * time.Minute, 0},   // zero: ignored
		{"SEC1", 50 * time.Minute, 70},  // last
		{"SEC1", 60 * time.Minute, 99},  // on the upper bound: excluded
		{"SEC2", 15 * time.Minute, 500}, // other channel
	}
	for _, p := range pulses {
		if err := f.Record(ctx, p.ch, base.Add(p.off), p.value); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	from, to := base, base.Add(time.Hour)

	sum, err := f.SumCharge(ctx, "SEC1", from, to)
	if err != nil || sum != 100 {
		t.Fatalf("expected sum 100, got %v err=%v", sum, err)
	}
	first, err := f.FirstPulse(ctx, "SEC1", from, to)
	if err != nil || first == nil || !first.Equal(base.Add(10*time.Minute)) {
		t.Fatalf("unexpected first pulse %v err=%v", first, err)
	}
	if first.Location() != loc {
		t.Fatalf("expected facility location, got %v", first.Location())
	}
	last, err := f.LastPulse(ctx, "SEC1", from, to)
	if err != nil || last == nil || !last.Equal(base.Add(50*time.Minute)) {
		t.Fatalf("unexpected last pulse %v err=%v", last, err)
	}

	// UTC inputs address the same instants.
	sum, err = f.SumCharge(ctx, "SEC1", from.UTC(), to.UTC())
	if err != nil || sum != 100 {
		t.Fatalf("expected UTC bounds to match, got %v err=%v", sum, err)
	}
}

func TestFeedEmptyWindow(t *testing.T) {
	ctx := context.Background()
	f := openTestFeed(t, nil)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sum, err := f.SumCharge(ctx, "SEC1", from, from.Add(time.Hour))
	if err != nil || sum != 0 {
		t.Fatalf("expected zero sum, got %v err=%v", sum, err)
	}
	first, err := f.FirstPulse(ctx, "SEC1", from, from.Add(time.Hour))
	if err != nil || first != nil {
		t.Fatalf("expected nil first pulse, got %v err=%v", first, err)
	}
}

func TestFeedConstructionErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, "oracle", "x", "beam_pulses", nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	_, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "f.db"), "pulses; DROP TABLE x", nil)
	if err == nil || !strings.Contains(err.Error(), "invalid feed table name") {
		t.Fatalf("expected table name error, got %v", err)
	}
}

func TestFeedQueryErrorsAfterClose(t *testing.T) {
	ctx := context.Background()
	f := openTestFeed(t, time.UTC)
	_ = f.Close()
	now := time.Now()
	if _, err := f.SumCharge(ctx, "SEC1", now, now.Add(time.Minute)); err == nil {
		t.Fatalf("expected closed db error")
	}
	if _, err := f.LastPulse(ctx, "SEC1", now, now.Add(time.Minute)); err == nil || !strings.Contains(err.Error(), "pulse max") {
		t.Fatalf("expected pulse max error, got %v", err)
	}
	if err := f.Record(ctx, "SEC1", now, 1); err == nil {
		t.Fatalf("expected record error")
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	f, err := New(nil, "postgres", "beam_pulses", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	q := f.query("MIN(ts)")
	if !strings.Contains(q, "channel = $1 AND ts > $2 AND ts < $3") {
		t.Fatalf("unexpected postgres query %s", q)
	}
}
