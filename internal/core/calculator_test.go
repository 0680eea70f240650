package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"fluencecore/pkg/domain"
)

func TestCalculatorQueriesInFacilityTime(t *testing.T) {
	zurich := mustLocation(t, "Europe/Zurich")
	first := time.Date(2024, time.March, 1, 9, 30, 0, 0, zurich)
	last := time.Date(2024, time.March, 1, 9, 45, 0, 0, zurich)
	feed := &recordingFeed{sum: 12, first: &first, last: &last}
	calc := NewCalculator(feed, zurich, nil, nil, nil)

	rec := domain.Irradiation{DateIn: timePtr(t0), DateOut: timePtr(t0.Add(time.Hour))}
	d := calc.Compute(context.Background(), rec, nil, domain.FluenceFactor{Value: 3}, t0.Add(2*time.Hour), true)

	if len(feed.bounds) != 3 {
		t.Fatalf("expected 3 feed queries, got %d", len(feed.bounds))
	}
	for _, b := range feed.bounds {
		if b[0].Location() != zurich || b[1].Location() != zurich {
			t.Fatalf("expected facility-local bounds, got %s / %s", b[0].Location(), b[1].Location())
		}
		if !b[0].Equal(t0) || !b[1].Equal(t0.Add(time.Hour)) {
			t.Fatalf("unexpected bounds %v", b)
		}
	}
	if d.Sec != 12 {
		t.Fatalf("expected sec 12, got %v", d.Sec)
	}
	assertFloat(t, "estimated", d.EstimatedFluence, 36)
	if d.FluenceFactorID != nil {
		t.Fatalf("expected no factor id for an unsaved factor")
	}
	assertTime(t, "first", d.DateFirstSec, first)
	assertTime(t, "last", d.DateLastSec, last)
}

func TestCalculatorCarriesImmediateParentOnly(t *testing.T) {
	feed := &recordingFeed{sum: 5}
	calc := NewCalculator(feed, nil, nil, nil, nil)
	parent := domain.Irradiation{Base: domain.Base{ID: "p"}, PreviousID: strPtr("gp"), Sec: 40}
	rec := domain.Irradiation{DateIn: timePtr(t0)}

	d := calc.Compute(context.Background(), rec, &parent, domain.FluenceFactor{Base: domain.Base{ID: "f"}, Value: 1}, t0.Add(time.Hour), false)
	if d.Sec != 45 {
		t.Fatalf("expected sec 45, got %v", d.Sec)
	}
	if d.Status != domain.StatusOngoing {
		t.Fatalf("expected ongoing, got %s", d.Status)
	}
	if d.FluenceFactorID == nil || *d.FluenceFactorID != "f" {
		t.Fatalf("expected factor id f, got %v", d.FluenceFactorID)
	}
	if !feed.bounds[0][1].Equal(t0.Add(time.Hour)) {
		t.Fatalf("expected open window to end at now, got %v", feed.bounds[0][1])
	}

	d = calc.Compute(context.Background(), rec, nil, domain.FluenceFactor{Value: 1}, t0.Add(time.Hour), false)
	if d.Sec != 5 {
		t.Fatalf("expected unlinked sec 5, got %v", d.Sec)
	}
}

func TestCalculatorClampsNegativeTotals(t *testing.T) {
	calc := NewCalculator(&recordingFeed{}, nil, nil, nil, nil)
	parent := domain.Irradiation{Sec: -50}
	d := calc.Compute(context.Background(), domain.Irradiation{DateIn: timePtr(t0)}, &parent, domain.FluenceFactor{Value: 2}, t0.Add(time.Minute), false)
	if d.Sec != 0 {
		t.Fatalf("expected clamped sec 0, got %v", d.Sec)
	}
	assertFloat(t, "estimated", d.EstimatedFluence, 0)
}

func TestCalculatorUnstartedClearsGroup(t *testing.T) {
	feed := &recordingFeed{sum: 99}
	calc := NewCalculator(feed, nil, nil, nil, nil)
	rec := domain.Irradiation{Sec: 7, DateFirstSec: timePtr(t0), EstimatedFluence: floatPtr(3)}
	d := calc.Compute(context.Background(), rec, nil, domain.FluenceFactor{Value: 2}, t0, true)
	if d.Status != domain.StatusUnstarted || d.Sec != 0 || d.EstimatedFluence != nil || d.DateFirstSec != nil {
		t.Fatalf("expected empty group, got %+v", d)
	}
	if len(feed.bounds) != 0 {
		t.Fatalf("expected no feed queries for an unstarted record")
	}
}

func TestCalculatorDegradesWithoutFeed(t *testing.T) {
	var queries []string
	logger := &captureLogger{}
	calc := NewCalculator(nil, nil, nil, logger, func(_ context.Context, q string) { queries = append(queries, q) })
	rec := domain.Irradiation{DateIn: timePtr(t0), DateOut: timePtr(t0.Add(time.Hour))}
	d := calc.Compute(context.Background(), rec, nil, domain.FluenceFactor{Value: 1}, t0.Add(time.Hour), true)
	if d.Sec != 0 || d.DateFirstSec != nil || d.DateLastSec != nil {
		t.Fatalf("expected fallback values, got %+v", d)
	}
	if len(queries) != 3 || queries[0] != "sum_charge" || queries[1] != "first_pulse" || queries[2] != "last_pulse" {
		t.Fatalf("unexpected degraded queries %v", queries)
	}
	if logger.count("warn", "beam feed unavailable, using fallback") != 3 {
		t.Fatalf("expected a warning per query")
	}
}

func TestCalculatorDegradesOnFeedError(t *testing.T) {
	feed := &recordingFeed{sum: 10, err: errors.New("timeout")}
	calls := 0
	calc := NewCalculator(feed, nil, nil, nil, func(context.Context, string) { calls++ })
	rec := domain.Irradiation{DateIn: timePtr(t0), DateOut: timePtr(t0.Add(time.Hour))}
	d := calc.Compute(context.Background(), rec, nil, domain.FluenceFactor{Value: 1}, t0.Add(time.Hour), false)
	if d.Sec != 0 || calls != 1 {
		t.Fatalf("expected one degraded sum query, got sec=%v calls=%d", d.Sec, calls)
	}
}

func TestCalculatorUsesChannelResolver(t *testing.T) {
	var seen []string
	feed := channelFeed(func(channel string) { seen = append(seen, channel) })
	calc := NewCalculator(feed, nil, func(table string) string { return "CH-" + table }, nil, nil)
	rec := domain.Irradiation{Table: "T9", DateIn: timePtr(t0), DateOut: timePtr(t0.Add(time.Hour))}
	calc.Compute(context.Background(), rec, nil, domain.FluenceFactor{Value: 1}, t0.Add(time.Hour), true)
	if len(seen) != 3 {
		t.Fatalf("expected 3 queries, got %d", len(seen))
	}
	for _, ch := range seen {
		if ch != "CH-T9" {
			t.Fatalf("expected channel CH-T9, got %s", ch)
		}
	}
}

type channelFeed func(channel string)

func (f channelFeed) SumCharge(_ context.Context, channel string, _, _ time.Time) (float64, error) {
	f(channel)
	return 0, nil
}

func (f channelFeed) FirstPulse(_ context.Context, channel string, _, _ time.Time) (*time.Time, error) {
	f(channel)
	return nil, nil
}

func (f channelFeed) LastPulse(_ context.Context, channel string, _, _ time.Time) (*time.Time, error) {
	f(channel)
	return nil, nil
}
