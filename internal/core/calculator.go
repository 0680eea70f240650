package core

import (
	"context"
	"math"
	"time"

	"fluencecore/pkg/domain"
)

// Calculator derives accumulated beam charge, estimated fluence and pulse
// timestamps for a single irradiation. Feed errors never escape: the affected
// value falls back to zero or nil and the degradation is reported.
type Calculator struct {
	feed     domain.BeamChargeSource
	location *time.Location
	channels ChannelResolver
	logger   Logger
	degraded func(ctx context.Context, query string)
}

// NewCalculator builds a calculator. degraded may be nil.
func NewCalculator(feed domain.BeamChargeSource, loc *time.Location, channels ChannelResolver, logger Logger, degraded func(context.Context, string)) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	if channels == nil {
		channels = func(string) string { return DefaultChannel }
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if degraded == nil {
		degraded = func(context.Context, string) {}
	}
	return &Calculator{feed: feed, location: loc, channels: channels, logger: logger, degraded: degraded}
}

// Compute returns the derived group for rec. parent is the immediate
// predecessor (nil when unlinked or dangling). When extended is false the
// pulse timestamps already stored on rec are carried over unchanged.
func (c *Calculator) Compute(ctx context.Context, rec domain.Irradiation, parent *domain.Irradiation, factor domain.FluenceFactor, now time.Time, extended bool) domain.DerivedFields {
	out := domain.DerivedFields{
		IrradiationID: rec.ID,
		Status:        rec.DerivedStatus(),
		DateFirstSec:  rec.DateFirstSec,
		DateLastSec:   rec.DateLastSec,
	}
	if out.Status == domain.StatusUnstarted {
		out.DateFirstSec, out.DateLastSec = nil, nil
		return out
	}

	carried := 0.0
	if parent != nil {
		carried = parent.Sec
	}
	window := 0.0
	from, to, _ := rec.Window(now)
	channel := c.channels(rec.Table)
	if to.After(from) {
		window = c.sum(ctx, rec.ID, channel, from, to)
	}
	total := math.Max(carried+window, 0)

	estimated := total * factor.Value
	out.Sec = total
	out.EstimatedFluence = &estimated
	out.FactorValue = factor.Value
	if factor.ID != "" {
		id := factor.ID
		out.FluenceFactorID = &id
	}

	if extended {
		out.DateFirstSec, out.DateLastSec = nil, nil
		if to.After(from) {
			out.DateFirstSec = c.edge(ctx, rec.ID, "first_pulse", channel, from, to)
			// an open record has no last pulse yet
			if out.Status != domain.StatusOngoing {
				out.DateLastSec = c.edge(ctx, rec.ID, "last_pulse", channel, from, to)
			}
		}
	}
	return out
}

func (c *Calculator) sum(ctx context.Context, id, channel string, from, to time.Time) float64 {
	if c.feed == nil {
		c.degrade(ctx, id, "sum_charge", errFeedUnavailable)
		return 0
	}
	v, err := c.feed.SumCharge(ctx, channel, from.In(c.location), to.In(c.location))
	if err != nil {
		c.degrade(ctx, id, "sum_charge", err)
		return 0
	}
	return v
}

func (c *Calculator) edge(ctx context.Context, id, query, channel string, from, to time.Time) *time.Time {
	if c.feed == nil {
		c.degrade(ctx, id, query, errFeedUnavailable)
		return nil
	}
	var (
		ts  *time.Time
		err error
	)
	if query == "first_pulse" {
		ts, err = c.feed.FirstPulse(ctx, channel, from.In(c.location), to.In(c.location))
	} else {
		ts, err = c.feed.LastPulse(ctx, channel, from.In(c.location), to.In(c.location))
	}
	if err != nil {
		c.degrade(ctx, id, query, err)
		return nil
	}
	if ts == nil {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

func (c *Calculator) degrade(ctx context.Context, id, query string, err error) {
	c.logger.Warn("beam feed unavailable, using fallback", "irradiation", id, "query", query, "error", err)
	c.degraded(ctx, query)
}
