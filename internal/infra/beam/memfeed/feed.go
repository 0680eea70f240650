// Package memfeed is an in-process beam-charge feed for tests and demos.
package memfeed

import (
	"context"
	"sort"
	"sync"
	"time"

	"fluencecore/pkg/domain"
)

var _ domain.BeamChargeSource = (*Feed)(nil)

// Pulse is a single beam-charge sample.
type Pulse struct {
	Channel string
	At      time.Time
	Value   float64
}

// Feed keeps pulses in memory, ordered by time.
type Feed struct {
	mu     sync.RWMutex
	pulses []Pulse
	err    error
	calls  int
}

// New returns an empty feed.
func New() *Feed { return &Feed{} }

// Add records pulses.
func (f *Feed) Add(pulses ...Pulse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, pulses...)
	sort.SliceStable(f.pulses, func(i, j int) bool { return f.pulses[i].At.Before(f.pulses[j].At) })
}

// Fail makes every query return err until called again with nil.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls reports how many queries have been served.
func (f *Feed) Calls() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calls
}

// Close is a no-op.
func (f *Feed) Close() error { return nil }

func (f *Feed) window(channel string, from, to time.Time) ([]Pulse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Pulse
	for _, p := range f.pulses {
		if p.Channel == channel && p.Value > 0 && p.At.After(from) && p.At.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

// SumCharge totals positive pulses strictly between from and to.
func (f *Feed) SumCharge(_ context.Context, channel string, from, to time.Time) (float64, error) {
	pulses, err := f.window(channel, from, to)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, p := range pulses {
		sum += p.Value
	}
	return sum, nil
}

// FirstPulse returns the earliest positive pulse in the window, in from's location.
func (f *Feed) FirstPulse(_ context.Context, channel string, from, to time.Time) (*time.Time, error) {
	pulses, err := f.window(channel, from, to)
	if err != nil || len(pulses) == 0 {
		return nil, err
	}
	at := pulses[0].At.In(from.Location())
	return &at, nil
}

// LastPulse returns the latest positive pulse in the window, in from's location.
func (f *Feed) LastPulse(_ context.Context, channel string, from, to time.Time) (*time.Time, error) {
	pulses, err := f.window(channel, from, to)
	if err != nil || len(pulses) == 0 {
		return nil, err
	}
	at := pulses[len(pulses)-1].At.In(from.Location())
	return &at, nil
}
