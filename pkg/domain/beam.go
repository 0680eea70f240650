package domain

import (
	"context"
	"time"
)

// BeamChargeSource is the time-series feed of beam-charge (SEC) pulses. All
// bounds are exclusive and all timestamps are facility-local wall time.
// Only positive pulses are considered by every method.
type BeamChargeSource interface {
	SumCharge(ctx context.Context, channel string, from, to time.Time) (float64, error)
	FirstPulse(ctx context.Context, channel string, from, to time.Time) (*time.Time, error)
	LastPulse(ctx context.Context, channel string, from, to time.Time) (*time.Time, error)
}
