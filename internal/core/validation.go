package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fluencecore/pkg/domain"
)

// ValidateDateRange checks rec's dates against now and against the other
// records of the same sample and dosimeter. Windows are half-open [in, out)
// and an open record extends forever. Completed records and records without a
// sample never conflict.
func ValidateDateRange(rec domain.Irradiation, others []domain.Irradiation, now time.Time) error {
	fail := func(reason DateRangeReason, format string, args ...any) error {
		return &DateRangeError{IrradiationID: rec.ID, Reason: reason, Detail: fmt.Sprintf(format, args...)}
	}
	if rec.DateIn == nil {
		if rec.DateOut != nil {
			return fail(ReasonOrdering, "date out set without date in")
		}
		return nil
	}
	if rec.DateIn.After(now) {
		return fail(ReasonFuture, "date in %s is after %s", rec.DateIn.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	if rec.DateOut != nil {
		if !rec.DateOut.After(*rec.DateIn) {
			return fail(ReasonOrdering, "date out %s is not after date in %s", rec.DateOut.UTC().Format(time.RFC3339), rec.DateIn.UTC().Format(time.RFC3339))
		}
		if rec.DateOut.After(now) {
			return fail(ReasonFuture, "date out %s is after %s", rec.DateOut.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
		}
	}
	if rec.SampleID == nil {
		return nil
	}
	for _, other := range others {
		if other.ID == rec.ID || other.DateIn == nil || other.DosimeterID != rec.DosimeterID || !rec.SameSample(other) {
			continue
		}
		if other.DerivedStatus() == domain.StatusCompleted {
			continue
		}
		if overlaps(*rec.DateIn, rec.DateOut, *other.DateIn, other.DateOut) {
			return fail(ReasonOverlap, "window overlaps irradiation %s", other.ID)
		}
	}
	return nil
}

func overlaps(aIn time.Time, aOut *time.Time, bIn time.Time, bOut *time.Time) bool {
	aEndsAfterBStarts := aOut == nil || aOut.After(bIn)
	bEndsAfterAStarts := bOut == nil || bOut.After(aIn)
	return aEndsAfterBStarts && bEndsAfterAStarts
}

// DateRangeRule enforces ValidateDateRange on every irradiation written in a
// transaction.
type DateRangeRule struct {
	Now func() time.Time
}

// Name implements domain.Rule.
func (DateRangeRule) Name() string { return "date_range" }

// Evaluate implements domain.Rule.
func (r DateRangeRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now()
	}
	var res domain.Result
	var others []domain.Irradiation
	for _, ch := range changes {
		if ch.Entity != domain.EntityIrradiation || ch.Action == domain.ActionDelete {
			continue
		}
		rec, ok := ch.After.(domain.Irradiation)
		if !ok {
			continue
		}
		if others == nil {
			others = view.ListIrradiations()
		}
		err := ValidateDateRange(rec, others, now)
		var dre *DateRangeError
		if errors.As(err, &dre) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  dre.Error(),
				Entity:   domain.EntityIrradiation,
				EntityID: rec.ID,
			})
		}
	}
	return res, nil
}

// NewDefaultRulesEngine returns an engine with the built-in rules registered.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(DateRangeRule{})
	return engine
}
