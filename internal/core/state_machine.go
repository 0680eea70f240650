package core

import (
	"context"
	"fmt"
	"time"

	"fluencecore/pkg/domain"
)

// recordContext is everything needed to derive one irradiation, read in a
// single consistent view.
type recordContext struct {
	rec       domain.Irradiation
	parent    *domain.Irradiation
	dosimeter domain.Dosimeter
	factors   []domain.FluenceFactor
	siblings  []domain.Irradiation
}

func (s *Service) loadRecord(ctx context.Context, id string) (recordContext, error) {
	var rc recordContext
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		rec, ok := view.FindIrradiation(id)
		if !ok {
			return ErrNotFound{Entity: domain.EntityIrradiation, ID: id}
		}
		var err error
		rc, err = s.contextFor(view, rec)
		return err
	})
	return rc, err
}

// loadEdited applies edit to a copy of the stored record and resolves the
// dosimeter, parent and siblings of the edited copy. The copy keeps the
// stored derived group; the stored record is returned alongside.
func (s *Service) loadEdited(ctx context.Context, id string, edit func(*domain.Irradiation) error) (recordContext, domain.Irradiation, error) {
	stored, ok := s.store.GetIrradiation(id)
	if !ok {
		return recordContext{}, domain.Irradiation{}, ErrNotFound{Entity: domain.EntityIrradiation, ID: id}
	}
	rec := stored.Clone()
	if edit != nil {
		if err := edit(&rec); err != nil {
			return recordContext{}, stored, err
		}
	}
	rec.ID = id
	keepDerived(&rec, stored)

	var rc recordContext
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		var err error
		rc, err = s.contextFor(view, rec)
		return err
	})
	return rc, stored, err
}

func (s *Service) contextFor(view domain.TransactionView, rec domain.Irradiation) (recordContext, error) {
	dos, ok := view.FindDosimeter(rec.DosimeterID)
	if !ok {
		return recordContext{}, ErrNotFound{Entity: domain.EntityDosimeter, ID: rec.DosimeterID}
	}
	rc := recordContext{rec: rec, dosimeter: dos}
	if rec.PreviousID != nil {
		if parent, ok := view.FindIrradiation(*rec.PreviousID); ok {
			rc.parent = &parent
		} else {
			s.logger.Warn("previous irradiation missing, carrying zero charge", "irradiation", rec.ID, "previous", *rec.PreviousID)
		}
	}
	rc.factors = view.ListFluenceFactors()
	rc.siblings = view.FilterIrradiations(func(other domain.Irradiation) bool {
		return other.DosimeterID == rec.DosimeterID && rec.SameSample(other)
	})
	return rc, nil
}

func keepDerived(dst *domain.Irradiation, src domain.Irradiation) {
	dst.Status = src.Status
	dst.Sec = src.Sec
	dst.EstimatedFluence = src.EstimatedFluence
	dst.FluenceFactorID = src.FluenceFactorID
	dst.DateFirstSec = src.DateFirstSec
	dst.DateLastSec = src.DateLastSec
}

// derive validates rc.rec and computes its derived group. Nothing is written.
func (s *Service) derive(ctx context.Context, rc recordContext, now time.Time, extended bool) (domain.DerivedFields, error) {
	if err := ValidateDateRange(rc.rec, rc.siblings, now); err != nil {
		return domain.DerivedFields{}, err
	}
	factor := domain.FluenceFactor{Value: DefaultFactorValue}
	if rc.rec.DerivedStatus() != domain.StatusUnstarted {
		f, err := s.factors.Resolve(ctx, rc.factors, rc.rec.Table, rc.dosimeter.Height, rc.dosimeter.Width)
		if err != nil {
			return domain.DerivedFields{}, err
		}
		factor = f
	}
	return s.calc.Compute(ctx, rc.rec, rc.parent, factor, now, extended), nil
}

func (s *Service) applyDerived(ctx context.Context, id string, d domain.DerivedFields) (domain.Irradiation, error) {
	var updated domain.Irradiation
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateIrradiation(id, func(rec *domain.Irradiation) error {
			rec.ApplyDerived(d)
			return nil
		})
		return err
	})
	return updated, err
}

func (s *Service) recomputeOne(ctx context.Context, id string, now time.Time, extended bool) (domain.DerivedFields, error) {
	rc, err := s.loadRecord(ctx, id)
	if err != nil {
		return domain.DerivedFields{}, err
	}
	d, err := s.derive(ctx, rc, now, extended)
	if err != nil {
		return domain.DerivedFields{}, err
	}
	updated, err := s.applyDerived(ctx, id, d)
	if err != nil {
		return domain.DerivedFields{}, err
	}
	out := updated.Derived()
	out.FactorValue = d.FactorValue
	return out, nil
}

// RecomputeState refreshes the derived group of each record independently.
// Records that fail are reported in a *BatchError; the others are committed
// and returned. extended additionally refreshes the first/last pulse times;
// otherwise the stored timestamps are kept.
func (s *Service) RecomputeState(ctx context.Context, ids []string, extended bool) ([]domain.DerivedFields, error) {
	var out []domain.DerivedFields
	err := s.run(ctx, "recompute_state", func(ctx context.Context) (string, error) {
		var err error
		out, err = s.recomputeBatch(ctx, "recompute_state", ids, extended)
		return batchEntity(ids), err
	})
	return out, err
}

func (s *Service) recomputeBatch(ctx context.Context, op string, ids []string, extended bool) ([]domain.DerivedFields, error) {
	now := s.now()
	out := make([]domain.DerivedFields, 0, len(ids))
	var failures []RecordFailure
	for _, id := range ids {
		d, err := s.recomputeOne(ctx, id, now, extended)
		if err != nil {
			s.logger.Error("recompute failed", "irradiation", id, "error", err)
			failures = append(failures, RecordFailure{ID: id, Err: err})
			continue
		}
		out = append(out, d)
	}
	return out, batchErr(op, failures)
}

// RefreshOngoing recomputes every record currently in the beam, including
// pulse timestamps.
func (s *Service) RefreshOngoing(ctx context.Context) ([]domain.DerivedFields, error) {
	var out []domain.DerivedFields
	err := s.run(ctx, "refresh_ongoing", func(ctx context.Context) (string, error) {
		var ids []string
		if err := s.store.View(ctx, func(view domain.TransactionView) error {
			for _, rec := range view.FilterIrradiations(func(r domain.Irradiation) bool {
				return r.DerivedStatus() == domain.StatusOngoing
			}) {
				ids = append(ids, rec.ID)
			}
			return nil
		}); err != nil {
			return "", err
		}
		s.logger.Info("refreshing ongoing irradiations", "count", len(ids))
		var err error
		out, err = s.recomputeBatch(ctx, "refresh_ongoing", ids, true)
		return "", err
	})
	return out, err
}

// ToggleBeam moves each record into (enter) or out of the beam. Entering a
// record that already left the beam leaves it untouched and starts a linked
// continuation instead. Toggling to the current state is a no-op and the
// record is not returned. Derived fields, pulse timestamps included, are
// refreshed in the same write as the transition.
func (s *Service) ToggleBeam(ctx context.Context, ids []string, enter bool) ([]domain.Irradiation, error) {
	var out []domain.Irradiation
	err := s.run(ctx, "toggle_beam", func(ctx context.Context) (string, error) {
		now := s.now()
		var failures []RecordFailure
		for _, id := range ids {
			rec, changed, err := s.toggleOne(ctx, id, enter, now)
			if err != nil {
				s.logger.Error("beam toggle failed", "irradiation", id, "enter", enter, "error", err)
				failures = append(failures, RecordFailure{ID: id, Err: err})
				continue
			}
			if changed {
				out = append(out, rec)
			}
		}
		return batchEntity(ids), batchErr("toggle_beam", failures)
	})
	return out, err
}

func (s *Service) toggleOne(ctx context.Context, id string, enter bool, now time.Time) (domain.Irradiation, bool, error) {
	rc, err := s.loadRecord(ctx, id)
	if err != nil {
		return domain.Irradiation{}, false, err
	}
	status := rc.rec.DerivedStatus()
	switch {
	case enter && status == domain.StatusOngoing, !enter && status != domain.StatusOngoing:
		s.logger.Debug("beam toggle is a no-op", "irradiation", id, "status", status, "enter", enter)
		return rc.rec, false, nil
	case enter && rc.rec.Closed():
		rec, err := s.startContinuation(ctx, rc, now)
		return rec, err == nil, err
	}

	next := rc.rec.Clone()
	if enter {
		next.DateIn = &now
		next.DateOut = nil
		next.DateFirstSec = nil
		next.DateLastSec = nil
	} else {
		next.DateOut = &now
	}
	rc.rec = next
	d, err := s.derive(ctx, rc, now, true)
	if err != nil {
		return domain.Irradiation{}, false, err
	}
	var updated domain.Irradiation
	_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateIrradiation(id, func(rec *domain.Irradiation) error {
			rec.DateIn = next.DateIn
			rec.DateOut = next.DateOut
			rec.ApplyDerived(d)
			return nil
		})
		return err
	})
	if err != nil {
		return domain.Irradiation{}, false, err
	}
	return updated, true, nil
}

func (s *Service) startContinuation(ctx context.Context, rc recordContext, now time.Time) (domain.Irradiation, error) {
	parent := rc.rec
	prevID := parent.ID
	cont := domain.Irradiation{
		SampleID:      parent.SampleID,
		DosimeterID:   parent.DosimeterID,
		PreviousID:    &prevID,
		Table:         parent.Table,
		TablePosition: parent.TablePosition,
		DosPosition:   parent.DosPosition,
		DateIn:        &now,
	}
	rc.rec = cont
	rc.parent = &parent
	d, err := s.derive(ctx, rc, now, true)
	if err != nil {
		return domain.Irradiation{}, err
	}
	cont.ApplyDerived(d)
	var created domain.Irradiation
	_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateIrradiation(cont)
		return err
	})
	if err != nil {
		return domain.Irradiation{}, fmt.Errorf("start continuation of %s: %w", prevID, err)
	}
	s.logger.Info("started continuation irradiation", "previous", prevID, "irradiation", created.ID)
	return created, nil
}

func batchEntity(ids []string) string {
	if len(ids) == 1 {
		return ids[0]
	}
	return ""
}
