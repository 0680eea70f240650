package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fluencecore/pkg/domain"
)

// CreateIrradiations persists a batch of irradiations in a single transaction.
// Records that already carry a DateIn have their derived group computed
// afterwards; undated records are stored Unstarted.
func (s *Service) CreateIrradiations(ctx context.Context, recs []domain.Irradiation) ([]domain.Irradiation, domain.Result, error) {
	var (
		created []domain.Irradiation
		res     domain.Result
	)
	err := s.run(ctx, "create_irradiations", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			created = make([]domain.Irradiation, 0, len(recs))
			for i, rec := range recs {
				rec.Sec = 0
				rec.EstimatedFluence = nil
				rec.FluenceFactorID = nil
				rec.DateFirstSec = nil
				rec.DateLastSec = nil
				c, err := tx.CreateIrradiation(rec)
				if err != nil {
					return fmt.Errorf("irradiation %d: %w", i, err)
				}
				created = append(created, c)
			}
			return nil
		})
		if err != nil {
			created = nil
			return "", err
		}

		var dated []string
		for _, c := range created {
			if c.DateIn != nil {
				dated = append(dated, c.ID)
			}
		}
		if len(dated) > 0 {
			_, err = s.recomputeBatch(ctx, "create_irradiations", dated, true)
			created = s.reload(created)
		}
		return batchEntity(idsOf(created)), err
	})
	return created, res, err
}

// UpdateIrradiation applies a user edit to the record's own fields, validates
// the resulting dates and recomputes the derived group. The edit and the new
// derived group are committed together. Pulse timestamps are refreshed only
// when DateIn or DateOut changed.
func (s *Service) UpdateIrradiation(ctx context.Context, id string, mutator func(*domain.Irradiation) error) (domain.Irradiation, domain.Result, error) {
	var (
		updated domain.Irradiation
		res     domain.Result
	)
	err := s.run(ctx, "update_irradiation", func(ctx context.Context) (string, error) {
		rc, stored, err := s.loadEdited(ctx, id, mutator)
		if err != nil {
			return id, err
		}
		now := s.now()
		extended := !sameInstant(stored.DateIn, rc.rec.DateIn) || !sameInstant(stored.DateOut, rc.rec.DateOut)
		d, err := s.derive(ctx, rc, now, extended)
		if err != nil {
			return id, err
		}
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			updated, err = tx.UpdateIrradiation(id, func(rec *domain.Irradiation) error {
				copyUserFields(rec, rc.rec)
				rec.ApplyDerived(d)
				return nil
			})
			return err
		})
		return id, err
	})
	return updated, res, err
}

// SetMeasuredFluence records (or clears, when value is nil) the measured
// fluence of an irradiation.
func (s *Service) SetMeasuredFluence(ctx context.Context, id string, value *float64) (domain.Irradiation, domain.Result, error) {
	return s.UpdateIrradiation(ctx, id, func(rec *domain.Irradiation) error {
		if value == nil {
			rec.MeasuredFluence = nil
			return nil
		}
		if *value < 0 {
			return errors.New("measured fluence must be non-negative")
		}
		v := *value
		rec.MeasuredFluence = &v
		return nil
	})
}

// DeleteIrradiation removes an irradiation. Records still referenced by a
// continuation cannot be deleted.
func (s *Service) DeleteIrradiation(ctx context.Context, id string) (domain.Result, error) {
	var res domain.Result
	err := s.run(ctx, "delete_irradiation", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return tx.DeleteIrradiation(id)
		})
		return id, err
	})
	return res, err
}

// CreateDosimeter persists a new dosimeter.
func (s *Service) CreateDosimeter(ctx context.Context, d domain.Dosimeter) (domain.Dosimeter, domain.Result, error) {
	var (
		created domain.Dosimeter
		res     domain.Result
	)
	err := s.run(ctx, "create_dosimeter", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.CreateDosimeter(d)
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// CreateSample persists a new sample.
func (s *Service) CreateSample(ctx context.Context, smp domain.Sample) (domain.Sample, domain.Result, error) {
	var (
		created domain.Sample
		res     domain.Result
	)
	err := s.run(ctx, "create_sample", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.CreateSample(smp)
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// CreateFluenceFactor persists a conversion factor. Use
// FactorRegistry.GetOrCreateDefaultFactor for the default.
func (s *Service) CreateFluenceFactor(ctx context.Context, f domain.FluenceFactor) (domain.FluenceFactor, domain.Result, error) {
	var (
		created domain.FluenceFactor
		res     domain.Result
	)
	err := s.run(ctx, "create_fluence_factor", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.CreateFluenceFactor(f)
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// SetFluenceFactorActive toggles whether a factor takes part in lookups.
// Existing derived values are left alone until recomputed.
func (s *Service) SetFluenceFactorActive(ctx context.Context, id string, active bool) (domain.FluenceFactor, domain.Result, error) {
	var (
		updated domain.FluenceFactor
		res     domain.Result
	)
	err := s.run(ctx, "set_fluence_factor_active", func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			updated, err = tx.UpdateFluenceFactor(id, func(f *domain.FluenceFactor) error {
				f.Active = active
				return nil
			})
			return err
		})
		return id, err
	})
	return updated, res, err
}

// copyUserFields copies the fields users edit directly. The derived group is
// left for the calculator.
func copyUserFields(dst *domain.Irradiation, src domain.Irradiation) {
	dst.SampleID = src.SampleID
	dst.DosimeterID = src.DosimeterID
	dst.PreviousID = src.PreviousID
	dst.Table = src.Table
	dst.TablePosition = src.TablePosition
	dst.DosPosition = src.DosPosition
	dst.DateIn = src.DateIn
	dst.DateOut = src.DateOut
	dst.MeasuredFluence = src.MeasuredFluence
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *Service) reload(recs []domain.Irradiation) []domain.Irradiation {
	out := make([]domain.Irradiation, 0, len(recs))
	for _, rec := range recs {
		if fresh, ok := s.store.GetIrradiation(rec.ID); ok {
			rec = fresh
		}
		out = append(out, rec)
	}
	return out
}

func idsOf(recs []domain.Irradiation) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}
