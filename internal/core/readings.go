package core

import (
	"context"

	"fluencecore/pkg/domain"
)

// AggregateSampleFluence returns the dose readings of a sample, one per
// distinct (dosimeter area, position). It writes nothing.
func (s *Service) AggregateSampleFluence(ctx context.Context, sampleID string) ([]domain.DoseReading, error) {
	var readings []domain.DoseReading
	err := s.run(ctx, "aggregate_sample_fluence", func(ctx context.Context) (string, error) {
		inputs, err := s.readingInputs(ctx, sampleID)
		if err != nil {
			return sampleID, err
		}
		readings = AggregateReadings(inputs)
		return sampleID, nil
	})
	return readings, err
}

func (s *Service) readingInputs(ctx context.Context, sampleID string) ([]ReadingInput, error) {
	var inputs []ReadingInput
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindSample(sampleID); !ok {
			return ErrNotFound{Entity: domain.EntitySample, ID: sampleID}
		}
		records := view.FilterIrradiations(func(rec domain.Irradiation) bool {
			return rec.SampleID != nil && *rec.SampleID == sampleID
		})
		dosimeters := make(map[string]domain.Dosimeter, len(records))
		for _, rec := range records {
			if _, seen := dosimeters[rec.DosimeterID]; seen {
				continue
			}
			if d, ok := view.FindDosimeter(rec.DosimeterID); ok {
				dosimeters[rec.DosimeterID] = d
			}
		}
		inputs = ReadingInputs(records, dosimeters)
		return nil
	})
	return inputs, err
}
