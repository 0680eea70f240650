package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	blobcore "fluencecore/internal/blob/core"
	"fluencecore/pkg/domain"
)

// ReportContentType is the media type of exported sample reports.
const ReportContentType = "application/json"

// ErrNoBlobStore is returned by ExportSampleReport when no archive is set.
var ErrNoBlobStore = errors.New("report blob store not configured")

// SampleReport is the archived form of a sample's dose readings.
type SampleReport struct {
	SampleID     string               `json:"sample_id"`
	SampleName   string               `json:"sample_name"`
	ExperimentID string               `json:"experiment_id,omitempty"`
	GeneratedAt  time.Time            `json:"generated_at"`
	Readings     []domain.DoseReading `json:"readings"`
}

// ReportKey returns the blob key a report generated at ts is stored under.
func ReportKey(sampleID string, ts time.Time) string {
	return fmt.Sprintf("reports/%s/%s.json", sampleID, ts.UTC().Format("20060102T150405Z"))
}

// ExportSampleReport aggregates the sample's readings and archives them as a
// JSON document in the configured blob store.
func (s *Service) ExportSampleReport(ctx context.Context, sampleID string) (blobcore.Info, error) {
	var info blobcore.Info
	err := s.run(ctx, "export_sample_report", func(ctx context.Context) (string, error) {
		if s.opts.blobs == nil {
			return sampleID, ErrNoBlobStore
		}
		var smp domain.Sample
		if err := s.store.View(ctx, func(view domain.TransactionView) error {
			found, ok := view.FindSample(sampleID)
			if !ok {
				return ErrNotFound{Entity: domain.EntitySample, ID: sampleID}
			}
			smp = found
			return nil
		}); err != nil {
			return sampleID, err
		}
		inputs, err := s.readingInputs(ctx, sampleID)
		if err != nil {
			return sampleID, err
		}
		report := SampleReport{
			SampleID:     smp.ID,
			SampleName:   smp.Name,
			ExperimentID: smp.ExperimentID,
			GeneratedAt:  s.now(),
			Readings:     AggregateReadings(inputs),
		}
		if report.Readings == nil {
			report.Readings = []domain.DoseReading{}
		}
		payload, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return sampleID, fmt.Errorf("encode report: %w", err)
		}
		info, err = s.opts.blobs.Put(ctx, ReportKey(sampleID, report.GeneratedAt), bytes.NewReader(payload), blobcore.PutOptions{
			ContentType: ReportContentType,
			Metadata: map[string]string{
				"sample_id": sampleID,
				"readings":  strconv.Itoa(len(report.Readings)),
			},
		})
		if err != nil {
			return sampleID, fmt.Errorf("store report: %w", err)
		}
		s.logger.Info("exported sample report", "sample", sampleID, "key", info.Key, "driver", s.opts.blobs.Driver())
		return sampleID, nil
	})
	return info, err
}
