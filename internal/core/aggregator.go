package core

import (
	"regexp"
	"sort"
	"strconv"

	"fluencecore/pkg/domain"
)

// positionRE matches dosimeter positions made of ASCII digits only.
var positionRE = regexp.MustCompile(`^[0-9]+$`)

// ReadingInput is one irradiation's contribution to a sample's dose readings.
type ReadingInput struct {
	Dosimeter        domain.Dosimeter
	Position         int
	EstimatedFluence float64
}

// ReadingInputs selects the records that count toward a reading: a derived
// estimate, a purely numeric dosimeter position and an unsplit dosimeter.
func ReadingInputs(records []domain.Irradiation, dosimeters map[string]domain.Dosimeter) []ReadingInput {
	out := make([]ReadingInput, 0, len(records))
	for _, rec := range records {
		if rec.EstimatedFluence == nil {
			continue
		}
		if !positionRE.MatchString(rec.DosPosition) {
			continue
		}
		pos, err := strconv.Atoi(rec.DosPosition)
		if err != nil {
			continue
		}
		dos, ok := dosimeters[rec.DosimeterID]
		if !ok || dos.IsSplit() {
			continue
		}
		out = append(out, ReadingInput{Dosimeter: dos, Position: pos, EstimatedFluence: *rec.EstimatedFluence})
	}
	return out
}

// AggregateReadings groups inputs by (dosimeter area, position), ascending,
// and sums each group's estimated fluence. A reading carries the dimensions of
// the first dosimeter in its group.
func AggregateReadings(inputs []ReadingInput) []domain.DoseReading {
	if len(inputs) == 0 {
		return nil
	}
	sorted := append([]ReadingInput(nil), inputs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ai, aj := sorted[i].Dosimeter.Area(), sorted[j].Dosimeter.Area()
		if ai != aj {
			return ai < aj
		}
		return sorted[i].Position < sorted[j].Position
	})

	readings := make([]domain.DoseReading, 0, len(sorted))
	head := sorted[0]
	sum := head.EstimatedFluence
	for _, in := range sorted[1:] {
		if in.Dosimeter.Area() == head.Dosimeter.Area() && in.Position == head.Position {
			sum += in.EstimatedFluence
			continue
		}
		readings = append(readings, domain.DoseReading{Width: head.Dosimeter.Width, Height: head.Dosimeter.Height, EstimatedFluence: sum})
		head, sum = in, in.EstimatedFluence
	}
	return append(readings, domain.DoseReading{Width: head.Dosimeter.Width, Height: head.Dosimeter.Height, EstimatedFluence: sum})
}
