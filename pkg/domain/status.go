package domain

import "time"

// DeriveStatus maps the user-controlled fields of an irradiation onto its
// lifecycle state. It has no other inputs.
func DeriveStatus(dateIn, dateOut *time.Time, measuredFluence *float64) IrradiationStatus {
	switch {
	case dateIn == nil:
		return StatusUnstarted
	case dateOut == nil:
		return StatusOngoing
	case measuredFluence == nil:
		return StatusOutOfBeam
	default:
		return StatusCompleted
	}
}

// DerivedStatus returns the status implied by the irradiation's current fields,
// ignoring whatever Status value is stored.
func (i Irradiation) DerivedStatus() IrradiationStatus {
	return DeriveStatus(i.DateIn, i.DateOut, i.MeasuredFluence)
}

// Closed reports whether the record has left the beam at least once.
func (i Irradiation) Closed() bool {
	return i.DateOut != nil
}

// Window returns the exposure window. An open record ends at now.
func (i Irradiation) Window(now time.Time) (from, to time.Time, ok bool) {
	if i.DateIn == nil {
		return time.Time{}, time.Time{}, false
	}
	to = now
	if i.DateOut != nil {
		to = *i.DateOut
	}
	return *i.DateIn, to, true
}
