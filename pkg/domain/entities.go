// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by fluencecore.
package domain

import (
	"errors"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityIrradiation identifies an exposure record.
	EntityIrradiation EntityType = "irradiation"
	// EntityFluenceFactor identifies a conversion factor record.
	EntityFluenceFactor EntityType = "fluence_factor"
	// EntityDosimeter identifies a dosimeter record.
	EntityDosimeter EntityType = "dosimeter"
	// EntitySample identifies a sample record.
	EntitySample EntityType = "sample"
)

// IrradiationStatus enumerates the exposure lifecycle states.
type IrradiationStatus string

// Canonical irradiation statuses. The stored value is always re-derived from
// the record's dates and measured fluence.
const (
	StatusUnstarted IrradiationStatus = "unstarted"
	StatusOngoing   IrradiationStatus = "ongoing"
	StatusOutOfBeam IrradiationStatus = "out_of_beam"
	StatusCompleted IrradiationStatus = "completed"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// ErrDuplicateDefaultFactor is returned when a second default fluence factor
// would be created.
var ErrDuplicateDefaultFactor = errors.New("default fluence factor already exists")

// ErrInactiveDefaultFactor is returned when the default fluence factor would
// be stored inactive.
var ErrInactiveDefaultFactor = errors.New("default fluence factor must stay active")

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Irradiation is one placement of a sample+dosimeter pair in a beam position.
type Irradiation struct {
	Base
	SampleID         *string           `json:"sample_id"`
	DosimeterID      string            `json:"dosimeter_id"`
	PreviousID       *string           `json:"previous_id"`
	Table            string            `json:"table"`
	TablePosition    string            `json:"table_position"`
	DosPosition      string            `json:"dos_position"`
	DateIn           *time.Time        `json:"date_in"`
	DateOut          *time.Time        `json:"date_out"`
	MeasuredFluence  *float64          `json:"measured_fluence"`
	Sec              float64           `json:"sec"`
	EstimatedFluence *float64          `json:"estimated_fluence"`
	FluenceFactorID  *string           `json:"fluence_factor_id"`
	DateFirstSec     *time.Time        `json:"date_first_sec"`
	DateLastSec      *time.Time        `json:"date_last_sec"`
	Status           IrradiationStatus `json:"status"`
}

// DerivedFields is the group of values computed from the beam feed. It is
// always written to an irradiation as a unit.
type DerivedFields struct {
	IrradiationID    string            `json:"irradiation_id"`
	Status           IrradiationStatus `json:"status"`
	Sec              float64           `json:"sec"`
	EstimatedFluence *float64          `json:"estimated_fluence"`
	FluenceFactorID  *string           `json:"fluence_factor_id"`
	FactorValue      float64           `json:"factor_value"`
	DateFirstSec     *time.Time        `json:"date_first_sec"`
	DateLastSec      *time.Time        `json:"date_last_sec"`
}

// ApplyDerived overwrites the derived group on the irradiation according to
// the status carried by d. MeasuredFluence is never touched.
func (i *Irradiation) ApplyDerived(d DerivedFields) {
	i.Status = d.Status
	switch d.Status {
	case StatusUnstarted:
		i.Sec = 0
		i.EstimatedFluence = nil
		i.FluenceFactorID = nil
		i.DateFirstSec = nil
		i.DateLastSec = nil
	case StatusOngoing:
		i.Sec = d.Sec
		i.EstimatedFluence = cloneFloat(d.EstimatedFluence)
		i.FluenceFactorID = cloneString(d.FluenceFactorID)
		i.DateFirstSec = cloneTime(d.DateFirstSec)
		i.DateLastSec = nil
	default:
		i.Sec = d.Sec
		i.EstimatedFluence = cloneFloat(d.EstimatedFluence)
		i.FluenceFactorID = cloneString(d.FluenceFactorID)
		i.DateFirstSec = cloneTime(d.DateFirstSec)
		i.DateLastSec = cloneTime(d.DateLastSec)
	}
}

// Derived extracts the derived group currently stored on the irradiation.
func (i Irradiation) Derived() DerivedFields {
	return DerivedFields{
		IrradiationID:    i.ID,
		Status:           i.Status,
		Sec:              i.Sec,
		EstimatedFluence: cloneFloat(i.EstimatedFluence),
		FluenceFactorID:  cloneString(i.FluenceFactorID),
		DateFirstSec:     cloneTime(i.DateFirstSec),
		DateLastSec:      cloneTime(i.DateLastSec),
	}
}

// Clone returns a deep copy of the irradiation.
func (i Irradiation) Clone() Irradiation {
	cp := i
	cp.SampleID = cloneString(i.SampleID)
	cp.PreviousID = cloneString(i.PreviousID)
	cp.DateIn = cloneTime(i.DateIn)
	cp.DateOut = cloneTime(i.DateOut)
	cp.MeasuredFluence = cloneFloat(i.MeasuredFluence)
	cp.EstimatedFluence = cloneFloat(i.EstimatedFluence)
	cp.FluenceFactorID = cloneString(i.FluenceFactorID)
	cp.DateFirstSec = cloneTime(i.DateFirstSec)
	cp.DateLastSec = cloneTime(i.DateLastSec)
	return cp
}

// SameSample reports whether both records are tied to the same sample.
func (i Irradiation) SameSample(other Irradiation) bool {
	return i.SampleID != nil && other.SampleID != nil && *i.SampleID == *other.SampleID
}

// FluenceFactor converts accumulated beam charge into estimated fluence for a
// beam table and dosimeter geometry.
type FluenceFactor struct {
	Base
	Value           float64 `json:"value"`
	Table           string  `json:"table"`
	DosimeterHeight float64 `json:"dosimeter_height"`
	DosimeterWidth  float64 `json:"dosimeter_width"`
	Active          bool    `json:"active"`
	Nuclide         string  `json:"nuclide"`
	IsDefault       bool    `json:"is_default"`
}

// Matches reports whether the factor applies to the given table and geometry.
// Matching is exact.
func (f FluenceFactor) Matches(table string, height, width float64) bool {
	return f.Active && !f.IsDefault && f.Table == table && f.DosimeterHeight == height && f.DosimeterWidth == width
}

// Dosimeter is the measuring foil placed alongside a sample.
type Dosimeter struct {
	Base
	Identifier string  `json:"identifier"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Area returns width multiplied by height.
func (d Dosimeter) Area() float64 {
	return d.Width * d.Height
}

// IsSplit reports whether the identifier carries a fractional or compound
// marker, meaning the dosimeter was cut and its readings are not reconciled.
func (d Dosimeter) IsSplit() bool {
	return strings.ContainsAny(d.Identifier, "/.")
}

// Sample is the object being irradiated.
type Sample struct {
	Base
	Name         string `json:"name"`
	ExperimentID string `json:"experiment_id"`
}

// DoseReading is one aggregated estimated fluence per dosimeter geometry.
type DoseReading struct {
	Width            float64 `json:"width"`
	Height           float64 `json:"height"`
	EstimatedFluence float64 `json:"estimated_fluence"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock && v.Message != "" {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
