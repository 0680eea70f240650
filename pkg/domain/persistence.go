package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateIrradiation(Irradiation) (Irradiation, error)
	UpdateIrradiation(id string, mutator func(*Irradiation) error) (Irradiation, error)
	DeleteIrradiation(id string) error
	CreateFluenceFactor(FluenceFactor) (FluenceFactor, error)
	UpdateFluenceFactor(id string, mutator func(*FluenceFactor) error) (FluenceFactor, error)
	DeleteFluenceFactor(id string) error
	CreateDosimeter(Dosimeter) (Dosimeter, error)
	UpdateDosimeter(id string, mutator func(*Dosimeter) error) (Dosimeter, error)
	DeleteDosimeter(id string) error
	CreateSample(Sample) (Sample, error)
	UpdateSample(id string, mutator func(*Sample) error) (Sample, error)
	DeleteSample(id string) error
	FindIrradiation(id string) (Irradiation, bool)
	FindDosimeter(id string) (Dosimeter, bool)
	FindSample(id string) (Sample, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// read paths.
type TransactionView interface {
	ListIrradiations() []Irradiation
	ListFluenceFactors() []FluenceFactor
	ListDosimeters() []Dosimeter
	ListSamples() []Sample
	FindIrradiation(id string) (Irradiation, bool)
	FindFluenceFactor(id string) (FluenceFactor, bool)
	FindDosimeter(id string) (Dosimeter, bool)
	FindSample(id string) (Sample, bool)
	// FilterIrradiations returns the records accepted by keep.
	FilterIrradiations(keep func(Irradiation) bool) []Irradiation
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetIrradiation(id string) (Irradiation, bool)
	ListIrradiations() []Irradiation
	ListFluenceFactors() []FluenceFactor
	ListDosimeters() []Dosimeter
	ListSamples() []Sample
}
