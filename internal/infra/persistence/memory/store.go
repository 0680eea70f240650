// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the working set of the
// snapshotting SQL stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fluencecore/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Irradiation aliases domain.Irradiation for in-memory persistence operations.
	Irradiation = domain.Irradiation
	// FluenceFactor aliases domain.FluenceFactor.
	FluenceFactor = domain.FluenceFactor
	// Dosimeter aliases domain.Dosimeter.
	Dosimeter = domain.Dosimeter
	// Sample aliases domain.Sample.
	Sample = domain.Sample
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	irradiations map[string]Irradiation
	factors      map[string]FluenceFactor
	dosimeters   map[string]Dosimeter
	samples      map[string]Sample
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Irradiations map[string]Irradiation   `json:"irradiations"`
	Factors      map[string]FluenceFactor `json:"fluence_factors"`
	Dosimeters   map[string]Dosimeter     `json:"dosimeters"`
	Samples      map[string]Sample        `json:"samples"`
}

func newMemoryState() memoryState {
	return memoryState{
		irradiations: make(map[string]Irradiation),
		factors:      make(map[string]FluenceFactor),
		dosimeters:   make(map[string]Dosimeter),
		samples:      make(map[string]Sample),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Irradiations: make(map[string]Irradiation, len(state.irradiations)),
		Factors:      make(map[string]FluenceFactor, len(state.factors)),
		Dosimeters:   make(map[string]Dosimeter, len(state.dosimeters)),
		Samples:      make(map[string]Sample, len(state.samples)),
	}
	for k, v := range state.irradiations {
		s.Irradiations[k] = v.Clone()
	}
	for k, v := range state.factors {
		s.Factors[k] = v
	}
	for k, v := range state.dosimeters {
		s.Dosimeters[k] = v
	}
	for k, v := range state.samples {
		s.Samples[k] = v
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Irradiations {
		state.irradiations[k] = v.Clone()
	}
	for k, v := range s.Factors {
		state.factors[k] = v
	}
	for k, v := range s.Dosimeters {
		state.dosimeters[k] = v
	}
	for k, v := range s.Samples {
		state.samples[k] = v
	}
	return state
}

// migrateSnapshot repairs references in snapshots written by older builds:
// missing buckets, inactive defaults, dangling sample/previous links, and
// stale statuses.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Irradiations == nil {
		snapshot.Irradiations = map[string]Irradiation{}
	}
	if snapshot.Factors == nil {
		snapshot.Factors = map[string]FluenceFactor{}
	}
	if snapshot.Dosimeters == nil {
		snapshot.Dosimeters = map[string]Dosimeter{}
	}
	if snapshot.Samples == nil {
		snapshot.Samples = map[string]Sample{}
	}

	for id, f := range snapshot.Factors {
		if f.IsDefault && !f.Active {
			f.Active = true
			snapshot.Factors[id] = f
		}
	}
	for id, rec := range snapshot.Irradiations {
		if _, ok := snapshot.Dosimeters[rec.DosimeterID]; !ok {
			delete(snapshot.Irradiations, id)
		}
	}
	for id, rec := range snapshot.Irradiations {
		if rec.SampleID != nil {
			if _, ok := snapshot.Samples[*rec.SampleID]; !ok {
				rec.SampleID = nil
			}
		}
		if rec.PreviousID != nil {
			if _, ok := snapshot.Irradiations[*rec.PreviousID]; !ok || *rec.PreviousID == id {
				rec.PreviousID = nil
			}
		}
		if rec.FluenceFactorID != nil {
			if _, ok := snapshot.Factors[*rec.FluenceFactorID]; !ok {
				rec.FluenceFactorID = nil
			}
		}
		rec.Status = rec.DerivedStatus()
		snapshot.Irradiations[id] = rec
	}
	return snapshot
}

func (s memoryState) clone() memoryState {
	return memoryStateFromSnapshot(snapshotFromMemoryState(s))
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func sortedIrradiations(m map[string]Irradiation, keep func(Irradiation) bool) []Irradiation {
	out := make([]Irradiation, 0, len(m))
	for _, rec := range m {
		if keep != nil && !keep(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedFactors(m map[string]FluenceFactor) []FluenceFactor {
	out := make([]FluenceFactor, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedDosimeters(m map[string]Dosimeter) []Dosimeter {
	out := make([]Dosimeter, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedSamples(m map[string]Sample) []Sample {
	out := make([]Sample, 0, len(m))
	for _, smp := range m {
		out = append(out, smp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListIrradiations returns all irradiations within the snapshot, ordered by ID.
func (v transactionView) ListIrradiations() []Irradiation {
	return sortedIrradiations(v.state.irradiations, nil)
}

// FilterIrradiations returns the irradiations accepted by keep, ordered by ID.
func (v transactionView) FilterIrradiations(keep func(Irradiation) bool) []Irradiation {
	return sortedIrradiations(v.state.irradiations, keep)
}

// ListFluenceFactors returns all conversion factors, ordered by ID.
func (v transactionView) ListFluenceFactors() []FluenceFactor {
	return sortedFactors(v.state.factors)
}

// ListDosimeters returns all dosimeters, ordered by ID.
func (v transactionView) ListDosimeters() []Dosimeter {
	return sortedDosimeters(v.state.dosimeters)
}

// ListSamples returns all samples, ordered by ID.
func (v transactionView) ListSamples() []Sample {
	return sortedSamples(v.state.samples)
}

// FindIrradiation retrieves an irradiation by ID.
func (v transactionView) FindIrradiation(id string) (Irradiation, bool) {
	rec, ok := v.state.irradiations[id]
	if !ok {
		return Irradiation{}, false
	}
	return rec.Clone(), true
}

// FindFluenceFactor retrieves a conversion factor by ID.
func (v transactionView) FindFluenceFactor(id string) (FluenceFactor, bool) {
	f, ok := v.state.factors[id]
	return f, ok
}

// FindDosimeter retrieves a dosimeter by ID.
func (v transactionView) FindDosimeter(id string) (Dosimeter, bool) {
	d, ok := v.state.dosimeters[id]
	return d, ok
}

// FindSample retrieves a sample by ID.
func (v transactionView) FindSample(id string) (Sample, bool) {
	smp, ok := v.state.samples[id]
	return smp, ok
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindIrradiation exposes irradiation lookup within the transaction scope.
func (tx *transaction) FindIrradiation(id string) (Irradiation, bool) {
	return transactionView{state: &tx.state}.FindIrradiation(id)
}

// FindDosimeter exposes dosimeter lookup within the transaction scope.
func (tx *transaction) FindDosimeter(id string) (Dosimeter, bool) {
	d, ok := tx.state.dosimeters[id]
	return d, ok
}

// FindSample exposes sample lookup within the transaction scope.
func (tx *transaction) FindSample(id string) (Sample, bool) {
	smp, ok := tx.state.samples[id]
	return smp, ok
}

func (tx *transaction) validateIrradiationRefs(rec Irradiation) error {
	if rec.DosimeterID == "" {
		return fmt.Errorf("irradiation requires dosimeter")
	}
	if _, ok := tx.state.dosimeters[rec.DosimeterID]; !ok {
		return fmt.Errorf("dosimeter %q not found", rec.DosimeterID)
	}
	if rec.SampleID != nil {
		if _, ok := tx.state.samples[*rec.SampleID]; !ok {
			return fmt.Errorf("sample %q not found", *rec.SampleID)
		}
	}
	if rec.FluenceFactorID != nil {
		if _, ok := tx.state.factors[*rec.FluenceFactorID]; !ok {
			return fmt.Errorf("fluence factor %q not found", *rec.FluenceFactorID)
		}
	}
	if rec.PreviousID == nil {
		return nil
	}
	// Walk the chain from the parent; reaching rec.ID means a cycle.
	seen := make(map[string]struct{}, 4)
	cursor := *rec.PreviousID
	for {
		if cursor == rec.ID {
			return fmt.Errorf("irradiation %q cannot precede itself", rec.ID)
		}
		if _, dup := seen[cursor]; dup {
			return fmt.Errorf("irradiation chain through %q is cyclic", cursor)
		}
		seen[cursor] = struct{}{}
		parent, ok := tx.state.irradiations[cursor]
		if !ok {
			return fmt.Errorf("previous irradiation %q not found", cursor)
		}
		if parent.PreviousID == nil {
			return nil
		}
		cursor = *parent.PreviousID
	}
}

// CreateIrradiation stores a new irradiation within the transaction.
func (tx *transaction) CreateIrradiation(rec Irradiation) (Irradiation, error) {
	if rec.ID == "" {
		rec.ID = tx.store.newID()
	}
	if _, exists := tx.state.irradiations[rec.ID]; exists {
		return Irradiation{}, fmt.Errorf("irradiation %q already exists", rec.ID)
	}
	if err := tx.validateIrradiationRefs(rec); err != nil {
		return Irradiation{}, err
	}
	rec.CreatedAt = tx.now
	rec.UpdatedAt = tx.now
	rec.Status = rec.DerivedStatus()
	tx.state.irradiations[rec.ID] = rec.Clone()
	tx.recordChange(Change{Entity: domain.EntityIrradiation, Action: domain.ActionCreate, After: rec.Clone()})
	return rec.Clone(), nil
}

// UpdateIrradiation mutates an irradiation using the provided mutator function.
// The stored status is re-derived after the mutator runs.
func (tx *transaction) UpdateIrradiation(id string, mutator func(*Irradiation) error) (Irradiation, error) {
	current, ok := tx.state.irradiations[id]
	if !ok {
		return Irradiation{}, fmt.Errorf("irradiation %q not found", id)
	}
	before := current.Clone()
	current = current.Clone()
	if err := mutator(&current); err != nil {
		return Irradiation{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	if err := tx.validateIrradiationRefs(current); err != nil {
		return Irradiation{}, err
	}
	current.UpdatedAt = tx.now
	current.Status = current.DerivedStatus()
	tx.state.irradiations[id] = current.Clone()
	tx.recordChange(Change{Entity: domain.EntityIrradiation, Action: domain.ActionUpdate, Before: before, After: current.Clone()})
	return current.Clone(), nil
}

// DeleteIrradiation removes an irradiation unless a continuation references it.
func (tx *transaction) DeleteIrradiation(id string) error {
	current, ok := tx.state.irradiations[id]
	if !ok {
		return fmt.Errorf("irradiation %q not found", id)
	}
	for _, other := range tx.state.irradiations {
		if other.PreviousID != nil && *other.PreviousID == id {
			return fmt.Errorf("irradiation %q still referenced by irradiation %q", id, other.ID)
		}
	}
	delete(tx.state.irradiations, id)
	tx.recordChange(Change{Entity: domain.EntityIrradiation, Action: domain.ActionDelete, Before: current.Clone()})
	return nil
}

func (tx *transaction) defaultFactorID(exclude string) (string, bool) {
	for id, f := range tx.state.factors {
		if f.IsDefault && id != exclude {
			return id, true
		}
	}
	return "", false
}

// CreateFluenceFactor stores a new conversion factor. At most one default
// factor may exist.
func (tx *transaction) CreateFluenceFactor(f FluenceFactor) (FluenceFactor, error) {
	if f.ID == "" {
		f.ID = tx.store.newID()
	}
	if _, exists := tx.state.factors[f.ID]; exists {
		return FluenceFactor{}, fmt.Errorf("fluence factor %q already exists", f.ID)
	}
	if f.Value < 0 {
		return FluenceFactor{}, fmt.Errorf("fluence factor value must be non-negative")
	}
	if f.IsDefault && !f.Active {
		return FluenceFactor{}, domain.ErrInactiveDefaultFactor
	}
	if f.IsDefault {
		if existing, ok := tx.defaultFactorID(f.ID); ok {
			return FluenceFactor{}, fmt.Errorf("fluence factor %q: %w", existing, domain.ErrDuplicateDefaultFactor)
		}
	}
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	tx.state.factors[f.ID] = f
	tx.recordChange(Change{Entity: domain.EntityFluenceFactor, Action: domain.ActionCreate, After: f})
	return f, nil
}

// UpdateFluenceFactor mutates an existing conversion factor.
func (tx *transaction) UpdateFluenceFactor(id string, mutator func(*FluenceFactor) error) (FluenceFactor, error) {
	current, ok := tx.state.factors[id]
	if !ok {
		return FluenceFactor{}, fmt.Errorf("fluence factor %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return FluenceFactor{}, err
	}
	current.ID = id
	if current.Value < 0 {
		return FluenceFactor{}, fmt.Errorf("fluence factor value must be non-negative")
	}
	if current.IsDefault && !current.Active {
		return FluenceFactor{}, fmt.Errorf("fluence factor %q: %w", id, domain.ErrInactiveDefaultFactor)
	}
	if current.IsDefault {
		if existing, ok := tx.defaultFactorID(id); ok {
			return FluenceFactor{}, fmt.Errorf("fluence factor %q: %w", existing, domain.ErrDuplicateDefaultFactor)
		}
	}
	current.UpdatedAt = tx.now
	tx.state.factors[id] = current
	tx.recordChange(Change{Entity: domain.EntityFluenceFactor, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteFluenceFactor removes a factor no irradiation references.
func (tx *transaction) DeleteFluenceFactor(id string) error {
	current, ok := tx.state.factors[id]
	if !ok {
		return fmt.Errorf("fluence factor %q not found", id)
	}
	for _, rec := range tx.state.irradiations {
		if rec.FluenceFactorID != nil && *rec.FluenceFactorID == id {
			return fmt.Errorf("fluence factor %q still referenced by irradiation %q", id, rec.ID)
		}
	}
	delete(tx.state.factors, id)
	tx.recordChange(Change{Entity: domain.EntityFluenceFactor, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateDosimeter stores a new dosimeter.
func (tx *transaction) CreateDosimeter(d Dosimeter) (Dosimeter, error) {
	if d.ID == "" {
		d.ID = tx.store.newID()
	}
	if _, exists := tx.state.dosimeters[d.ID]; exists {
		return Dosimeter{}, fmt.Errorf("dosimeter %q already exists", d.ID)
	}
	if d.Width < 0 || d.Height < 0 {
		return Dosimeter{}, fmt.Errorf("dosimeter dimensions must be non-negative")
	}
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.dosimeters[d.ID] = d
	tx.recordChange(Change{Entity: domain.EntityDosimeter, Action: domain.ActionCreate, After: d})
	return d, nil
}

// UpdateDosimeter mutates an existing dosimeter.
func (tx *transaction) UpdateDosimeter(id string, mutator func(*Dosimeter) error) (Dosimeter, error) {
	current, ok := tx.state.dosimeters[id]
	if !ok {
		return Dosimeter{}, fmt.Errorf("dosimeter %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return Dosimeter{}, err
	}
	current.ID = id
	if current.Width < 0 || current.Height < 0 {
		return Dosimeter{}, fmt.Errorf("dosimeter dimensions must be non-negative")
	}
	current.UpdatedAt = tx.now
	tx.state.dosimeters[id] = current
	tx.recordChange(Change{Entity: domain.EntityDosimeter, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteDosimeter removes a dosimeter no irradiation references.
func (tx *transaction) DeleteDosimeter(id string) error {
	current, ok := tx.state.dosimeters[id]
	if !ok {
		return fmt.Errorf("dosimeter %q not found", id)
	}
	for _, rec := range tx.state.irradiations {
		if rec.DosimeterID == id {
			return fmt.Errorf("dosimeter %q still referenced by irradiation %q", id, rec.ID)
		}
	}
	delete(tx.state.dosimeters, id)
	tx.recordChange(Change{Entity: domain.EntityDosimeter, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateSample stores a new sample.
func (tx *transaction) CreateSample(smp Sample) (Sample, error) {
	if smp.ID == "" {
		smp.ID = tx.store.newID()
	}
	if _, exists := tx.state.samples[smp.ID]; exists {
		return Sample{}, fmt.Errorf("sample %q already exists", smp.ID)
	}
	smp.CreatedAt = tx.now
	smp.UpdatedAt = tx.now
	tx.state.samples[smp.ID] = smp
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionCreate, After: smp})
	return smp, nil
}

// UpdateSample mutates an existing sample.
func (tx *transaction) UpdateSample(id string, mutator func(*Sample) error) (Sample, error) {
	current, ok := tx.state.samples[id]
	if !ok {
		return Sample{}, fmt.Errorf("sample %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return Sample{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.samples[id] = current
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteSample removes a sample no irradiation references.
func (tx *transaction) DeleteSample(id string) error {
	current, ok := tx.state.samples[id]
	if !ok {
		return fmt.Errorf("sample %q not found", id)
	}
	for _, rec := range tx.state.irradiations {
		if rec.SampleID != nil && *rec.SampleID == id {
			return fmt.Errorf("sample %q still referenced by irradiation %q", id, rec.ID)
		}
	}
	delete(tx.state.samples, id)
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionDelete, Before: current})
	return nil
}

// Read helpers ---------------------------------------------------------------

// GetIrradiation retrieves an irradiation by ID from committed state.
func (s *Store) GetIrradiation(id string) (Irradiation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.irradiations[id]
	if !ok {
		return Irradiation{}, false
	}
	return rec.Clone(), true
}

// ListIrradiations returns all irradiations from committed state.
func (s *Store) ListIrradiations() []Irradiation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIrradiations(s.state.irradiations, nil)
}

// ListFluenceFactors returns all conversion factors from committed state.
func (s *Store) ListFluenceFactors() []FluenceFactor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedFactors(s.state.factors)
}

// ListDosimeters returns all dosimeters from committed state.
func (s *Store) ListDosimeters() []Dosimeter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedDosimeters(s.state.dosimeters)
}

// ListSamples returns all samples from committed state.
func (s *Store) ListSamples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedSamples(s.state.samples)
}
