package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fluencecore/internal/infra/persistence/memory"
	"fluencecore/pkg/domain"
)

func TestLookupFactor(t *testing.T) {
	factors := []domain.FluenceFactor{
		{Base: domain.Base{ID: "a"}, Value: 2, Table: "T1", DosimeterHeight: 1, DosimeterWidth: 1, Active: true},
		{Base: domain.Base{ID: "b"}, Value: 3, Table: "T1", DosimeterHeight: 2, DosimeterWidth: 1, Active: true},
		{Base: domain.Base{ID: "c"}, Value: 4, Table: "T2", DosimeterHeight: 2, DosimeterWidth: 1, Active: true},
		{Base: domain.Base{ID: "d"}, Value: 5, Table: "T2", DosimeterHeight: 2, DosimeterWidth: 1, Active: true},
		{Base: domain.Base{ID: "e"}, Value: 6, Table: "T3", DosimeterHeight: 1, DosimeterWidth: 1},
		{Base: domain.Base{ID: "def"}, Value: 1, Active: true, IsDefault: true},
	}
	cases := []struct {
		name   string
		table  string
		h, w   float64
		wantID string
		wantN  int
	}{
		{"exact", "T1", 1, 1, "a", 1},
		{"geometry distinguishes", "T1", 2, 1, "b", 1},
		{"transposed geometry misses", "T1", 1, 2, "", 0},
		{"ambiguous", "T2", 2, 1, "", 2},
		{"inactive ignored", "T3", 1, 1, "", 0},
		{"default never matches", "", 0, 0, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				f, n := LookupFactor(factors, tc.table, tc.h, tc.w)
				if n != tc.wantN || f.ID != tc.wantID {
					t.Fatalf("expected (%q, %d), got (%q, %d)", tc.wantID, tc.wantN, f.ID, n)
				}
			}
		})
	}
}

func TestAmbiguousFactorFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.CreateFluenceFactor(ctx, domain.FluenceFactor{Value: 5, Table: "T1", DosimeterHeight: 1, DosimeterWidth: 1, Active: true}); err != nil {
		t.Fatalf("create second factor: %v", err)
	}
	f.pulse(30*time.Minute, 60)
	rec := f.create(t, f.irradiation(timePtr(t0), timePtr(t0.Add(time.Hour))))[0]

	assertFloat(t, "estimated", rec.EstimatedFluence, 60)
	var def domain.FluenceFactor
	for _, factor := range f.svc.Store().ListFluenceFactors() {
		if factor.IsDefault {
			def = factor
		}
	}
	if def.ID == "" || def.Value != DefaultFactorValue || !def.Active {
		t.Fatalf("expected default factor to be created, got %+v", def)
	}
	if rec.FluenceFactorID == nil || *rec.FluenceFactorID != def.ID {
		t.Fatalf("expected default factor id %s, got %v", def.ID, rec.FluenceFactorID)
	}
	if f.logger.count("debug", "fluence factor fallback to default") == 0 {
		t.Fatalf("expected debug log for fallback")
	}
}

func TestMissingFactorFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.svc.SetFluenceFactorActive(ctx, f.factor.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	f.pulse(30*time.Minute, 60)
	rec := f.create(t, f.irradiation(timePtr(t0), timePtr(t0.Add(time.Hour))))[0]
	assertFloat(t, "estimated", rec.EstimatedFluence, 60)

	if _, _, err := f.svc.SetFluenceFactorActive(ctx, f.factor.ID, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := f.svc.RecomputeState(ctx, []string{rec.ID}, false); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	assertFloat(t, "estimated after reactivation", f.get(t, rec.ID).EstimatedFluence, 120)
}

func TestGetOrCreateDefaultFactorIsIdempotent(t *testing.T) {
	store := memory.NewStore(nil)
	reg := NewFactorRegistry(store, nil)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	errs := make([]error, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := reg.GetOrCreateDefaultFactor(context.Background())
			ids[i], errs[i] = f.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected a single default, got %s and %s", ids[0], ids[i])
		}
	}

	other := NewFactorRegistry(store, nil)
	f, err := other.GetOrCreateDefaultFactor(context.Background())
	if err != nil || f.ID != ids[0] {
		t.Fatalf("expected second registry to reuse %s, got %s (%v)", ids[0], f.ID, err)
	}

	defaults := 0
	for _, factor := range store.ListFluenceFactors() {
		if factor.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default factor, got %d", defaults)
	}
}

// staleListStore hides existing factors from the first listing, as a
// concurrent process would see before the other's commit.
type staleListStore struct {
	domain.PersistentStore
	listed atomic.Bool
}

func (s *staleListStore) ListFluenceFactors() []domain.FluenceFactor {
	if !s.listed.Swap(true) {
		return nil
	}
	return s.PersistentStore.ListFluenceFactors()
}

func TestGetOrCreateDefaultFactorRereadsAfterLosingRace(t *testing.T) {
	inner := memory.NewStore(nil)
	var existing domain.FluenceFactor
	if _, err := inner.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		existing, err = tx.CreateFluenceFactor(domain.FluenceFactor{Value: 1, Active: true, IsDefault: true})
		return err
	}); err != nil {
		t.Fatalf("seed default: %v", err)
	}

	reg := NewFactorRegistry(&staleListStore{PersistentStore: inner}, nil)
	f, err := reg.GetOrCreateDefaultFactor(context.Background())
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if f.ID != existing.ID {
		t.Fatalf("expected existing default %s, got %s", existing.ID, f.ID)
	}
}

func TestDuplicateDefaultFactorRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Factors().GetOrCreateDefaultFactor(ctx); err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, _, err := f.svc.CreateFluenceFactor(ctx, domain.FluenceFactor{Value: 1, Active: true, IsDefault: true}); !errors.Is(err, domain.ErrDuplicateDefaultFactor) {
		t.Fatalf("expected second default to be rejected, got %v", err)
	}
}

func TestDefaultFactorCannotBeDeactivated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.svc.Factors().GetOrCreateDefaultFactor(ctx)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, _, err := f.svc.SetFluenceFactorActive(ctx, def.ID, false); !errors.Is(err, domain.ErrInactiveDefaultFactor) {
		t.Fatalf("expected inactive default rejection, got %v", err)
	}

	rec := f.create(t, domain.Irradiation{
		SampleID:      strPtr(f.sample.ID),
		DosimeterID:   f.dosimeter.ID,
		Table:         "T9",
		TablePosition: "P1",
		DosPosition:   "1",
		DateIn:        timePtr(t0),
		DateOut:       timePtr(t0.Add(time.Hour)),
	})[0]
	if rec.FluenceFactorID == nil || *rec.FluenceFactorID != def.ID {
		t.Fatalf("expected default factor %s, got %v", def.ID, rec.FluenceFactorID)
	}
	for _, factor := range f.svc.Store().ListFluenceFactors() {
		if factor.IsDefault && !factor.Active {
			t.Fatalf("default factor stored inactive: %+v", factor)
		}
	}
}
