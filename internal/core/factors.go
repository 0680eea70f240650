package core

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"fluencecore/pkg/domain"
)

// DefaultFactorValue is the value of the fallback factor.
const DefaultFactorValue = 1.0

// FactorRegistry resolves the conversion factor for a table and dosimeter
// geometry, falling back to a single lazily created default factor.
type FactorRegistry struct {
	store  domain.PersistentStore
	logger Logger
	group  singleflight.Group
}

// NewFactorRegistry constructs a registry over store.
func NewFactorRegistry(store domain.PersistentStore, logger Logger) *FactorRegistry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &FactorRegistry{store: store, logger: logger}
}

// LookupFactor returns the active non-default factor matching table and
// geometry exactly, along with the number of matches. The factor is only set
// when exactly one matched.
func LookupFactor(factors []domain.FluenceFactor, table string, height, width float64) (domain.FluenceFactor, int) {
	var match domain.FluenceFactor
	n := 0
	for _, f := range factors {
		if f.Matches(table, height, width) {
			match = f
			n++
		}
	}
	if n != 1 {
		return domain.FluenceFactor{}, n
	}
	return match, 1
}

// Resolve picks the factor for the geometry, creating the default if needed.
func (r *FactorRegistry) Resolve(ctx context.Context, factors []domain.FluenceFactor, table string, height, width float64) (domain.FluenceFactor, error) {
	f, n := LookupFactor(factors, table, height, width)
	if n == 1 {
		return f, nil
	}
	r.logger.Debug("fluence factor fallback to default", "table", table, "height", height, "width", width, "matches", n)
	for _, f := range factors {
		if f.IsDefault {
			return f, nil
		}
	}
	return r.GetOrCreateDefaultFactor(ctx)
}

// GetOrCreateDefaultFactor returns the default factor, creating it on first
// use. Concurrent callers in this process share one creation; the store's
// uniqueness check settles races with other processes.
func (r *FactorRegistry) GetOrCreateDefaultFactor(ctx context.Context) (domain.FluenceFactor, error) {
	v, err, _ := r.group.Do("default", func() (any, error) {
		if f, ok := r.findDefault(); ok {
			return f, nil
		}
		var created domain.FluenceFactor
		_, err := r.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.CreateFluenceFactor(domain.FluenceFactor{
				Value:     DefaultFactorValue,
				Active:    true,
				IsDefault: true,
			})
			return err
		})
		if errors.Is(err, domain.ErrDuplicateDefaultFactor) {
			if f, ok := r.findDefault(); ok {
				return f, nil
			}
		}
		if err != nil {
			return domain.FluenceFactor{}, fmt.Errorf("create default fluence factor: %w", err)
		}
		r.logger.Info("created default fluence factor", "id", created.ID)
		return created, nil
	})
	if err != nil {
		return domain.FluenceFactor{}, err
	}
	return v.(domain.FluenceFactor), nil
}

func (r *FactorRegistry) findDefault() (domain.FluenceFactor, bool) {
	for _, f := range r.store.ListFluenceFactors() {
		if f.IsDefault {
			return f, true
		}
	}
	return domain.FluenceFactor{}, false
}
