// Package core hosts the fluence service: irradiation lifecycle transitions,
// beam-charge accumulation, conversion factor resolution and dose reading
// aggregation, wrapped with logging, metrics, tracing and audit hooks.
package core

import (
	"context"
	"sync/atomic"
	"time"

	"fluencecore/internal/infra/persistence/memory"
	"fluencecore/pkg/domain"
)

// Service exposes the fluence operations over a persistent store.
type Service struct {
	store   domain.PersistentStore
	factors *FactorRegistry
	calc    *Calculator

	clock   Clock
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	opts    serviceOptions

	degradations atomic.Int64
}

// NewService constructs a service backed by store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	svc := &Service{
		store:   store,
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
		audit:   o.audit,
		opts:    o,
	}
	svc.factors = NewFactorRegistry(store, o.logger)
	svc.calc = NewCalculator(o.feed, o.location, o.channels, o.logger, svc.feedDegraded)
	return svc
}

// NewInMemoryService creates a service over a fresh in-memory store. A nil
// engine gets the default rules bound to the service clock.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		o := defaultServiceOptions()
		for _, opt := range opts {
			opt(&o)
		}
		engine = domain.NewRulesEngine()
		engine.Register(DateRangeRule{Now: o.clock.Now})
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Factors returns the conversion factor registry.
func (s *Service) Factors() *FactorRegistry { return s.factors }

// FeedDegradations reports how many feed queries fell back to defaults.
func (s *Service) FeedDegradations() int64 { return s.degradations.Load() }

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

func (s *Service) feedDegraded(ctx context.Context, query string) {
	s.degradations.Add(1)
	if rec, ok := s.metrics.(FeedDegradationRecorder); ok {
		rec.FeedDegraded(ctx, query)
	}
}

type operationMeta struct {
	entity domain.EntityType
	action domain.Action
}

var operationMetadata = map[string]operationMeta{
	"create_irradiations":       {domain.EntityIrradiation, domain.ActionCreate},
	"update_irradiation":        {domain.EntityIrradiation, domain.ActionUpdate},
	"delete_irradiation":        {domain.EntityIrradiation, domain.ActionDelete},
	"recompute_state":           {domain.EntityIrradiation, domain.ActionUpdate},
	"refresh_ongoing":           {domain.EntityIrradiation, domain.ActionUpdate},
	"toggle_beam":               {domain.EntityIrradiation, domain.ActionUpdate},
	"create_dosimeter":          {domain.EntityDosimeter, domain.ActionCreate},
	"create_sample":             {domain.EntitySample, domain.ActionCreate},
	"create_fluence_factor":     {domain.EntityFluenceFactor, domain.ActionCreate},
	"set_fluence_factor_active": {domain.EntityFluenceFactor, domain.ActionUpdate},
}

// run wraps fn with tracing, metrics, logging and audit. fn returns the ID of
// the entity it acted on, if any.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	s.logger.Debug("operation started", "op", op)

	entityID, err := fn(ctx)

	duration := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		s.logger.Error("operation failed", "op", op, "entity_id", entityID, "error", err)
		s.recordAuditFailure(ctx, op, entityID, duration, err)
		return err
	}
	s.logger.Debug("operation completed", "op", op, "entity_id", entityID, "duration", duration)
	s.recordAuditSuccess(ctx, op, entityID, duration)
	return nil
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	s.recordAudit(ctx, op, entityID, duration, AuditStatusSuccess, "")
}

func (s *Service) recordAuditFailure(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	s.recordAudit(ctx, op, entityID, duration, AuditStatusError, err.Error())
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, status AuditStatus, msg string) {
	meta, ok := operationMetadata[op]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    status,
		Error:     msg,
		Duration:  duration,
		Timestamp: s.now(),
	})
}
