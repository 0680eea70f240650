package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fluencecore/internal/infra/beam/memfeed"
	"fluencecore/pkg/domain"
)

var t0 = time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

func strPtr(v string) *string { return &v }

func floatPtr(v float64) *float64 { return &v }

func timePtr(v time.Time) *time.Time { return &v }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("error", msg, args) }

func (l *captureLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

// fixture is a service over an in-memory store with one sample, one 1x1
// dosimeter and a value-2 factor for table T1.
type fixture struct {
	svc       *Service
	feed      *memfeed.Feed
	clock     *fakeClock
	logger    *captureLogger
	sample    domain.Sample
	dosimeter domain.Dosimeter
	factor    domain.FluenceFactor
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		feed:   memfeed.New(),
		clock:  newFakeClock(t0.Add(3 * time.Hour)),
		logger: &captureLogger{},
	}
	all := append([]ServiceOption{
		WithClock(f.clock),
		WithLogger(f.logger),
		WithBeamSource(f.feed),
	}, opts...)
	f.svc = NewInMemoryService(nil, all...)

	ctx := context.Background()
	var err error
	if f.sample, _, err = f.svc.CreateSample(ctx, domain.Sample{Name: "S-1", ExperimentID: "EXP-7"}); err != nil {
		t.Fatalf("create sample: %v", err)
	}
	if f.dosimeter, _, err = f.svc.CreateDosimeter(ctx, domain.Dosimeter{Identifier: "D1", Width: 1, Height: 1}); err != nil {
		t.Fatalf("create dosimeter: %v", err)
	}
	if f.factor, _, err = f.svc.CreateFluenceFactor(ctx, domain.FluenceFactor{Value: 2, Table: "T1", DosimeterHeight: 1, DosimeterWidth: 1, Active: true}); err != nil {
		t.Fatalf("create factor: %v", err)
	}
	return f
}

func (f *fixture) pulse(offset time.Duration, value float64) {
	f.feed.Add(memfeed.Pulse{Channel: DefaultChannel, At: t0.Add(offset), Value: value})
}

func (f *fixture) irradiation(dateIn, dateOut *time.Time) domain.Irradiation {
	return domain.Irradiation{
		SampleID:      strPtr(f.sample.ID),
		DosimeterID:   f.dosimeter.ID,
		Table:         "T1",
		TablePosition: "P1",
		DosPosition:   "1",
		DateIn:        dateIn,
		DateOut:       dateOut,
	}
}

func (f *fixture) create(t *testing.T, recs ...domain.Irradiation) []domain.Irradiation {
	t.Helper()
	created, _, err := f.svc.CreateIrradiations(context.Background(), recs)
	if err != nil {
		t.Fatalf("create irradiations: %v", err)
	}
	return created
}

func (f *fixture) get(t *testing.T, id string) domain.Irradiation {
	t.Helper()
	rec, ok := f.svc.Store().GetIrradiation(id)
	if !ok {
		t.Fatalf("irradiation %s missing", id)
	}
	return rec
}

func assertFloat(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %v, got nil", name, want)
	}
	if *got != want {
		t.Fatalf("%s: expected %v, got %v", name, want, *got)
	}
}

func assertTime(t *testing.T, name string, got *time.Time, want time.Time) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %s, got nil", name, want)
	}
	if !got.Equal(want) {
		t.Fatalf("%s: expected %s, got %s", name, want, *got)
	}
	if got.Location() != time.UTC {
		t.Fatalf("%s: expected UTC, got %s", name, got.Location())
	}
}

type auditCapture struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *auditCapture) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func (c *auditCapture) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type metricsCapture struct {
	mu       sync.Mutex
	calls    []metricsCall
	degraded map[string]int
}

func (c *metricsCapture) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
	c.mu.Unlock()
}

func (c *metricsCapture) FeedDegraded(_ context.Context, query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded == nil {
		c.degraded = map[string]int{}
	}
	c.degraded[query]++
}

func (c *metricsCapture) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type tracerCapture struct {
	mu      sync.Mutex
	started []string
	ended   []spanRecord
}

func (c *tracerCapture) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.mu.Lock()
	c.started = append(c.started, op)
	c.mu.Unlock()
	return ctx, &spanCapture{tracer: c, op: op}
}

func (c *tracerCapture) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.ended {
		if r.op == op && (r.err == nil) == success {
			return true
		}
	}
	return false
}

type spanCapture struct {
	tracer *tracerCapture
	op     string
}

func (s *spanCapture) End(err error) {
	s.tracer.mu.Lock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
	s.tracer.mu.Unlock()
}

// recordingFeed remembers the bounds of every query.
type recordingFeed struct {
	sum    float64
	first  *time.Time
	last   *time.Time
	err    error
	bounds [][2]time.Time
}

func (f *recordingFeed) note(from, to time.Time) {
	f.bounds = append(f.bounds, [2]time.Time{from, to})
}

func (f *recordingFeed) SumCharge(_ context.Context, _ string, from, to time.Time) (float64, error) {
	f.note(from, to)
	return f.sum, f.err
}

func (f *recordingFeed) FirstPulse(_ context.Context, _ string, from, to time.Time) (*time.Time, error) {
	f.note(from, to)
	return f.first, f.err
}

func (f *recordingFeed) LastPulse(_ context.Context, _ string, from, to time.Time) (*time.Time, error) {
	f.note(from, to)
	return f.last, f.err
}

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func describe(rec domain.Irradiation) string {
	return fmt.Sprintf("%s status=%s sec=%v", rec.ID, rec.Status, rec.Sec)
}
