// Package sqlfeed reads beam-charge pulses from a SQL table. The same queries
// run on SQLite (modernc) and Postgres (pgx); only placeholders differ.
//
// Pulse timestamps are stored as fixed-width facility-local wall time text so
// that lexical and chronological order agree on both engines.
package sqlfeed

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fluencecore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres feeds
	_ "modernc.org/sqlite"             // embedded feeds
)

var _ domain.BeamChargeSource = (*Feed)(nil)

// Layout is the stored timestamp format.
const Layout = "2006-01-02T15:04:05.000000"

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	driver string
	// positional placeholder for argument n (1-based)
	placeholder func(n int) string
}

var dialects = map[string]dialect{
	"sqlite":   {driver: "sqlite", placeholder: func(int) string { return "?" }},
	"postgres": {driver: "pgx", placeholder: func(n int) string { return "$" + strconv.Itoa(n) }},
}

// Feed implements domain.BeamChargeSource over database/sql.
type Feed struct {
	db    *sql.DB
	table string
	d     dialect
	loc   *time.Location
}

// Open connects to dsn using kind ("sqlite" or "postgres") and ensures the
// pulse table exists.
func Open(ctx context.Context, kind, dsn, table string, loc *time.Location) (*Feed, error) {
	d, ok := dialects[kind]
	if !ok {
		return nil, fmt.Errorf("unknown feed driver %s", kind)
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	f, err := New(db, kind, table, loc)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := f.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return f, nil
}

// New wraps an existing handle.
func New(db *sql.DB, kind, table string, loc *time.Location) (*Feed, error) {
	d, ok := dialects[kind]
	if !ok {
		return nil, fmt.Errorf("unknown feed driver %s", kind)
	}
	if !identRE.MatchString(table) {
		return nil, fmt.Errorf("invalid feed table name %q", table)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Feed{db: db, table: table, d: d, loc: loc}, nil
}

// EnsureSchema creates the pulse table and its lookup index if missing.
func (f *Feed) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			channel TEXT NOT NULL,
			ts TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL
		)`, f.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_channel_ts ON %s (channel, ts)`, f.table, f.table),
	}
	for _, stmt := range stmts {
		if _, err := f.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure feed schema: %w", err)
		}
	}
	return nil
}

// Record appends a pulse. Used by ingestion tooling and tests.
func (f *Feed) Record(ctx context.Context, channel string, at time.Time, value float64) error {
	q := fmt.Sprintf(`INSERT INTO %s (channel, ts, value) VALUES (%s, %s, %s)`,
		f.table, f.d.placeholder(1), f.d.placeholder(2), f.d.placeholder(3))
	if _, err := f.db.ExecContext(ctx, q, channel, f.format(at), value); err != nil {
		return fmt.Errorf("record pulse: %w", err)
	}
	return nil
}

// SumCharge totals positive pulses strictly between from and to.
func (f *Feed) SumCharge(ctx context.Context, channel string, from, to time.Time) (float64, error) {
	var sum float64
	if err := f.db.QueryRowContext(ctx, f.query("COALESCE(SUM(value), 0)"), f.args(channel, from, to)...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum charge: %w", err)
	}
	return sum, nil
}

// FirstPulse returns the earliest positive pulse strictly between from and to.
func (f *Feed) FirstPulse(ctx context.Context, channel string, from, to time.Time) (*time.Time, error) {
	return f.edge(ctx, "MIN(ts)", channel, from, to)
}

// LastPulse returns the latest positive pulse strictly between from and to.
func (f *Feed) LastPulse(ctx context.Context, channel string, from, to time.Time) (*time.Time, error) {
	return f.edge(ctx, "MAX(ts)", channel, from, to)
}

// Close releases the database handle.
func (f *Feed) Close() error { return f.db.Close() }

func (f *Feed) edge(ctx context.Context, agg, channel string, from, to time.Time) (*time.Time, error) {
	var raw sql.NullString
	if err := f.db.QueryRowContext(ctx, f.query(agg), f.args(channel, from, to)...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("pulse %s: %w", strings.ToLower(agg[:3]), err)
	}
	if !raw.Valid {
		return nil, nil
	}
	ts, err := time.ParseInLocation(Layout, raw.String, f.loc)
	if err != nil {
		return nil, fmt.Errorf("parse pulse time %q: %w", raw.String, err)
	}
	return &ts, nil
}

func (f *Feed) query(selectExpr string) string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE channel = %s AND ts > %s AND ts < %s AND value > 0`,
		selectExpr, f.table, f.d.placeholder(1), f.d.placeholder(2), f.d.placeholder(3))
}

func (f *Feed) args(channel string, from, to time.Time) []any {
	return []any{channel, f.format(from), f.format(to)}
}

func (f *Feed) format(t time.Time) string {
	return t.In(f.loc).Format(Layout)
}
