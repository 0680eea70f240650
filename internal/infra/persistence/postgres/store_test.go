package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"fluencecore/internal/infra/persistence/postgres/testutil"
	"fluencecore/pkg/domain"
)

func openStub(t *testing.T) *testutil.StubConn {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" {
			t.Fatalf("unexpected driver %q", driver)
		}
		return db, nil
	})
	t.Cleanup(restore)
	return conn
}

func seed(t *testing.T, store *Store) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateDosimeter(domain.Dosimeter{Base: domain.Base{ID: "dos-1"}, Identifier: "D-1", Width: 1, Height: 1}); err != nil {
			return err
		}
		_, err := tx.CreateIrradiation(domain.Irradiation{Base: domain.Base{ID: "irr-1"}, DosimeterID: "dos-1", DosPosition: "1"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestNewStorePersistsAndReloads(t *testing.T) {
	conn := openStub(t)
	ctx := context.Background()
	store, err := NewStore(ctx, "", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	seed(t, store)

	if len(conn.Execs) == 0 || !strings.Contains(conn.Execs[0], "CREATE TABLE IF NOT EXISTS state") {
		t.Fatalf("expected state table ddl first, got %v", conn.Execs)
	}
	payload, ok := conn.Bucket("irradiations")
	if !ok {
		t.Fatalf("expected irradiations bucket to be written")
	}
	var decoded map[string]domain.Irradiation
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if _, ok := decoded["irr-1"]; !ok {
		t.Fatalf("expected irr-1 in payload, got %v", decoded)
	}

	reloaded, err := NewStore(ctx, "postgres://example", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	rec, ok := reloaded.GetIrradiation("irr-1")
	if !ok {
		t.Fatalf("expected irradiation after reload")
	}
	if rec.Status != domain.StatusUnstarted {
		t.Fatalf("expected unstarted status, got %s", rec.Status)
	}
	if len(reloaded.ListDosimeters()) != 1 {
		t.Fatalf("expected dosimeter after reload")
	}
}

func TestNewStoreErrors(t *testing.T) {
	ctx := context.Background()
	t.Run("open", func(t *testing.T) {
		restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
		defer restore()
		if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
			t.Fatalf("expected open error, got %v", err)
		}
	})
	t.Run("ping", func(t *testing.T) {
		conn := openStub(t)
		conn.FailPing = true
		if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "ping postgres") {
			t.Fatalf("expected ping error, got %v", err)
		}
	})
	t.Run("ddl", func(t *testing.T) {
		conn := openStub(t)
		conn.FailExec = true
		if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "ensure state table") {
			t.Fatalf("expected ddl error, got %v", err)
		}
	})
	t.Run("rows", func(t *testing.T) {
		conn := openStub(t)
		conn.Buckets["samples"] = []byte(`{}`)
		conn.RowsErr = errors.New("cursor lost")
		if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "iterate state") {
			t.Fatalf("expected rows error, got %v", err)
		}
	})
	t.Run("decode", func(t *testing.T) {
		conn := openStub(t)
		conn.Buckets["irradiations"] = []byte(`not-json`)
		if _, err := NewStore(ctx, "", nil); err == nil || !strings.Contains(err.Error(), "decode irradiations") {
			t.Fatalf("expected decode error, got %v", err)
		}
	})
}

func TestRunInTransactionPersistFailures(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		arm  func(*testutil.StubConn)
		want string
	}{
		{"begin", func(c *testutil.StubConn) { c.FailBegin = true }, "begin tx"},
		{"exec", func(c *testutil.StubConn) { c.FailExec = true }, "upsert dosimeters"},
		{"commit", func(c *testutil.StubConn) { c.FailCommit = true }, "commit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := openStub(t)
			store, err := NewStore(ctx, "", nil)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			tc.arm(conn)
			_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				_, err := tx.CreateSample(domain.Sample{Name: "S1"})
				return err
			})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestRunInTransactionSkipsPersistOnFailure(t *testing.T) {
	conn := openStub(t)
	store, err := NewStore(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	execs := len(conn.Execs)
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected abort error")
	}
	if len(conn.Execs) != execs {
		t.Fatalf("expected no writes after failed transaction, got %v", conn.Execs[execs:])
	}
	if store.DB() == nil {
		t.Fatalf("expected db handle")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
