package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", "", false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMemorySchema(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	if s.Dialect() != DialectSQLite {
		t.Fatalf("dialect = %s", s.Dialect())
	}

	// The baseline tables exist and accept rows.
	if _, err := s.ExecContext(ctx, `
		INSERT INTO wal_writes (write_id, method, path, target_instance) VALUES ('w1', 'POST', '/p', 'replica')`); err != nil {
		t.Fatalf("insert wal row: %v", err)
	}
	if _, err := s.ExecContext(ctx, `
		INSERT INTO collection_mappings (collection_name, primary_uuid) VALUES ('c', 'u1')`); err != nil {
		t.Fatalf("insert mapping row: %v", err)
	}
	if _, err := s.ExecContext(ctx, `
		INSERT INTO transaction_log (transaction_id, method, path) VALUES ('t1', 'POST', '/p')`); err != nil {
		t.Fatalf("insert txlog row: %v", err)
	}

	var n int
	if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_writes`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("count = %d err = %v", n, err)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(ctx, "", dir, false)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s1.ExecContext(ctx, `
		INSERT INTO wal_writes (write_id, method, path, target_instance) VALUES ('w1', 'POST', '/p', 'replica')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Schema init and migrations must tolerate an existing database.
	s2, err := Open(ctx, "", dir, false)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var n int
	if err := s2.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_writes`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("data lost across reopen: count = %d err = %v", n, err)
	}
	if s2.Path() != filepath.Join(dir, "vecgate.db") {
		t.Errorf("path = %s", s2.Path())
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://nope", "", false); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestIsRetryableError(t *testing.T) {
	if isRetryableError(nil) {
		t.Error("nil is not retryable")
	}
	for _, msg := range []string{
		"driver: bad connection",
		"dial tcp: connection refused",
		"Error 2006: MySQL server has gone away",
		"database is locked",
	} {
		if !isRetryableError(errString(msg)) {
			t.Errorf("%q should be retryable", msg)
		}
	}
	if isRetryableError(errString("syntax error near SELECT")) {
		t.Error("semantic errors are not retryable")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestGranularLocks(t *testing.T) {
	l := NewLocks(true)
	unlockWAL := l.LockWAL()
	// Different domains must not contend when granular locking is on.
	unlockMapping := l.LockMapping()
	unlockMapping()
	unlockWAL()

	single := NewLocks(false)
	u1 := single.LockWAL()
	u1()
	u2 := single.LockMapping()
	u2()
}
