package db

import (
	"errors"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE users SET salary=salary+? WHERE id=?`
	if got := Rebind(SQLite, q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE users SET salary=salary+$1 WHERE id=$2`
	if got := Rebind(Postgres, q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestDialectFromDriver(t *testing.T) {
	for driver, want := range map[string]Dialect{"": SQLite, "sqlite": SQLite, "postgres": Postgres, "pgx": Postgres} {
		if got := (Config{Driver: driver}).Dialect(); got != want {
			t.Errorf("driver %q -> %s, want %s", driver, got, want)
		}
	}
}

func TestUniqueViolationOnSQLite(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Exec(`CREATE TABLE t(id INTEGER PRIMARY KEY, k TEXT UNIQUE)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO t(k) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = conn.Exec(`INSERT INTO t(k) VALUES ('a')`)
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(errors.New("other")) || IsUniqueViolation(nil) {
		t.Fatalf("plain errors are not unique violations")
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected dsn error")
	}
}
