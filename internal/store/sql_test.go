package store

import (
	"context"
	"strings"
	"testing"
)

func TestDialect_Rebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := postgresDialect.rebind(q); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := mysqlDialect.rebind(q); got != q {
		t.Errorf("mysql rebind = %q, want unchanged", got)
	}
}

func TestInsertForecastQuery(t *testing.T) {
	query, args := insertForecastQuery(3, forecastWithMax(20))
	if strings.Count(query, "(?, ?, ?, ?, ?)") != 7 {
		t.Errorf("query has %d value tuples, want 7: %s", strings.Count(query, "(?, ?, ?, ?, ?)"), query)
	}
	if len(args) != 35 {
		t.Fatalf("len(args) = %d, want 35", len(args))
	}
	if args[0] != int64(3) || args[1] != "2026-03-01" {
		t.Errorf("first tuple args = %v", args[:5])
	}
	rebound := postgresDialect.rebind(query)
	if !strings.Contains(rebound, "$35") {
		t.Errorf("rebound query missing $35: %s", rebound)
	}
}

func TestNormalizeMySQLDSN(t *testing.T) {
	got, err := normalizeMySQLDSN("weather:secret@tcp(localhost:3306)/weather")
	if err != nil {
		t.Fatalf("normalizeMySQLDSN() error = %v", err)
	}
	if !strings.Contains(got, "parseTime=true") {
		t.Errorf("DSN %q missing parseTime=true", got)
	}
	if _, err := normalizeMySQLDSN("not a dsn"); err == nil {
		t.Error("normalizeMySQLDSN(invalid) error = nil, want error")
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{Backend: "memory"}, nil)
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T, want *MemoryStore", s)
	}
}

func TestOpen_Errors(t *testing.T) {
	tests := []Config{
		{Backend: "postgres"},
		{Backend: "oracle", DSN: "x"},
		{Backend: "mysql", DSN: "not a dsn"},
	}
	for _, cfg := range tests {
		if _, err := Open(context.Background(), cfg, nil); err == nil {
			t.Errorf("Open(%+v) error = nil, want error", cfg)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	for _, driver := range []string{DriverPostgres, DriverMySQL} {
		entries, err := migrationFS.ReadDir("migrations/" + driver)
		if err != nil {
			t.Fatalf("ReadDir(%s) error = %v", driver, err)
		}
		if len(entries) < 2 {
			t.Errorf("%s migrations = %d files, want up and down", driver, len(entries))
		}
	}
}
