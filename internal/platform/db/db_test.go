package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx from empty context, got %v", tx)
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not a tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Errorf("expected nil tx for wrong value type, got %v", tx)
	}
}

func TestConnFromContext_Nil(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Errorf("expected nil conn from empty context, got %v", conn)
	}
}

func TestTenantFromContext(t *testing.T) {
	if tid := TenantFromContext(context.Background()); tid != "" {
		t.Errorf("expected empty tenant from empty context, got %q", tid)
	}

	ctx := context.WithValue(context.Background(), TenantIDKey, "acme")
	if tid := TenantFromContext(ctx); tid != "acme" {
		t.Errorf("TenantFromContext = %q, want acme", tid)
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"default", true},
		{"tenant_42", true},
		{"ACME", true},
		{"", false},
		{"a-b", false},
		{"x; DROP TABLE patient", false},
		{"tenant.name", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := tenantIDPattern.MatchString(tt.id); got != tt.valid {
				t.Errorf("tenantIDPattern(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestLoadMigrations_OrderAndFiltering(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"002_search.sql":  "CREATE TABLE search_parameter ();",
		"001_core.sql":    "CREATE TABLE patient ();",
		"010_audit.sql":   "CREATE TABLE bundle_log ();",
		"notes.txt":       "not a migration",
		"README.sql":      "no numeric prefix",
		"badversion_x.sq": "wrong extension",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("got %d migrations, want 3", len(migrations))
	}

	wantVersions := []int{1, 2, 10}
	for i, want := range wantVersions {
		if migrations[i].Version != want {
			t.Errorf("migrations[%d].Version = %d, want %d", i, migrations[i].Version, want)
		}
	}

	if migrations[0].SQL != "CREATE TABLE patient ();" {
		t.Errorf("migration 1 SQL = %q", migrations[0].SQL)
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	m := NewMigrator(nil, "/nonexistent/migrations")
	if _, err := m.LoadMigrations(); err == nil {
		t.Error("expected error for missing migrations directory")
	}
}
