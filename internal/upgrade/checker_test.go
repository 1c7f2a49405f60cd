package upgrade

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/wabridge/internal/store/sqlite"
)

func TestCheckSchema_Migrated(t *testing.T) {
	db, err := sqlite.OpenDB(filepath.Join(t.TempDir(), "wa.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	s, err := CheckSchema(context.Background(), db.DB)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !s.Compatible || s.CurrentVersion != RequiredSchemaVersion {
		t.Fatalf("expected compatible v%d, got %+v", RequiredSchemaVersion, s)
	}
	if s.Err() != nil {
		t.Fatalf("expected nil error, got %v", s.Err())
	}
}

func TestStatusErr(t *testing.T) {
	cases := []struct {
		name string
		s    SchemaStatus
		want error
		hint string
	}{
		{"fresh", SchemaStatus{RequiredVersion: 1, NeedsMigration: true}, ErrSchemaOutdated, "migrate up"},
		{"dirty", SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Dirty: true}, ErrSchemaDirty, "migrate force 0"},
		{"ahead", SchemaStatus{CurrentVersion: 3, RequiredVersion: 1}, ErrSchemaAhead, "upgrade the wabridge binary"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.s.Err(), tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, tc.s.Err())
			}
			if msg := FormatError(&tc.s); !strings.Contains(msg, tc.hint) {
				t.Fatalf("expected %q in %q", tc.hint, msg)
			}
		})
	}
}
