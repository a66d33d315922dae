package sharesink

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func createTestSharesDB(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir db dir: %v", err)
	}
	db, err := sql.Open("sqlite", path+"?_foreign_keys=1")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := ensureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
}

func TestSnapshotSQLiteCreatesCopy(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "shares.db")
	createTestSharesDB(t, dbPath)

	snap, err := snapshotSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("snapshotSQLite: %v", err)
	}
	defer os.Remove(snap)
	if _, err := os.Stat(snap); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}

func TestOpenBackupNoopWhenUnconfigured(t *testing.T) {
	svc, err := OpenBackup(context.Background(), BackupConfig{}, "unused.db")
	if err != nil {
		t.Fatalf("OpenBackup: %v", err)
	}
	if svc != nil {
		t.Fatalf("expected a nil Backup for an empty config, got %+v", svc)
	}
	// Start must tolerate a nil receiver so callers can wire it unconditionally.
	svc.Start(context.Background())
}

func TestOpenBackupRejectsPartialCredentials(t *testing.T) {
	_, err := OpenBackup(context.Background(), BackupConfig{Bucket: "only-bucket-set"}, "unused.db")
	if err == nil {
		t.Fatal("expected an error for incomplete backblaze credentials")
	}
}

func TestSanitizeObjectPrefix(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"backups":   "backups/",
		"/backups/": "backups/",
	}
	for in, want := range cases {
		if got := sanitizeObjectPrefix(in); got != want {
			t.Errorf("sanitizeObjectPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
