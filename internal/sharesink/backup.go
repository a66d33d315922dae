package sharesink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Backblaze/blazer/b2"
	"modernc.org/sqlite"

	"github.com/m45pool/stratumpool/internal/log"
)

// BackupConfig configures periodic offsite backup of the shares SQLite log
// to a Backblaze B2 bucket, an operational concern the local sharesink
// itself has no opinion on: the writer goroutine never touches B2 directly.
type BackupConfig struct {
	AccountID      string
	ApplicationKey string
	Bucket         string
	Prefix         string
	Interval       time.Duration
	MaxBackups     int
	StateDir       string
	Logger         *log.Logger
}

const (
	backupObjectBaseName  = "shares-db-"
	backupObjectSuffix    = ".db"
	backupTimestampName   = "backblaze_last_backup"
	defaultBackupInterval = time.Hour
)

// dbBackuper mirrors modernc.org/sqlite's driver-level online-backup hook,
// exposed on the raw driver connection rather than *sql.DB.
type dbBackuper interface {
	NewBackup(string) (*sqlite.Backup, error)
}

// Backup periodically snapshots a Sink's SQLite file (via SQLite's online
// backup API, so it never blocks concurrent writers) and uploads it to a B2
// bucket, pruning older objects past cfg.MaxBackups.
type Backup struct {
	bucket           *b2.Bucket
	dbPath           string
	objectPrefix     string
	objectListPrefix string
	interval         time.Duration
	maxBackups       int
	lastBackupPath   string
	missingLastStamp bool
	logger           *log.Logger
}

// OpenBackup validates cfg against ctx and dbPath and returns a Backup ready
// for Start. Returns (nil, nil) if cfg is the zero value, so callers can
// wire this unconditionally and only pay for it when configured.
func OpenBackup(ctx context.Context, cfg BackupConfig, dbPath string) (*Backup, error) {
	if cfg.AccountID == "" && cfg.ApplicationKey == "" && cfg.Bucket == "" {
		return nil, nil
	}
	if dbPath == "" {
		return nil, errors.New("sharesink: backup requires a database path")
	}
	if cfg.AccountID == "" || cfg.ApplicationKey == "" || cfg.Bucket == "" {
		return nil, errors.New("sharesink: backblaze backup credentials are incomplete")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default
	}

	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("sharesink: create backblaze client: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("sharesink: access backblaze bucket: %w", err)
	}
	if _, err := bucket.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("sharesink: access backblaze bucket: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBackupInterval
	}

	objectPrefix := sanitizeObjectPrefix(cfg.Prefix)
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Dir(dbPath)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("sharesink: create backup state dir: %w", err)
	}
	lastBackupPath := filepath.Join(stateDir, backupTimestampName)

	return &Backup{
		bucket:           bucket,
		dbPath:           dbPath,
		objectPrefix:     objectPrefix,
		objectListPrefix: objectPrefix + backupObjectBaseName,
		interval:         interval,
		maxBackups:       cfg.MaxBackups,
		lastBackupPath:   lastBackupPath,
		missingLastStamp: !fileExists(lastBackupPath),
		logger:           cfg.Logger,
	}, nil
}

// Start runs an immediate backup, then repeats every b.interval until ctx is
// canceled. Safe to call on a nil *Backup (a no-op), so callers that got
// (nil, nil) from OpenBackup don't need a separate guard.
func (b *Backup) Start(ctx context.Context) {
	if b == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		if b.missingLastStamp {
			b.logger.Info("sharesink: backblaze timestamp missing, forcing initial backup")
		}
		b.run(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.run(ctx)
			}
		}
	}()
}

func (b *Backup) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := b.pruneBackups(ctx); err != nil {
		b.logger.Warn("sharesink: backup prune failed", "error", err)
	}
	ts := time.Now().UTC()
	snapshot, err := snapshotSQLite(ctx, b.dbPath)
	if err != nil {
		b.logger.Warn("sharesink: backup snapshot failed", "error", err)
		return
	}
	defer os.Remove(snapshot)

	object := b.objectName(ts)
	if err := b.upload(ctx, snapshot, object); err != nil {
		b.logger.Warn("sharesink: backup upload failed", "error", err, "object", object)
		return
	}
	if err := b.recordLastBackup(ts); err != nil {
		b.logger.Warn("sharesink: record backup timestamp failed", "error", err)
	}
	b.logger.Info("sharesink: backup uploaded", "object", object)
}

func (b *Backup) upload(ctx context.Context, path, object string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	writer := b.bucket.Object(object).NewWriter(ctx)
	if _, err := io.Copy(writer, f); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (b *Backup) objectName(ts time.Time) string {
	return fmt.Sprintf("%s%s%s%s", b.objectPrefix, backupObjectBaseName, ts.Format("20060102T150405Z"), backupObjectSuffix)
}

func (b *Backup) recordLastBackup(ts time.Time) error {
	if b.lastBackupPath == "" {
		return nil
	}
	if err := os.WriteFile(b.lastBackupPath, []byte(ts.UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
		return err
	}
	b.missingLastStamp = false
	return nil
}

func (b *Backup) pruneBackups(ctx context.Context) error {
	if b.maxBackups <= 0 {
		return nil
	}
	iter := b.bucket.List(ctx, b2.ListPrefix(b.objectListPrefix))
	var names []string
	for iter.Next() {
		names = append(names, iter.Object().Name())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	keep := b.maxBackups - 1
	if keep < 0 {
		keep = 0
	}
	if len(names) <= keep {
		return nil
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := b.bucket.Object(name).Delete(ctx); err != nil {
			b.logger.Warn("sharesink: backup delete old object failed", "error", err, "object", name)
		}
	}
	return nil
}

// snapshotSQLite copies srcPath into a fresh temp file using SQLite's online
// backup API (so it never locks out the sink's own writer goroutine) and
// returns the temp file's path; the caller owns removing it.
func snapshotSQLite(ctx context.Context, srcPath string) (string, error) {
	tmpFile, err := os.CreateTemp("", "stratumpool-shares-backup-*.db")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	db, err := sql.Open("sqlite", srcPath+"?_foreign_keys=1&mode=ro")
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	defer conn.Close()

	if err := conn.Raw(func(driverConn any) error {
		backuper, ok := driverConn.(dbBackuper)
		if !ok {
			return errors.New("sqlite driver does not support online backups")
		}
		bck, err := backuper.NewBackup(tmpPath)
		if err != nil {
			return err
		}
		for more := true; more; {
			if more, err = bck.Step(-1); err != nil {
				return err
			}
		}
		return bck.Finish()
	}); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	return tmpPath, nil
}

func sanitizeObjectPrefix(raw string) string {
	prefix := strings.Trim(strings.TrimSpace(raw), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
