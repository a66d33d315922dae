// Package sharesink persists accepted and rejected shares to a local
// SQLite log, opened with modernc.org/sqlite in WAL mode with a busy
// timeout, its schema ensured at open, and forwards them to an optional
// HTTPS batch replicator.
package sharesink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/stratum"
)

const (
	defaultQueueCapacity = 10_000
	defaultBatchSize     = 200
	defaultFlushInterval = 250 * time.Millisecond
)

// Config tunes a Sink's local queue, batching, and optional replicator.
type Config struct {
	SQLitePath    string
	ReplicatorURL string
	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
	Logger        *log.Logger
}

// Sink implements stratum.ShareRecorder: every StratumSession hands it
// finished ShareRecords, which it buffers in memory (bounded, drop-oldest on
// overflow) and flushes to SQLite in batches on a fixed tick, so it never
// blocks or fails the originating session's submit response.
type Sink struct {
	db     *sql.DB
	cfg    Config
	logger *log.Logger
	repl   *Replicator

	mu      sync.Mutex
	buf     []stratum.ShareRecord
	dropped uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens (creating if necessary) the SQLite log at cfg.SQLitePath,
// ensures its schema, and starts the batching writer goroutine. If
// cfg.ReplicatorURL is set, a Replicator is also started and fed every
// flushed batch.
func Open(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		return nil, fmt.Errorf("sharesink: SQLitePath required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.SQLitePath+"?_foreign_keys=1&_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Sink{db: db, cfg: cfg, logger: cfg.Logger, done: make(chan struct{})}
	if strings.TrimSpace(cfg.ReplicatorURL) != "" {
		s.repl = newReplicator(cfg.ReplicatorURL, cfg.Logger)
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shares (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			block_height INTEGER NOT NULL,
			job_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			enonce1 TEXT NOT NULL,
			nonce2 TEXT NOT NULL,
			nonce TEXT NOT NULL,
			ntime TEXT NOT NULL,
			diff REAL NOT NULL,
			sdiff REAL NOT NULL,
			hash TEXT NOT NULL,
			result INTEGER NOT NULL,
			reject_reason TEXT,
			worker_name TEXT NOT NULL,
			username TEXT NOT NULL,
			user_agent TEXT,
			created_at_unix INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS shares_worker_idx ON shares (worker_name)`); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS shares_created_idx ON shares (created_at_unix)`); err != nil {
		return err
	}
	return nil
}

// RecordShare implements stratum.ShareRecorder. It never blocks: the queue
// is a plain mutex-guarded slice bounded at cfg.QueueCapacity, and the
// oldest buffered record is dropped (counted in Dropped, not logged) rather
// than applying backpressure to the calling Session.
func (s *Sink) RecordShare(rec stratum.ShareRecord) {
	s.mu.Lock()
	if len(s.buf) >= s.cfg.QueueCapacity {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, rec)
	s.mu.Unlock()
}

// Dropped reports how many records have been discarded for capacity since
// Open, for the admin/status API's health reporting.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Flush forces the current write buffer to SQLite immediately, for the
// admin API's manual-flush action. Unlike the RecordShare path, callers
// here are operator-triggered admin requests, not the share-submit hot
// path, so blocking on the batch insert is acceptable.
func (s *Sink) Flush() {
	for {
		s.mu.Lock()
		n := len(s.buf)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		s.flush()
	}
}

// RecentShares returns the most recent limit share records, most recent
// first, for the admin API's recent-shares endpoint.
func (s *Sink) RecentShares(limit int) ([]stratum.ShareRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_height, job_id, client_id, enonce1, nonce2, nonce, ntime,
			diff, sdiff, hash, result, reject_reason, worker_name, username,
			user_agent, created_at_unix
		FROM shares ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stratum.ShareRecord
	for rows.Next() {
		var rec stratum.ShareRecord
		var createdAtUnix int64
		if err := rows.Scan(
			&rec.BlockHeight, &rec.WorkInfoID, &rec.ClientID, &rec.Enonce1, &rec.Nonce2, &rec.Nonce, &rec.NTime,
			&rec.Diff, &rec.SDiff, &rec.Hash, &rec.Result, &rec.RejectReason, &rec.WorkerName, &rec.Username,
			&rec.UserAgent, &createdAtUnix,
		); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Sink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.Flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Sink) flush() {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	n := len(s.buf)
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	batch := append([]stratum.ShareRecord(nil), s.buf[:n]...)
	s.buf = s.buf[n:]
	s.mu.Unlock()

	if err := s.insertBatch(batch); err != nil {
		s.logger.Warn("sharesink: batch insert failed", "error", err, "count", len(batch))
	}
	if s.repl != nil {
		s.repl.Enqueue(batch)
	}
}

func (s *Sink) insertBatch(batch []stratum.ShareRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shares (
			block_height, job_id, client_id, enonce1, nonce2, nonce, ntime,
			diff, sdiff, hash, result, reject_reason, worker_name, username,
			user_agent, created_at_unix
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.BlockHeight, rec.WorkInfoID, rec.ClientID, rec.Enonce1, rec.Nonce2, rec.Nonce, rec.NTime,
			rec.Diff, rec.SDiff, rec.Hash, rec.Result, rec.RejectReason, rec.WorkerName, rec.Username,
			rec.UserAgent, rec.CreatedAt.Unix(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close stops the writer goroutine (flushing any buffered records first),
// stops the replicator if one is running, and closes the database.
func (s *Sink) Close() error {
	close(s.done)
	s.wg.Wait()
	if s.repl != nil {
		s.repl.Close()
	}
	return s.db.Close()
}
