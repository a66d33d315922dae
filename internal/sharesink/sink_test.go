package sharesink

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/stratum"
)

func testRecord(worker string) stratum.ShareRecord {
	return stratum.ShareRecord{
		BlockHeight: 800000,
		WorkInfoID:  "job1",
		ClientID:    "c1",
		Enonce1:     "aabbccdd",
		Nonce2:      "00000001",
		Nonce:       "6553f100",
		NTime:       "6553f100",
		Diff:        1024,
		SDiff:       1200.5,
		Hash:        "0000000000000000000abc",
		Result:      true,
		WorkerName:  worker,
		Username:    worker,
		UserAgent:   "cgminer/4.11",
		CreatedAt:   time.Now(),
	}
}

func TestSinkFlushesBatchToSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shares", "shares.db")
	sink, err := Open(Config{
		SQLitePath:    dbPath,
		FlushInterval: 10 * time.Millisecond,
		Logger:        log.New(io.Discard, log.LevelError),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 5; i++ {
		sink.RecordShare(testRecord("worker1"))
	}

	deadline := time.Now().Add(2 * time.Second)
	var count int
	for time.Now().Before(deadline) {
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			t.Fatalf("sql.Open: %v", err)
		}
		row := db.QueryRow(`SELECT COUNT(*) FROM shares`)
		if err := row.Scan(&count); err != nil {
			t.Fatalf("scan count: %v", err)
		}
		db.Close()
		if count == 5 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if count != 5 {
		t.Fatalf("expected 5 rows persisted, got %d", count)
	}
}

func TestSinkRecordShareDropsOldestOnOverflow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shares.db")
	sink, err := Open(Config{
		SQLitePath:    dbPath,
		FlushInterval: time.Hour, // never ticks during this test
		QueueCapacity: 3,
		Logger:        log.New(io.Discard, log.LevelError),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 5; i++ {
		sink.RecordShare(testRecord("worker1"))
	}

	if got := sink.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped records, got %d", got)
	}
	if len(sink.buf) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(sink.buf))
	}
}

func TestSinkFlushAndRecentShares(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shares.db")
	sink, err := Open(Config{
		SQLitePath:    dbPath,
		FlushInterval: time.Hour, // never ticks; Flush is called explicitly
		Logger:        log.New(io.Discard, log.LevelError),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	sink.RecordShare(testRecord("worker1"))
	sink.RecordShare(testRecord("worker2"))
	sink.Flush()

	recs, err := sink.RecentShares(10)
	if err != nil {
		t.Fatalf("RecentShares: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recent shares, got %d", len(recs))
	}
	// Most recent first: the last-inserted record (worker2) comes back first.
	if recs[0].WorkerName != "worker2" {
		t.Fatalf("expected worker2 first, got %q", recs[0].WorkerName)
	}
}

func TestSinkRecentSharesDefaultsLimit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shares.db")
	sink, err := Open(Config{
		SQLitePath:    dbPath,
		FlushInterval: time.Hour,
		Logger:        log.New(io.Discard, log.LevelError),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	sink.RecordShare(testRecord("worker1"))
	sink.Flush()

	if _, err := sink.RecentShares(0); err != nil {
		t.Fatalf("RecentShares with non-positive limit should fall back to a default, got error: %v", err)
	}
}

func TestReplicatorPostsBatchAsJSON(t *testing.T) {
	received := make(chan []stratum.ShareRecord, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []stratum.ShareRecord
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- batch
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	repl := newReplicator(srv.URL, log.New(io.Discard, log.LevelError))
	defer repl.Close()

	repl.Enqueue([]stratum.ShareRecord{testRecord("worker1"), testRecord("worker2")})

	select {
	case batch := <-received:
		if len(batch) != 2 {
			t.Fatalf("expected batch of 2, got %d", len(batch))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("replicator did not post within timeout")
	}
}

func TestReplicatorEnqueueDropsOldestOnOverflow(t *testing.T) {
	repl := &Replicator{url: "http://unused.invalid", logger: log.New(io.Discard, log.LevelError), done: make(chan struct{})}

	full := make([]stratum.ShareRecord, replicatorQueueCapacity)
	for i := range full {
		full[i] = testRecord("worker1")
	}
	repl.Enqueue(full)
	repl.Enqueue([]stratum.ShareRecord{testRecord("worker2"), testRecord("worker3")})

	if got := repl.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped records, got %d", got)
	}
	if len(repl.buf) != replicatorQueueCapacity {
		t.Fatalf("expected queue capped at %d, got %d", replicatorQueueCapacity, len(repl.buf))
	}
}

func TestBackoffForEscalatesAndCaps(t *testing.T) {
	if d := backoffFor(1); d != time.Second {
		t.Fatalf("first failure should back off 1s, got %v", d)
	}
	if d := backoffFor(3); d != 4*time.Second {
		t.Fatalf("third failure should back off 4s, got %v", d)
	}
	if d := backoffFor(20); d != replicatorMaxBackoff {
		t.Fatalf("large failure count should cap at %v, got %v", replicatorMaxBackoff, d)
	}
}
