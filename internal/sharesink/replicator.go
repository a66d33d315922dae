package sharesink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/m45pool/stratumpool/internal/jsonx"
	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/stratum"
)

const (
	replicatorQueueCapacity = 10_000
	replicatorTick          = time.Second
	replicatorMaxBackoff    = 30 * time.Second
	replicatorMaxAttempts   = 5
)

// Replicator batches ShareRecords and POSTs them as JSON to a remote
// collector over HTTPS with exponential backoff, using a single
// *http.Client with a fixed timeout and a failure-count/backoff pair to
// govern retry pacing.
type Replicator struct {
	url    string
	client *http.Client
	logger *log.Logger

	mu      sync.Mutex
	buf     []stratum.ShareRecord
	dropped uint64

	failures int
	done     chan struct{}
	wg       sync.WaitGroup
}

func newReplicator(url string, logger *log.Logger) *Replicator {
	r := &Replicator{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Enqueue appends batch to the pending send queue, dropping the oldest
// records first if the bounded queue is full.
func (r *Replicator) Enqueue(batch []stratum.ShareRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	overflow := len(r.buf) + len(batch) - replicatorQueueCapacity
	if overflow > 0 {
		if overflow > len(r.buf) {
			overflow = len(r.buf)
		}
		r.buf = r.buf[overflow:]
		r.dropped += uint64(overflow)
	}
	r.buf = append(r.buf, batch...)
}

// Dropped reports records discarded for capacity since construction.
func (r *Replicator) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Replicator) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(replicatorTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.trySend()
		}
	}
}

func (r *Replicator) trySend() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	if r.failures > 0 {
		backoff := backoffFor(r.failures)
		r.mu.Unlock()
		time.Sleep(backoff)
		r.mu.Lock()
	}
	batch := append([]stratum.ShareRecord(nil), r.buf...)
	r.mu.Unlock()

	if err := r.post(batch); err != nil {
		r.mu.Lock()
		r.failures++
		giveUp := r.failures >= replicatorMaxAttempts
		if giveUp {
			r.dropped += uint64(len(batch))
			r.buf = r.buf[min(len(batch), len(r.buf)):]
			r.failures = 0
		}
		r.mu.Unlock()
		if giveUp {
			r.logger.Warn("sharesink: replicator giving up on batch after repeated failures", "count", len(batch), "error", err)
		} else {
			r.logger.Debug("sharesink: replicator post failed, will retry", "error", err)
		}
		return
	}

	r.mu.Lock()
	r.failures = 0
	r.buf = r.buf[min(len(batch), len(r.buf)):]
	r.mu.Unlock()
}

func backoffFor(failures int) time.Duration {
	d := time.Second
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= replicatorMaxBackoff {
			return replicatorMaxBackoff
		}
	}
	return d
}

func (r *Replicator) post(batch []stratum.ShareRecord) error {
	body, err := jsonx.Marshal(batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sharesink: replicator post: unexpected status %s", resp.Status)
	}
	return nil
}

// Close stops the send loop; any still-buffered records are discarded. The
// local SQLite log is the durable record, so the replicator degrades
// gracefully by design; it is best-effort only.
func (r *Replicator) Close() {
	close(r.done)
	r.wg.Wait()
}
