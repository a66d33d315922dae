package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPromRecorderExposesCountersOverHTTP(t *testing.T) {
	rec, err := NewPromRecorder("test")
	if err != nil {
		t.Fatalf("NewPromRecorder: %v", err)
	}

	rec.ConnOpened()
	rec.ShareAccepted("worker1", 1024)
	rec.ShareRejected("stale")
	rec.ShareRejected("stale")
	rec.BlockFound(800000, "worker1")
	rec.BlockSubmitted(true)
	rec.VardiffMove("up")
	rec.RPCLatency("getblocktemplate", 0.05)
	rec.RPCError()
	rec.BestShare("worker1", 65536)
	rec.ActiveSessions(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()

	for _, want := range []string{
		`test_connections_opened_total 1`,
		`test_shares_total{result="accepted"} 1`,
		`test_share_reject_reasons_total{reason="stale"} 2`,
		`test_blocks_found_total 1`,
		`test_last_block_height 800000`,
		`test_block_submissions_total{status="accepted"} 1`,
		`test_vardiff_moves_total{direction="up"} 1`,
		`test_rpc_errors_total 1`,
		`test_best_share_difficulty{worker="worker1"} 65536`,
		`test_active_sessions 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestNoopRecorderNeverPanics(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ConnOpened()
	r.ConnClosed()
	r.ShareAccepted("w", 1)
	r.ShareRejected("bad")
	r.BlockFound(1, "w")
	r.BlockSubmitted(false)
	r.VardiffMove("down")
	r.RPCLatency("m", 0.1)
	r.RPCError()
	r.ActiveSessions(0)
	r.BestShare("w", 1)
}
