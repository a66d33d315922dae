// Package metrics exposes the pool's operational counters and gauges for
// Prometheus scraping: connection counts, share results broken down by
// reject reason, block submission outcomes, vardiff retarget direction,
// Bitcoin RPC latency, and a per-worker best-share gauge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder defines every metrics hook the pool emits. A Recorder must be
// safe for concurrent use, since sessions call it from their own read
// goroutines.
type Recorder interface {
	ConnOpened()
	ConnClosed()
	ShareAccepted(worker string, difficulty float64)
	ShareRejected(reason string)
	BlockFound(height int64, worker string)
	BlockSubmitted(success bool)
	VardiffMove(direction string)
	RPCLatency(method string, seconds float64)
	RPCError()
	ActiveSessions(n int)
	BestShare(worker string, difficulty float64)
}

// NoopRecorder implements Recorder without emitting anything, an
// always-valid do-nothing default so call sites never need a nil check.
type NoopRecorder struct{}

func (NoopRecorder) ConnOpened()                                {}
func (NoopRecorder) ConnClosed()                                {}
func (NoopRecorder) ShareAccepted(worker string, diff float64)  {}
func (NoopRecorder) ShareRejected(reason string)                {}
func (NoopRecorder) BlockFound(height int64, worker string)     {}
func (NoopRecorder) BlockSubmitted(success bool)                {}
func (NoopRecorder) VardiffMove(direction string)               {}
func (NoopRecorder) RPCLatency(method string, seconds float64)  {}
func (NoopRecorder) RPCError()                                  {}
func (NoopRecorder) ActiveSessions(n int)                       {}
func (NoopRecorder) BestShare(worker string, diff float64)      {}

// Default is the process-wide metrics sink until cmd/pool/main.go installs a
// PromRecorder.
var Default Recorder = NoopRecorder{}

// PromRecorder implements Recorder backed by Prometheus collectors and
// exposes an HTTP handler for scraping from the admin/status listener.
type PromRecorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	connOpened   prometheus.Counter
	connClosed   prometheus.Counter
	activeConns  prometheus.Gauge
	sharesTotal  *prometheus.CounterVec // label "result": accepted|rejected
	rejectReason *prometheus.CounterVec // label "reason"
	blocksFound  prometheus.Counter
	lastHeight   prometheus.Gauge
	submissions  *prometheus.CounterVec // label "status": accepted|rejected
	vardiffMoves *prometheus.CounterVec // label "direction": up|down
	rpcLatency   *prometheus.HistogramVec
	rpcErrors    prometheus.Counter
	bestShare    *prometheus.GaugeVec // label "worker"
}

// NewPromRecorder creates a Prometheus-backed Recorder. namespace prefixes
// every metric name; an empty namespace defaults to "stratumpool".
func NewPromRecorder(namespace string) (*PromRecorder, error) {
	if namespace == "" {
		namespace = "stratumpool"
	}
	reg := prometheus.NewRegistry()

	p := &PromRecorder{
		registry: reg,
		connOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_opened_total", Help: "Total TCP connections accepted.",
		}),
		connClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_closed_total", Help: "Total TCP connections closed.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions", Help: "Currently connected mining sessions.",
		}),
		sharesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "shares_total", Help: "Submitted shares by result.",
		}, []string{"result"}),
		rejectReason: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "share_reject_reasons_total", Help: "Rejected shares by reason.",
		}, []string{"reason"}),
		blocksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_found_total", Help: "Candidate blocks found by the pool.",
		}),
		lastHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_block_height", Help: "Height of the last candidate block found.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "block_submissions_total", Help: "submitblock results.",
		}, []string{"status"}),
		vardiffMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vardiff_moves_total", Help: "Vardiff retarget direction.",
		}, []string{"direction"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_latency_seconds", Help: "Bitcoin RPC call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		rpcErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_errors_total", Help: "Bitcoin RPC call failures.",
		}),
		bestShare: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "best_share_difficulty", Help: "Highest-difficulty share seen per worker.",
		}, []string{"worker"}),
	}

	collectors := []prometheus.Collector{
		p.connOpened, p.connClosed, p.activeConns, p.sharesTotal, p.rejectReason,
		p.blocksFound, p.lastHeight, p.submissions, p.vardiffMoves, p.rpcLatency,
		p.rpcErrors, p.bestShare,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return p, nil
}

// Handler exposes the HTTP handler the status server mounts for scraping.
func (p *PromRecorder) Handler() http.Handler {
	return p.handler
}

func (p *PromRecorder) ConnOpened() {
	p.connOpened.Inc()
	p.activeConns.Inc()
}

func (p *PromRecorder) ConnClosed() {
	p.connClosed.Inc()
	p.activeConns.Dec()
}

func (p *PromRecorder) ActiveSessions(n int) {
	p.activeConns.Set(float64(n))
}

func (p *PromRecorder) ShareAccepted(worker string, difficulty float64) {
	p.sharesTotal.WithLabelValues("accepted").Inc()
}

// ShareRejected records a rejected share broken out by reason (invalid job,
// low difficulty, duplicate, stale).
func (p *PromRecorder) ShareRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	p.sharesTotal.WithLabelValues("rejected").Inc()
	p.rejectReason.WithLabelValues(reason).Inc()
}

func (p *PromRecorder) BlockFound(height int64, worker string) {
	p.blocksFound.Inc()
	p.lastHeight.Set(float64(height))
}

func (p *PromRecorder) BlockSubmitted(success bool) {
	status := "rejected"
	if success {
		status = "accepted"
	}
	p.submissions.WithLabelValues(status).Inc()
}

// VardiffMove records a retarget direction as an up/down counter.
func (p *PromRecorder) VardiffMove(direction string) {
	p.vardiffMoves.WithLabelValues(direction).Inc()
}

func (p *PromRecorder) RPCLatency(method string, seconds float64) {
	p.rpcLatency.WithLabelValues(method).Observe(seconds)
}

func (p *PromRecorder) RPCError() {
	p.rpcErrors.Inc()
}

// BestShare sets worker's gauge to difficulty as given. The gauge is not
// clamped to a running maximum; Prometheus's own max_over_time serves
// historical peaks.
func (p *PromRecorder) BestShare(worker string, difficulty float64) {
	p.bestShare.WithLabelValues(worker).Set(difficulty)
}
