package adminapi

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/m45pool/stratumpool/internal/bitcoinaddr"
	"github.com/m45pool/stratumpool/internal/job"
	"github.com/m45pool/stratumpool/internal/jsonx"
	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/sharesink"
	"github.com/m45pool/stratumpool/internal/stratum"
)

// Config bundles every dependency the admin API reads from or acts on. All
// fields except Verifier are optional: an API built without a
// CoinbaseBuilder, for instance, answers its payout-address route with 503
// rather than requiring every dependency to be wired for every mode.
type Config struct {
	Verifier    *Verifier
	Registry    *job.Registry
	BanList     *stratum.BanList
	Sink        *sharesink.Sink
	Builder     *job.CoinbaseBuilder
	ChainParams *chaincfg.Params
	Logger      *log.Logger
}

// API is the pool's operator-facing JSON HTTP surface: pool-wide stats,
// per-worker stats, recent shares, and admin actions gated by Bearer-token
// auth.
type API struct {
	cfg    Config
	logger *log.Logger
}

// New builds an API. cfg.Verifier must be non-nil: an admin surface with no
// way to authenticate a caller has no business existing.
func New(cfg Config) (*API, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("adminapi: Verifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default
	}
	return &API{cfg: cfg, logger: cfg.Logger}, nil
}

// Mount registers every admin route on mux under prefix (e.g. "/api/v1").
func (a *API) Mount(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix+"/stats", a.handleStats)
	mux.HandleFunc(prefix+"/workers", a.requireAuth(a.handleWorkers))
	mux.HandleFunc(prefix+"/shares/recent", a.requireAuth(a.handleRecentShares))
	mux.HandleFunc(prefix+"/admin/flush", a.requireAuth(a.handleFlush))
	mux.HandleFunc(prefix+"/admin/ban", a.requireAuth(a.handleBan))
	mux.HandleFunc(prefix+"/admin/unban", a.requireAuth(a.handleUnban))
	mux.HandleFunc(prefix+"/admin/bans", a.requireAuth(a.handleListBans))
	mux.HandleFunc(prefix+"/admin/payout-address", a.requireAuth(a.handlePayoutAddress))
	mux.HandleFunc(prefix+"/admin/session/dev-exchange", a.handleDevExchange)
}

type devExchangeRequest struct {
	DevBrowserJWT string `json:"dev_browser_jwt"`
}

// handleDevExchange is unauthenticated by design: its whole purpose is to
// mint the first admin session token from a Clerk development instance's
// dev-browser JWT, so requiring an admin bearer token to reach it would be
// circular. It only succeeds against a Clerk secret key that was itself
// provisioned out of band.
func (a *API) handleDevExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req devExchangeRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := a.cfg.Verifier.ExchangeDevBrowserJWT(r.Context(), req.DevBrowserJWT)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_token": token})
}

// requireAuth wraps h so it only runs once cfg.Verifier accepts the
// request's Authorization header.
func (a *API) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, err := a.cfg.Verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.Header.Set("X-Admin-Subject", subject)
		h(w, r)
	}
}

// statsResponse is the pool-wide snapshot returned by GET /stats. It carries
// no auth requirement: read-only aggregate stats are the same information a
// public status page would show.
type statsResponse struct {
	ActiveSessions int    `json:"active_sessions"`
	CurrentJobID   string `json:"current_job_id,omitempty"`
	CurrentHeight  int64  `json:"current_height,omitempty"`
	SharesDropped  uint64 `json:"shares_dropped"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	resp := statsResponse{}
	if a.cfg.Registry != nil {
		resp.ActiveSessions = a.cfg.Registry.ActiveSessions()
		if j := a.cfg.Registry.Current(); j != nil {
			resp.CurrentJobID = j.ID
			resp.CurrentHeight = j.Template.Height
		}
	}
	if a.cfg.Sink != nil {
		resp.SharesDropped = a.cfg.Sink.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

// workerStat aggregates a worker's recent share history on demand from the
// ShareSink log rather than tracking a live running total, since the sink
// is already the durable record of every share and a second in-memory
// ledger would just be a second place for the two to drift apart.
type workerStat struct {
	Worker        string    `json:"worker"`
	Accepted      int       `json:"accepted"`
	Rejected      int       `json:"rejected"`
	BestDiff      float64   `json:"best_difficulty"`
	LastShareAt   time.Time `json:"last_share_at"`
}

func (a *API) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	if a.cfg.Sink == nil {
		writeError(w, http.StatusServiceUnavailable, "share sink not configured")
		return
	}
	recs, err := a.cfg.Sink.RecentShares(recentShareSampleSize)
	if err != nil {
		a.logger.Error("adminapi: recent shares", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load shares")
		return
	}

	byWorker := make(map[string]*workerStat)
	for _, rec := range recs {
		name := rec.WorkerName
		if name == "" {
			name = rec.Username
		}
		st, ok := byWorker[name]
		if !ok {
			st = &workerStat{Worker: name}
			byWorker[name] = st
		}
		if rec.Result {
			st.Accepted++
		} else {
			st.Rejected++
		}
		if rec.Diff > st.BestDiff {
			st.BestDiff = rec.Diff
		}
		if rec.CreatedAt.After(st.LastShareAt) {
			st.LastShareAt = rec.CreatedAt
		}
	}

	out := make([]*workerStat, 0, len(byWorker))
	for _, st := range byWorker {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	writeJSON(w, http.StatusOK, out)
}

const recentShareSampleSize = 2000

func (a *API) handleRecentShares(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	if a.cfg.Sink == nil {
		writeError(w, http.StatusServiceUnavailable, "share sink not configured")
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := a.cfg.Sink.RecentShares(limit)
	if err != nil {
		a.logger.Error("adminapi: recent shares", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load shares")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleFlush forces the sink's in-memory buffer to SQLite immediately, for
// an operator who wants the shares table current before running a report.
func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if a.cfg.Sink == nil {
		writeError(w, http.StatusServiceUnavailable, "share sink not configured")
		return
	}
	a.cfg.Sink.Flush()
	a.logger.Info("adminapi: manual flush", "by", r.Header.Get("X-Admin-Subject"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

type banRequest struct {
	Remote      string `json:"remote"`
	DurationSec int    `json:"duration_seconds"`
}

func (a *API) handleBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if a.cfg.BanList == nil {
		writeError(w, http.StatusServiceUnavailable, "ban list not configured")
		return
	}
	var req banRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Remote) == "" {
		writeError(w, http.StatusBadRequest, "remote is required")
		return
	}
	a.cfg.BanList.Ban(req.Remote, time.Duration(req.DurationSec)*time.Second, time.Now())
	a.logger.Warn("adminapi: manual ban", "remote", req.Remote, "by", r.Header.Get("X-Admin-Subject"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned", "remote": req.Remote})
}

type unbanRequest struct {
	Remote string `json:"remote"`
}

func (a *API) handleUnban(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if a.cfg.BanList == nil {
		writeError(w, http.StatusServiceUnavailable, "ban list not configured")
		return
	}
	var req unbanRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a.cfg.BanList.Unban(req.Remote)
	a.logger.Info("adminapi: manual unban", "remote", req.Remote, "by", r.Header.Get("X-Admin-Subject"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "remote": req.Remote})
}

func (a *API) handleListBans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	if a.cfg.BanList == nil {
		writeError(w, http.StatusServiceUnavailable, "ban list not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.cfg.BanList.Snapshot(time.Now()))
}

type payoutAddressRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

// handlePayoutAddress re-derives the pool's payout script from a new address
// and swaps it into the running CoinbaseBuilder, taking effect on the next
// published Job. It never touches the block currently being mined.
func (a *API) handlePayoutAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if a.cfg.Builder == nil {
		writeError(w, http.StatusServiceUnavailable, "not running in pool mode")
		return
	}
	var req payoutAddressRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	params := a.cfg.ChainParams
	if strings.TrimSpace(req.Chain) != "" {
		var err error
		params, err = bitcoinaddr.Params(req.Chain)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if params == nil {
		writeError(w, http.StatusInternalServerError, "chain params not configured")
		return
	}
	script, err := bitcoinaddr.ScriptForAddress(req.Address, params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address: "+err.Error())
		return
	}
	a.cfg.Builder.SetPayoutScript(script)
	a.logger.Warn("adminapi: payout address updated", "address", req.Address, "by", r.Header.Get("X-Admin-Subject"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonx.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
