package stratum

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/m45pool/stratumpool/internal/extranonce"
	"github.com/m45pool/stratumpool/internal/job"
	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/username"
	"github.com/m45pool/stratumpool/internal/vardiff"
)

// State is a StratumSession's position in the connect/subscribe/authorize
// state machine.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ShareRecord is the persisted-share-row shape produced by a Session on
// every evaluated submit and handed to a ShareRecorder.
type ShareRecord struct {
	BlockHeight   int64
	WorkInfoID    string
	ClientID      string
	Enonce1       string
	Nonce2        string
	Nonce         string
	NTime         string
	Diff          float64
	SDiff         float64
	Hash          string
	Result        bool
	RejectReason  string
	WorkerName    string
	Username      string
	UserAgent     string
	CreatedAt     time.Time
}

// ShareRecorder accepts finished share records; implementations (ShareSink)
// must never block or fail a Session's submit path.
type ShareRecorder interface {
	RecordShare(rec ShareRecord)
}

// SessionConfig bundles the shared, per-server dependencies a Session needs;
// one SessionConfig is built once by PoolServer and passed to every Session.
type SessionConfig struct {
	Registry          *job.Registry
	Validator         *Validator
	Extranonce        *extranonce.PoolFreeList
	Extranonce2Size   int
	VardiffCfg        vardiff.Config
	VardiffStore      *vardiff.Store
	VardiffPersistPath string
	PoolVersionMask   uint32
	NotifyQueueSize   int
	IdleTimeout       time.Duration
	BanList           *BanList
	CreditStaleShares bool
	Sink              ShareRecorder
	Logger            *log.Logger
	// OnBlockSolve, if set, is called (from the session's own goroutine,
	// so it must not block) whenever a submit reaches BlockSolve.
	OnBlockSolve func(j *job.Job, res Result)
}

// Session is one Stratum V1 connection: one TCP/TLS socket, its own
// vardiff.Controller, and its own set of authorized workers.
type Session struct {
	cfg    SessionConfig
	conn   net.Conn
	remote string
	reader *Reader
	writer *Writer
	logger *log.Logger

	outbound chan any
	done     chan struct{}
	closeOnce sync.Once

	stateMu sync.Mutex
	state   State

	enonce1     []byte
	enonce2Size int

	versionRolling     bool
	sessionVersionMask uint32

	workersMu sync.Mutex
	workers   map[string]username.Parsed
	loginUser string // the username string used for the first authorize, for ShareRecord.Username

	diffMu           sync.Mutex
	controller       *vardiff.Controller
	pendingSuggested *float64
	pendingDiffMu    sync.Mutex
	pendingDiff      *float64

	jobCh chan *job.Job

	// dedupMu/dedupSets/dedupOrder are this Session's exclusively-owned
	// per-job seen-nonce sets. Never shared with another session or the
	// Validator, since the dedup key omits ExtraNonce1 and a shared set
	// would collide two sessions' distinct, independently valid shares.
	// Bounded to sessionDedupRingSize entries, evicted oldest-first,
	// mirroring job.Registry's own recent-jobs ring depth.
	dedupMu    sync.Mutex
	dedupSets  map[string]*duplicateShareSet
	dedupOrder []string

	subscribedAt time.Time
	lastActivity atomic64
	userAgent    string
}

// atomic64 is a tiny helper to avoid importing sync/atomic's verbose
// generic wrappers for a single time.Time-as-unix-nanos field read/written
// from two goroutines (the reader loop and the idle-timeout watchdog).
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) Store(t time.Time) {
	a.mu.Lock()
	a.v = t.UnixNano()
	a.mu.Unlock()
}

func (a *atomic64) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Unix(0, a.v)
}

// NewSession wraps conn as a Stratum session. Run must be called to drive it.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default
	}
	queueSize := cfg.NotifyQueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	cfg.IdleTimeout = idle
	cfg.NotifyQueueSize = queueSize

	s := &Session{
		cfg:      cfg,
		conn:     conn,
		remote:   conn.RemoteAddr().String(),
		reader:   NewReader(conn),
		writer:   NewWriter(conn),
		logger:   logger,
		outbound: make(chan any, queueSize),
		done:     make(chan struct{}),
		workers:  make(map[string]username.Parsed),
	}
	s.lastActivity.Store(time.Now())
	return s
}

// Run drives the session until the connection closes, an idle timeout
// fires, or the session closes itself (write error, slow consumer, ban).
// It always returns after cleaning up owned
// resources (extranonce1 lease, registry subscription, controller state).
func (s *Session) Run() error {
	defer s.cleanup()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writerLoop()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.idleWatchdog()
	}()

	err := s.readLoop()

	s.close("read loop exited")
	wg.Wait()
	return err
}

func (s *Session) readLoop() error {
	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		s.lastActivity.Store(time.Now())

		req, err := DecodeRequest(frame)
		if err != nil {
			s.enqueue(Response{ID: nil, Result: nil, Error: StratumError(ErrParse, "parse error")})
			return err
		}
		s.dispatch(req)

		select {
		case <-s.done:
			return nil
		default:
		}
	}
}

func (s *Session) writerLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.writer.WriteFrame(msg); err != nil {
				s.close("write error")
				return
			}
		}
	}
}

func (s *Session) idleWatchdog() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(s.lastActivity.Load()) > s.cfg.IdleTimeout {
				s.close("idle timeout")
				return
			}
		}
	}
}

// enqueue attempts a non-blocking send onto the outbound queue; a full
// queue is a slow consumer and the session is disconnected.
func (s *Session) enqueue(v any) {
	select {
	case s.outbound <- v:
	default:
		s.logger.Warn("disconnecting slow consumer", "remote", s.remote)
		s.close("slow consumer")
	}
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)
		_ = s.conn.Close()
		s.logger.Info("session closed", "remote", s.remote, "reason", reason)
	})
}

func (s *Session) cleanup() {
	if s.enonce1 != nil && s.cfg.Extranonce != nil {
		s.cfg.Extranonce.Release(s.enonce1)
	}
	if s.jobCh != nil && s.cfg.Registry != nil {
		s.cfg.Registry.Unsubscribe(s.jobCh)
	}
	if s.controller != nil && s.cfg.VardiffStore != nil {
		s.persistDifficulty()
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) getState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) primaryWorkerName() string {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	for name := range s.workers {
		return name
	}
	return ""
}

func (s *Session) persistDifficulty() {
	name := s.primaryWorkerName()
	if name == "" {
		return
	}
	s.cfg.VardiffStore.Put(name, s.controller.Snapshot())
	if s.cfg.VardiffPersistPath != "" {
		s.cfg.VardiffStore.SaveAsync(s.cfg.VardiffPersistPath)
	}
}

// dispatch routes one decoded Request to its handler and enqueues the
// Response, matching req.ID verbatim.
func (s *Session) dispatch(req Request) {
	var resp Response
	resp.ID = req.ID

	switch req.Method {
	case "mining.subscribe":
		resp.Result, resp.Error = s.handleSubscribe(req)
	case "mining.authorize":
		resp.Result, resp.Error = s.handleAuthorize(req)
	case "mining.configure":
		resp.Result, resp.Error = s.handleConfigure(req)
	case "mining.suggest_difficulty":
		resp.Result, resp.Error = s.handleSuggestDifficulty(req)
	case "mining.submit":
		resp.Result, resp.Error = s.handleSubmit(req)
	case "mining.extranonce.subscribe":
		resp.Result, resp.Error = true, nil
	default:
		resp.Result = nil
		resp.Error = StratumError(ErrMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}

	if req.ID != nil {
		s.enqueue(resp)
	}
}

func paramString(params []any, i int) (string, bool) {
	if i >= len(params) || params[i] == nil {
		return "", false
	}
	s, ok := params[i].(string)
	return s, ok
}

func (s *Session) handleSubscribe(req Request) (any, any) {
	if s.getState() != StateConnected {
		return nil, StratumError(ErrOther, "already subscribed")
	}
	if ua, ok := paramString(req.Params, 0); ok {
		s.userAgent = ua
	}

	size := s.cfg.Extranonce2Size
	if size <= 0 {
		size = 4
	}
	s.enonce2Size = size
	s.enonce1 = s.cfg.Extranonce.Allocate("")
	s.subscribedAt = time.Now()
	s.setState(StateSubscribed)

	subID := hex.EncodeToString(s.enonce1)
	notifications := []any{
		[]any{"mining.set_difficulty", "diff-" + subID},
		[]any{"mining.notify", "notify-" + subID},
	}
	return []any{notifications, hex.EncodeToString(s.enonce1), s.enonce2Size}, nil
}

func (s *Session) handleAuthorize(req Request) (any, any) {
	state := s.getState()
	if state == StateConnected {
		return nil, StratumError(ErrNotSubscribed, "not subscribed")
	}
	userParam, ok := paramString(req.Params, 0)
	if !ok || userParam == "" {
		return nil, StratumError(ErrOther, "missing username")
	}
	if _, ok := paramString(req.Params, 1); !ok {
		return nil, StratumError(ErrOther, "missing password")
	}
	parsed, err := username.Parse(userParam)
	if err != nil {
		return nil, StratumError(ErrOther, err.Error())
	}

	firstAuthorize := state == StateSubscribed

	s.workersMu.Lock()
	s.workers[parsed.WorkerName()] = parsed
	if s.loginUser == "" {
		s.loginUser = userParam
	}
	s.workersMu.Unlock()

	if firstAuthorize {
		s.setState(StateAuthorized)
		s.startAuthorizedSession(parsed.WorkerName())
	}
	return true, nil
}

// startAuthorizedSession builds this session's vardiff.Controller (resuming
// persisted state keyed by workerName when available), subscribes to
// job.Registry publications, and kicks off the retarget scheduler and
// notify fan-out, all gated on the session reaching Authorized.
func (s *Session) startAuthorizedSession(workerName string) {
	s.diffMu.Lock()
	c := vardiff.New(s.cfg.VardiffCfg, s.subscribedAt)
	if s.cfg.VardiffStore != nil {
		if st, ok := s.cfg.VardiffStore.Get(workerName); ok {
			c.Resume(st)
		}
	}
	s.pendingDiffMu.Lock()
	if s.pendingSuggested != nil {
		c.Resume(vardiff.State{Difficulty: *s.pendingSuggested})
	}
	s.pendingDiffMu.Unlock()
	s.controller = c
	s.diffMu.Unlock()

	s.jobCh = s.cfg.Registry.Subscribe()
	go s.notifyLoop()
	go s.retargetLoop()

	if cur := s.cfg.Registry.Current(); cur != nil {
		s.sendSetDifficulty(c.Current())
		s.sendNotify(cur)
	}
}

func (s *Session) notifyLoop() {
	for {
		select {
		case <-s.done:
			return
		case j, ok := <-s.jobCh:
			if !ok {
				return
			}
			if diff := s.takePendingDiff(); diff != nil {
				s.sendSetDifficulty(*diff)
			}
			s.sendNotify(j)
		}
	}
}

func (s *Session) sendNotify(j *job.Job) {
	s.enqueue(NewNotification("mining.notify", j.Notify.Params()))
}

func (s *Session) sendSetDifficulty(diff float64) {
	s.enqueue(NewNotification("mining.set_difficulty", []any{diff}))
}

func (s *Session) takePendingDiff() *float64 {
	s.pendingDiffMu.Lock()
	defer s.pendingDiffMu.Unlock()
	d := s.pendingDiff
	s.pendingDiff = nil
	return d
}

// retargetLoop runs the periodic retarget tick plus the one-shot
// first-share/30s-idle retarget. A >10% relative move is emitted
// immediately (ahead of the next notify); a smaller move is deferred and
// picked up by notifyLoop just before the next mining.notify.
func (s *Session) retargetLoop() {
	ticker := time.NewTicker(s.periodOrDefault())
	defer ticker.Stop()
	oneShotDone := false
	idleCheck := time.NewTicker(time.Second)
	defer idleCheck.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.runRetarget()
		case <-idleCheck.C:
			if !oneShotDone && s.controller.IdleDue(time.Now()) {
				oneShotDone = true
				s.runRetarget()
			}
		}
	}
}

func (s *Session) periodOrDefault() time.Duration {
	if s.cfg.VardiffCfg.RetargetPeriod > 0 {
		return s.cfg.VardiffCfg.RetargetPeriod
	}
	return 30 * time.Second
}

func (s *Session) runRetarget() {
	newDiff, emitNow, changed := s.controller.Retarget(time.Now())
	if !changed {
		return
	}
	if emitNow {
		s.sendSetDifficulty(newDiff)
		return
	}
	s.pendingDiffMu.Lock()
	s.pendingDiff = &newDiff
	s.pendingDiffMu.Unlock()
}

func (s *Session) handleConfigure(req Request) (any, any) {
	if len(req.Params) < 1 {
		return map[string]any{}, nil
	}
	extensions, _ := req.Params[0].([]any)
	var opts map[string]any
	if len(req.Params) > 1 {
		opts, _ = req.Params[1].(map[string]any)
	}

	result := map[string]any{}
	for _, e := range extensions {
		name, _ := e.(string)
		switch name {
		case "version-rolling":
			mask := s.cfg.PoolVersionMask
			if mask == 0 {
				result["version-rolling"] = false
				continue
			}
			requested := mask
			if v, ok := opts["version-rolling.mask"].(string); ok {
				if parsed, err := strconv.ParseUint(v, 16, 32); err == nil {
					requested = uint32(parsed) & mask
				}
			}
			s.versionRolling = true
			s.sessionVersionMask = requested
			result["version-rolling"] = true
			result["version-rolling.mask"] = fmt.Sprintf("%08x", requested)
		case "minimum-difficulty":
			result["minimum-difficulty"] = true
		case "subscribe-extranonce":
			result["subscribe-extranonce"] = true
		}
	}
	return result, nil
}

func (s *Session) handleSuggestDifficulty(req Request) (any, any) {
	var d float64
	switch v := firstParam(req.Params).(type) {
	case float64:
		d = v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, StratumError(ErrOther, "invalid difficulty")
		}
		d = parsed
	default:
		return nil, StratumError(ErrOther, "invalid difficulty")
	}

	cfg := s.cfg.VardiffCfg
	min, max := cfg.MinDiff, cfg.MaxDiff
	if min <= 0 {
		min = vardiff.Default().MinDiff
	}
	if max <= 0 {
		max = vardiff.Default().MaxDiff
	}
	if d < min || d > max {
		return true, nil
	}

	s.diffMu.Lock()
	c := s.controller
	s.diffMu.Unlock()
	if c != nil {
		c.Resume(vardiff.State{Difficulty: d})
		s.pendingDiffMu.Lock()
		s.pendingDiff = &d
		s.pendingDiffMu.Unlock()
	} else {
		s.pendingDiffMu.Lock()
		s.pendingSuggested = &d
		s.pendingDiffMu.Unlock()
	}
	return true, nil
}

func firstParam(params []any) any {
	if len(params) == 0 {
		return nil
	}
	return params[0]
}

// sessionDedupRingSize caps how many distinct JobIds' seen-nonce sets a
// Session keeps at once, mirroring job.Registry's own recent-jobs ring depth
// so a long-lived session's dedup memory doesn't grow without bound.
const sessionDedupRingSize = 8

// dedupSetForJob returns this session's seen-nonce set for jobID, creating
// one on first use and evicting the oldest tracked job's set once the ring
// is full. Owned exclusively by this Session, never shared with another
// session, even for the same JobId.
func (s *Session) dedupSetForJob(jobID string) *duplicateShareSet {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if s.dedupSets == nil {
		s.dedupSets = make(map[string]*duplicateShareSet)
	}
	set, ok := s.dedupSets[jobID]
	if ok {
		return set
	}
	if len(s.dedupOrder) >= sessionDedupRingSize {
		oldest := s.dedupOrder[0]
		s.dedupOrder = s.dedupOrder[1:]
		delete(s.dedupSets, oldest)
	}
	set = &duplicateShareSet{}
	s.dedupSets[jobID] = set
	s.dedupOrder = append(s.dedupOrder, jobID)
	return set
}

func (s *Session) handleSubmit(req Request) (any, any) {
	if s.getState() != StateAuthorized {
		return false, StratumError(ErrUnauthorized, "not authorized")
	}
	workerName, ok := paramString(req.Params, 0)
	if !ok {
		return false, StratumError(ErrOther, "missing worker name")
	}
	// Miners submit the same username string they authorized with, which
	// may carry a Lightning segment that WorkerName() strips before keying
	// s.workers in handleAuthorize; normalize the same way here, or every
	// submit from a Lightning-suffixed username fails as unauthorized.
	lookupName := workerName
	if parsed, err := username.Parse(workerName); err == nil {
		lookupName = parsed.WorkerName()
	}
	s.workersMu.Lock()
	_, known := s.workers[lookupName]
	s.workersMu.Unlock()
	if !known {
		return false, StratumError(ErrUnauthorized, "unknown worker")
	}

	jobID, _ := paramString(req.Params, 1)
	ex2, _ := paramString(req.Params, 2)
	ntime, _ := paramString(req.Params, 3)
	nonce, _ := paramString(req.Params, 4)
	sub := Submit{
		Worker:         workerName,
		JobID:          jobID,
		ExtraNonce2Hex: ex2,
		NTimeHex:       ntime,
		NonceHex:       nonce,
	}
	if vb, ok := paramString(req.Params, 5); ok {
		sub.HasVersionBits = true
		sub.VersionBitsHex = vb
	}

	j, lookup := s.cfg.Registry.Lookup(jobID)
	if lookup == job.LookupEvicted || j == nil {
		s.recordInvalid()
		return false, StratumError(ErrJobNotFound, "Job not found")
	}
	stale := lookup == job.LookupStale && !s.cfg.CreditStaleShares

	mask := s.cfg.PoolVersionMask
	if s.versionRolling {
		mask = s.sessionVersionMask
	} else {
		mask = 0
	}

	s.diffMu.Lock()
	c := s.controller
	s.diffMu.Unlock()
	var target = job.TargetFromDifficulty(vardiff.Default().StartDiff)
	if c != nil {
		target = job.TargetFromDifficulty(c.Current())
	}

	dedup := s.dedupSetForJob(jobID)
	res := s.cfg.Validator.Validate(j, stale, sub, s.enonce1, mask, target, dedup)

	accepted := res.Outcome == Accepted || res.Outcome == BlockSolve
	if accepted {
		s.recordValid()
		if c != nil && c.RecordShare(time.Now()) {
			s.runRetarget()
		}
	} else {
		s.recordInvalid()
	}

	if res.Outcome == BlockSolve && s.cfg.OnBlockSolve != nil {
		s.cfg.OnBlockSolve(j, res)
	}

	if s.cfg.Sink != nil {
		s.cfg.Sink.RecordShare(s.buildShareRecord(j, sub, res))
	}

	if accepted {
		return true, nil
	}
	if res.Err != nil {
		return false, StratumError(res.Err.Code, res.Err.Message)
	}
	return false, StratumError(ErrOther, "rejected")
}

func (s *Session) recordInvalid() {
	if s.cfg.BanList == nil {
		return
	}
	host := hostOnly(s.remote)
	if banned, dur := s.cfg.BanList.RecordInvalid(host, time.Now()); banned {
		s.logger.Warn("banning remote for repeated invalid submissions", "remote", host, "duration", dur)
		s.close("banned")
	}
}

func (s *Session) recordValid() {
	if s.cfg.BanList == nil {
		return
	}
	s.cfg.BanList.RecordValid(hostOnly(s.remote))
}

func hostOnly(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func (s *Session) buildShareRecord(j *job.Job, sub Submit, res Result) ShareRecord {
	diff := 0.0
	s.diffMu.Lock()
	if s.controller != nil {
		diff = s.controller.Current()
	}
	s.diffMu.Unlock()

	hashHex := ""
	if res.Hash != nil {
		hashHex = hex.EncodeToString(res.Hash)
	}
	reject := ""
	if res.Err != nil {
		reject = res.Err.SubKind
	}
	workerName := sub.Worker
	if parsed, err := username.Parse(sub.Worker); err == nil {
		workerName = parsed.WorkerName()
	}
	return ShareRecord{
		BlockHeight:  j.Template.Height,
		WorkInfoID:   j.ID,
		ClientID:     s.remote,
		Enonce1:      hex.EncodeToString(s.enonce1),
		Nonce2:       sub.ExtraNonce2Hex,
		Nonce:        sub.NonceHex,
		NTime:        sub.NTimeHex,
		Diff:         diff,
		SDiff:        res.Difficulty,
		Hash:         hashHex,
		Result:       res.Outcome == Accepted || res.Outcome == BlockSolve,
		RejectReason: reject,
		WorkerName:   workerName,
		Username:     s.loginUser,
		UserAgent:    s.userAgent,
		CreatedAt:    time.Now(),
	}
}
