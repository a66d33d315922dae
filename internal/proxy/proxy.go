// Package proxy implements proxy mode: a StratumSession pointing upstream,
// translating an upstream pool's work into local Jobs and re-submitting
// downstream shares that clear upstream's own difficulty. An UpstreamClient
// owns the upstream connection and is wired against this repository's
// job.Registry and stratum codec.
package proxy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/m45pool/stratumpool/internal/extranonce"
	"github.com/m45pool/stratumpool/internal/job"
	"github.com/m45pool/stratumpool/internal/jsonx"
	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/stratum"
)

// Config configures an UpstreamClient.
type Config struct {
	Addr     string
	Username string
	Password string

	// ExtensionSize is the number of bytes carved out of upstream's granted
	// ExtraNonce2 space to become each downstream session's ExtraNonce1
	// suffix.
	ExtensionSize int

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger *log.Logger
}

// UpstreamClient maintains one upstream Stratum V1 connection, republishing
// upstream mining.notify/mining.set_difficulty into a local job.Registry and
// forwarding downstream shares that meet upstream's difficulty back upstream.
type UpstreamClient struct {
	cfg      Config
	logger   *log.Logger
	registry *job.Registry

	mu       sync.Mutex
	conn     net.Conn
	reader   *stratum.Reader
	writer   *stratum.Writer
	ext      *extranonce.ProxyExtension
	diff     float64
	upstream map[string]string // local job ID -> upstream job ID

	nextID  int64
	pending map[int64]chan wireMessage
}

// upstreamJobHistory bounds the local-to-upstream job ID map at roughly the
// same depth as job.Registry's own recent-jobs ring, so a long-running proxy
// session doesn't accumulate one entry per notify forever.
const upstreamJobHistory = 16

// New constructs an UpstreamClient publishing into registry.
func New(cfg Config, registry *job.Registry) *UpstreamClient {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.ExtensionSize <= 0 {
		cfg.ExtensionSize = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default
	}
	return &UpstreamClient{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: registry,
		upstream: make(map[string]string, upstreamJobHistory),
		pending:  make(map[int64]chan wireMessage),
	}
}

// wireMessage is the union of every shape an upstream frame can take:
// a call, a response, or a notification.
type wireMessage struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	Result any    `json:"result"`
	Error  any    `json:"error"`
}

// Run dials, subscribes, and authorizes against the upstream pool, then
// republishes its Jobs until ctx is cancelled, reconnecting with exponential
// backoff (1 -> 30s) on any disconnect.
func (c *UpstreamClient) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn("proxy: upstream session ended", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *UpstreamClient) runOnce(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("proxy: dial upstream: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.reader = stratum.NewReader(conn)
	c.writer = stratum.NewWriter(conn)
	c.pending = make(map[int64]chan wireMessage)
	c.mu.Unlock()

	if err := c.subscribe(); err != nil {
		return err
	}
	if err := c.authorize(); err != nil {
		return err
	}
	c.logger.Info("proxy: upstream session established", "addr", c.cfg.Addr)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return c.readLoop()
}

func (c *UpstreamClient) subscribe() error {
	resp, err := c.call("mining.subscribe", []any{"stratumpool-proxy/1.0"})
	if err != nil {
		return fmt.Errorf("proxy: subscribe: %w", err)
	}
	result, ok := resp.Result.([]any)
	if !ok || len(result) < 3 {
		return fmt.Errorf("proxy: subscribe: unexpected result shape")
	}
	enonce1Hex, ok := result[1].(string)
	if !ok {
		return fmt.Errorf("proxy: subscribe: extranonce1 not a string")
	}
	enonce1, err := hex.DecodeString(enonce1Hex)
	if err != nil {
		return fmt.Errorf("proxy: subscribe: decode extranonce1: %w", err)
	}
	enonce2Size, err := numberToInt(result[2])
	if err != nil {
		return fmt.Errorf("proxy: subscribe: extranonce2_size: %w", err)
	}

	ext, err := extranonce.NewProxyExtension(enonce1, enonce2Size, c.cfg.ExtensionSize)
	if err != nil {
		return fmt.Errorf("proxy: %w (upstream extranonce space too small to embed both the proxy's extension and a usable downstream extranonce2)", err)
	}

	c.mu.Lock()
	c.ext = ext
	c.mu.Unlock()
	return nil
}

func (c *UpstreamClient) authorize() error {
	resp, err := c.call("mining.authorize", []any{c.cfg.Username, c.cfg.Password})
	if err != nil {
		return fmt.Errorf("proxy: authorize: %w", err)
	}
	ok, _ := resp.Result.(bool)
	if !ok {
		return fmt.Errorf("proxy: authorize: upstream rejected %q", c.cfg.Username)
	}
	return nil
}

// Extension exposes the negotiated ProxyExtension for wiring into downstream
// SessionConfig.Extranonce, or nil before the first successful subscribe.
func (c *UpstreamClient) Extension() *extranonce.ProxyExtension {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ext
}

func (c *UpstreamClient) readLoop() error {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			return err
		}
		if len(frame) == 0 {
			continue
		}
		var msg wireMessage
		if err := jsonx.Unmarshal(frame, &msg); err != nil {
			c.logger.Warn("proxy: malformed upstream frame", "error", err)
			continue
		}

		if msg.Method == "" {
			c.dispatchResponse(msg)
			continue
		}

		switch msg.Method {
		case "mining.notify":
			c.handleNotify(msg.Params)
		case "mining.set_difficulty":
			c.handleSetDifficulty(msg.Params)
		default:
			c.logger.Debug("proxy: ignoring upstream notification", "method", msg.Method)
		}
	}
}

func (c *UpstreamClient) dispatchResponse(msg wireMessage) {
	id, err := numberToInt64(msg.ID)
	if err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *UpstreamClient) call(method string, params []any) (wireMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan wireMessage, 1)
	c.pending[id] = ch
	writer := c.writer
	c.mu.Unlock()

	if writer == nil {
		return wireMessage{}, errors.New("proxy: not connected")
	}
	if err := writer.WriteFrame(map[string]any{"id": id, "method": method, "params": params}); err != nil {
		return wireMessage{}, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return wireMessage{}, fmt.Errorf("upstream error: %v", resp.Error)
		}
		return resp, nil
	case <-time.After(30 * time.Second):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return wireMessage{}, fmt.Errorf("proxy: %s: timed out waiting for upstream reply", method)
	}
}

// handleNotify parses an upstream mining.notify into a local Job and
// publishes it, remembering the upstream job ID for later share forwarding.
func (c *UpstreamClient) handleNotify(params []any) {
	j, upstreamJobID, err := c.buildJob(params)
	if err != nil {
		c.logger.Warn("proxy: discarding malformed upstream notify", "error", err)
		return
	}

	c.mu.Lock()
	c.upstream[j.ID] = upstreamJobID
	if len(c.upstream) > upstreamJobHistory*2 {
		for k := range c.upstream {
			delete(c.upstream, k)
			if len(c.upstream) <= upstreamJobHistory {
				break
			}
		}
	}
	c.mu.Unlock()

	c.registry.Publish(j)
}

func (c *UpstreamClient) buildJob(params []any) (*job.Job, string, error) {
	if len(params) < 9 {
		return nil, "", fmt.Errorf("expected 9 mining.notify params, got %d", len(params))
	}
	upstreamJobID, ok := params[0].(string)
	if !ok {
		return nil, "", errors.New("job_id not a string")
	}
	prevHashHex, ok := params[1].(string)
	if !ok {
		return nil, "", errors.New("prevhash not a string")
	}
	coinb1, ok := params[2].(string)
	if !ok {
		return nil, "", errors.New("coinb1 not a string")
	}
	coinb2, ok := params[3].(string)
	if !ok {
		return nil, "", errors.New("coinb2 not a string")
	}
	branchesRaw, ok := params[4].([]any)
	if !ok {
		return nil, "", errors.New("merkle_branches not an array")
	}
	versionHex, ok := params[5].(string)
	if !ok {
		return nil, "", errors.New("version not a string")
	}
	bitsHex, ok := params[6].(string)
	if !ok {
		return nil, "", errors.New("bits not a string")
	}
	timeHex, ok := params[7].(string)
	if !ok {
		return nil, "", errors.New("time not a string")
	}
	clean, _ := params[8].(bool)

	prevHashSwapped, err := decodeFixed32(prevHashHex)
	if err != nil {
		return nil, "", fmt.Errorf("prevhash: %w", err)
	}
	var notifyOrder [32]byte
	copy(notifyOrder[:], job.ReverseBytes(prevHashSwapped[:]))
	prevHash := job.SwapWordsPrevHash(notifyOrder)

	bitsBytes, err := hex.DecodeString(bitsHex)
	if err != nil || len(bitsBytes) != 4 {
		return nil, "", fmt.Errorf("bits: malformed %q", bitsHex)
	}
	var bits [4]byte
	copy(bits[:], bitsBytes)

	version, err := parseHexUint32(versionHex)
	if err != nil {
		return nil, "", fmt.Errorf("version: %w", err)
	}
	scriptTime, err := parseHexUint32(timeHex)
	if err != nil {
		return nil, "", fmt.Errorf("time: %w", err)
	}

	branches := make([][]byte, len(branchesRaw))
	for i, b := range branchesRaw {
		s, ok := b.(string)
		if !ok {
			return nil, "", fmt.Errorf("merkle_branches[%d] not a string", i)
		}
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return nil, "", fmt.Errorf("merkle_branches[%d]: %w", i, err)
		}
		branches[i] = decoded
	}

	target, err := job.TargetFromBits(bitsHex)
	if err != nil {
		return nil, "", fmt.Errorf("target: %w", err)
	}

	ext := c.Extension()
	e2Size := extranonce.MaxSize
	if ext != nil {
		e2Size = ext.DownstreamE2Size
	}

	j := &job.Job{
		ID: c.registry.AllocateJobID(),
		Template: job.BlockTemplate{
			Version: int32(version),
			Bits:    bitsHex,
		},
		Target:          target,
		CreatedAt:       time.Now(),
		Clean:           clean,
		Extranonce2Size: e2Size,
		MerkleBranches:  branches,
		Coinb1:          coinb1,
		Coinb2:          coinb2,
		VersionMask:     0xffffffff,
		PrevHash:        prevHash,
		Bits:            bits,
		ScriptTime:      int64(scriptTime),
	}
	j.Notify = job.BuildNotifyParams(j)
	return j, upstreamJobID, nil
}

// handleSetDifficulty tracks the difficulty upstream requires for a share
// to be worth forwarding; only shares clearing this value are re-submitted
// upstream.
func (c *UpstreamClient) handleSetDifficulty(params []any) {
	if len(params) < 1 {
		return
	}
	d, err := numberToFloat(params[0])
	if err != nil {
		c.logger.Warn("proxy: malformed set_difficulty", "error", err)
		return
	}
	c.mu.Lock()
	c.diff = d
	c.mu.Unlock()
}

// ForwardIfEligible inspects a downstream share already accepted locally and,
// if it met upstream's own difficulty, reconstructs the upstream ExtraNonce2
// and re-submits it. Non-blocking: submission runs on its own goroutine so a
// slow or wedged upstream connection never delays the downstream session
// that originated the share.
func (c *UpstreamClient) ForwardIfEligible(rec stratum.ShareRecord) {
	if !rec.Result {
		return
	}
	c.mu.Lock()
	upstreamJobID, known := c.upstream[rec.WorkInfoID]
	threshold := c.diff
	ext := c.ext
	c.mu.Unlock()
	if !known || ext == nil || rec.SDiff < threshold {
		return
	}

	minerEnonce1, err := hex.DecodeString(rec.Enonce1)
	if err != nil {
		c.logger.Warn("proxy: cannot forward share: bad extranonce1", "error", err)
		return
	}
	minerEnonce2, err := hex.DecodeString(rec.Nonce2)
	if err != nil {
		c.logger.Warn("proxy: cannot forward share: bad extranonce2", "error", err)
		return
	}
	upstreamEnonce2 := ext.ReconstructUpstreamEnonce2(minerEnonce1, minerEnonce2)

	go func() {
		params := []any{c.cfg.Username, upstreamJobID, hex.EncodeToString(upstreamEnonce2), rec.NTime, rec.Nonce}
		resp, err := c.call("mining.submit", params)
		if err != nil {
			c.logger.Warn("proxy: upstream submit failed", "error", err, "worker", rec.WorkerName)
			return
		}
		if ok, _ := resp.Result.(bool); !ok {
			c.logger.Warn("proxy: upstream rejected forwarded share", "worker", rec.WorkerName)
		}
	}()
}

func decodeFixed32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func numberToInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func numberToInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func numberToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
