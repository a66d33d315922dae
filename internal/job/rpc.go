package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m45pool/stratumpool/internal/jsonx"
	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/perr"
)

const (
	rpcRetryDelay = 100 * time.Millisecond
)

var (
	rpcRetryMaxDelay       = 5 * time.Second
	rpcCookieWatchInterval = time.Second
	rpcRetryJitterFrac     = 0.2
)

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result jsonx.RawMessage `json:"result"`
	Error  *rpcError        `json:"error"`
	ID     int              `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("bitcoind rpc error %d: %s", e.Code, e.Message)
}

type httpStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *httpStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rpc http status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("rpc http status %s", e.Status)
}

// RPCClient is a JSON-RPC 1.0 client for bitcoind's getblocktemplate family
// of calls, supporting either static user/pass or a watched cookie file, and
// automatic retry with jittered exponential backoff on network timeouts,
// dropped connections (EOF) and retryable HTTP statuses; other network
// errors, such as a refused connection, are returned without retry.
// It marshals requests through internal/jsonx (sonic-backed) rather than
// encoding/json directly.
type RPCClient struct {
	url    string
	client *http.Client
	lp     *http.Client

	idMu   sync.Mutex
	nextID int

	connected atomic.Bool
	unhealthy atomic.Bool

	authMu        sync.RWMutex
	user, pass    string
	cookiePath    string
	cookieModTime time.Time
	cookieSize    int64
	cookieWatch   atomic.Bool

	logger *log.Logger
}

// RPCConfig configures an RPCClient's endpoint and auth material.
type RPCConfig struct {
	Host, Port, User, Pass, CookiePath string
	UseTLS                             bool
}

// NewRPCClient builds a client against a single shared transport so repeated
// getblocktemplate/submitblock calls reuse connections.
func NewRPCClient(cfg RPCConfig, logger *log.Logger) *RPCClient {
	if logger == nil {
		logger = log.Default
	}
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   60 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	c := &RPCClient{
		url:  fmt.Sprintf("%s://%s:%s/", scheme, cfg.Host, cfg.Port),
		user: cfg.User,
		pass: cfg.Pass,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		lp: &http.Client{
			Timeout:   0, // longpoll blocks until bitcoind sees a new template
			Transport: transport,
		},
		nextID:     1,
		cookiePath: strings.TrimSpace(cfg.CookiePath),
		logger:     logger,
	}
	c.initCookieStat()
	return c
}

func (c *RPCClient) initCookieStat() {
	if c.cookiePath == "" {
		return
	}
	info, err := os.Stat(c.cookiePath)
	if err != nil {
		return
	}
	c.authMu.Lock()
	c.cookieModTime = info.ModTime()
	c.cookieSize = info.Size()
	c.authMu.Unlock()

	c.authMu.RLock()
	empty := c.user == "" && c.pass == ""
	c.authMu.RUnlock()
	if empty {
		c.reloadCookieIfChanged()
	}
}

func readRPCCookie(path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed rpc cookie file %s", path)
	}
	return parts[0], parts[1], nil
}

func (c *RPCClient) reloadCookieIfChanged() {
	if c.cookiePath == "" {
		return
	}
	info, err := os.Stat(c.cookiePath)
	if err != nil {
		return
	}
	c.authMu.RLock()
	modTime, size := c.cookieModTime, c.cookieSize
	user, pass := c.user, c.pass
	c.authMu.RUnlock()

	credsEmpty := user == "" && pass == ""
	changed := !info.ModTime().Equal(modTime) || info.Size() != size
	if !changed && !credsEmpty {
		return
	}
	newUser, newPass, err := readRPCCookie(c.cookiePath)
	if err != nil {
		c.logger.Warn("reload rpc cookie failed", "path", c.cookiePath, "error", err)
		return
	}
	c.authMu.Lock()
	c.user, c.pass = strings.TrimSpace(newUser), strings.TrimSpace(newPass)
	c.cookieModTime, c.cookieSize = info.ModTime(), info.Size()
	c.authMu.Unlock()
	c.logger.Info("rpc cookie loaded", "path", c.cookiePath)
}

// StartCookieWatcher periodically reloads the cookie file until ctx is done.
func (c *RPCClient) StartCookieWatcher(ctx context.Context) {
	if c.cookiePath == "" || !c.cookieWatch.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(rpcCookieWatchInterval)
		defer ticker.Stop()
		c.reloadCookieIfChanged()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reloadCookieIfChanged()
			}
		}
	}()
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.callWithClient(ctx, c.client, method, params, out)
}

func (c *RPCClient) callLongPoll(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.callWithClient(ctx, c.lp, method, params, out)
}

func (c *RPCClient) callWithClient(ctx context.Context, client *http.Client, method string, params interface{}, out interface{}) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.performCall(ctx, client, method, params, out)
		if err == nil {
			c.connected.Store(true)
			c.unhealthy.Store(false)
			return nil
		}
		if isConnectivityError(err) {
			c.unhealthy.Store(true)
		}
		if c.shouldRetry(err) {
			attempt++
			c.reloadCookieIfChanged()
			if sleepErr := sleepContext(ctx, backoff(attempt)); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		return perr.Wrap(perr.Upstream, 0, "rpc:"+method, err)
	}
}

func (c *RPCClient) performCall(ctx context.Context, client *http.Client, method string, params interface{}, out interface{}) error {
	c.idMu.Lock()
	id := c.nextID
	c.nextID++
	c.idMu.Unlock()

	body, err := jsonx.Marshal(rpcRequest{Jsonrpc: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authMu.RLock()
	user, pass := c.user, c.pass
	c.authMu.RUnlock()
	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var rr rpcResponse
		if jsonx.Unmarshal(data, &rr) == nil && rr.Error != nil {
			return rr.Error
		}
		return &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(bytes.TrimSpace(data))}
	}
	if len(data) == 0 {
		return fmt.Errorf("rpc: empty response body")
	}
	var rr rpcResponse
	if err := jsonx.Unmarshal(data, &rr); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out == nil {
		return nil
	}
	return jsonx.Unmarshal(rr.Result, out)
}

func isConnectivityError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode >= 500
	}
	return false
}

func (c *RPCClient) shouldRetry(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusUnauthorized {
			return c.cookiePath != ""
		}
		return statusErr.StatusCode >= 500
	}
	return false
}

func backoff(attempt int) time.Duration {
	delay := rpcRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= rpcRetryMaxDelay {
			delay = rpcRetryMaxDelay
			break
		}
	}
	low, high := 1-rpcRetryJitterFrac, 1+rpcRetryJitterFrac
	jittered := time.Duration(float64(delay) * (low + (high-low)*rand.Float64()))
	if jittered <= 0 {
		return time.Millisecond
	}
	return jittered
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EndpointLabel returns a credential-free string suitable for logging.
func (c *RPCClient) EndpointLabel() string {
	u, err := url.Parse(c.url)
	if err != nil || u.Host == "" {
		return "(unknown)"
	}
	return u.Host
}

// Healthy reports whether the last call succeeded.
func (c *RPCClient) Healthy() bool {
	return c.connected.Load() && !c.unhealthy.Load()
}

// GetBlockTemplate fetches a template with the given capability rules.
func (c *RPCClient) GetBlockTemplate(ctx context.Context, rules []string, longPollID string) (BlockTemplate, error) {
	params := map[string]interface{}{
		"rules": rules,
	}
	if longPollID != "" {
		params["longpollid"] = longPollID
	}
	var raw gbtResult
	if longPollID != "" {
		if err := c.callLongPoll(ctx, "getblocktemplate", []interface{}{params}, &raw); err != nil {
			return BlockTemplate{}, err
		}
	} else if err := c.call(ctx, "getblocktemplate", []interface{}{params}, &raw); err != nil {
		return BlockTemplate{}, err
	}
	return raw.toTemplate(), nil
}

// GetBestBlockHash returns the tip hash of the best chain.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	var hash string
	err := c.call(ctx, "getbestblockhash", nil, &hash)
	return hash, err
}

// SubmitBlock submits a fully assembled block (hex-encoded) to the network.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	var result *string
	if err := c.call(ctx, "submitblock", []interface{}{blockHex}, &result); err != nil {
		return err
	}
	if result != nil && *result != "" {
		return perr.Upstreamf("submitblock rejected: %s", *result)
	}
	return nil
}

type gbtResult struct {
	Bits                     string          `json:"bits"`
	CurTime                  int64           `json:"curtime"`
	Height                   int64           `json:"height"`
	MinTime                  int64           `json:"mintime"`
	Target                   string          `json:"target"`
	Version                  int32           `json:"version"`
	PreviousBlockHash        string          `json:"previousblockhash"`
	CoinbaseValue            int64           `json:"coinbasevalue"`
	DefaultWitnessCommitment string          `json:"default_witness_commitment"`
	LongPollID               string          `json:"longpollid"`
	Transactions             []gbtTx         `json:"transactions"`
	VBAvailable              map[string]int  `json:"vbavailable"`
	VBRequired               int             `json:"vbrequired"`
	Mutable                  []string        `json:"mutable"`
	Rules                    []string        `json:"rules"`
	CoinbaseAux              struct {
		Flags string `json:"flags"`
	} `json:"coinbaseaux"`
}

type gbtTx struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

func (r gbtResult) toTemplate() BlockTemplate {
	txs := make([]Transaction, len(r.Transactions))
	for i, t := range r.Transactions {
		txs[i] = Transaction{Data: t.Data, Txid: t.Txid, Hash: t.Hash}
	}
	return BlockTemplate{
		Bits:                     r.Bits,
		CurTime:                  r.CurTime,
		Height:                   r.Height,
		MinTime:                  r.MinTime,
		Target:                   r.Target,
		Version:                  r.Version,
		PreviousBlockHash:        r.PreviousBlockHash,
		CoinbaseValue:            r.CoinbaseValue,
		DefaultWitnessCommitment: r.DefaultWitnessCommitment,
		LongPollID:               r.LongPollID,
		Transactions:             txs,
		VBAvailable:              r.VBAvailable,
		VBRequired:               r.VBRequired,
		Mutable:                  r.Mutable,
		Rules:                    r.Rules,
		CoinbaseAuxFlags:         r.CoinbaseAux.Flags,
	}
}
