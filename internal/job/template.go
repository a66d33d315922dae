package job

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/m45pool/stratumpool/internal/log"
)

// TemplateSource streams immutable BlockTemplate snapshots and republishes
// derived Jobs into a Registry as templates change.
type TemplateSource interface {
	// Run blocks, polling/subscribing until ctx is cancelled.
	Run(ctx context.Context) error
}

// defaultVersionMask is the BIP9 version-rolling mask most ASIC firmware
// expects when a template doesn't otherwise constrain it.
const defaultVersionMask = 0x1fffe000

// LocalNode polls getblocktemplate on a configured cadence, layered with a
// ZMQ block-notification subscriber (see zmq.go) that triggers an immediate
// out-of-cadence refresh.
type LocalNode struct {
	RPC       *RPCClient
	Registry  *Registry
	Builder   *CoinbaseBuilder
	PollEvery time.Duration
	Logger    *log.Logger

	// VersionMask is the pool's configured BIP9 rolling mask; 0 disables
	// version rolling entirely.
	VersionMask uint32

	// Refresh is signalled by the ZMQ subscriber to force an immediate
	// out-of-cadence template fetch.
	Refresh chan struct{}

	lastHeight  int64
	lastPrev    string
	lastBits    string
	lastCoinVal int64
}

// NewLocalNode builds a LocalNode with sane defaults.
func NewLocalNode(rpc *RPCClient, reg *Registry, builder *CoinbaseBuilder, pollEvery time.Duration, versionMask uint32, logger *log.Logger) *LocalNode {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default
	}
	return &LocalNode{
		RPC:         rpc,
		Registry:    reg,
		Builder:     builder,
		PollEvery:   pollEvery,
		VersionMask: versionMask,
		Logger:      logger,
		Refresh:     make(chan struct{}, 1),
	}
}

// Run polls and refreshes jobs until ctx is cancelled.
func (n *LocalNode) Run(ctx context.Context) error {
	if err := n.refresh(ctx); err != nil {
		n.Logger.Error("initial template refresh failed", "error", err)
	}

	ticker := time.NewTicker(n.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.refresh(ctx); err != nil {
				n.Logger.Warn("template refresh failed", "error", err)
			}
		case <-n.Refresh:
			if err := n.refresh(ctx); err != nil {
				n.Logger.Warn("template refresh failed (zmq-triggered)", "error", err)
			}
		}
	}
}

func (n *LocalNode) refresh(ctx context.Context) error {
	tpl, err := n.RPC.GetBlockTemplate(ctx, []string{"segwit"}, "")
	if err != nil {
		return err
	}

	j, clean, err := n.buildJob(tpl)
	if err != nil {
		return err
	}
	j.Clean = clean
	n.Registry.Publish(j)
	n.Logger.Info("new job", "height", tpl.Height, "job_id", j.ID, "bits", tpl.Bits, "txs", len(tpl.Transactions))
	return nil
}

// buildJob validates a fetched template, computes the merkle ladder and
// coinbase halves, and returns the derived Job plus whether it must be
// announced with clean_jobs=true (the tip changed since the last Job).
func (n *LocalNode) buildJob(tpl BlockTemplate) (*Job, bool, error) {
	target, err := validateBits(tpl.Bits, tpl.Target)
	if err != nil {
		return nil, false, err
	}
	if err := validateWitnessCommitment(tpl.DefaultWitnessCommitment); err != nil {
		return nil, false, err
	}
	txHashes, err := validateTransactions(tpl.Transactions)
	if err != nil {
		return nil, false, err
	}

	branches := BuildMerkleBranches(txHashes)

	scriptTime := time.Now().Unix()
	coinb1, coinb2, err := n.Builder.Build(tpl.Height, tpl.CoinbaseValue, tpl.DefaultWitnessCommitment, tpl.CoinbaseAuxFlags, scriptTime)
	if err != nil {
		return nil, false, err
	}

	var bitsBytes [4]byte
	var prevHash [32]byte
	prevBytes, err := hex.DecodeString(tpl.PreviousBlockHash)
	if err != nil || len(prevBytes) != 32 {
		return nil, false, fmt.Errorf("invalid previousblockhash %q", tpl.PreviousBlockHash)
	}
	copy(prevHash[:], prevBytes)

	bitsRaw, err := hex.DecodeString(tpl.Bits)
	if err != nil || len(bitsRaw) != 4 {
		return nil, false, fmt.Errorf("invalid bits %q", tpl.Bits)
	}
	copy(bitsBytes[:], bitsRaw)

	clean := tpl.PreviousBlockHash != n.lastPrev || tpl.Height != n.lastHeight
	n.lastPrev, n.lastHeight, n.lastBits, n.lastCoinVal = tpl.PreviousBlockHash, tpl.Height, tpl.Bits, tpl.CoinbaseValue

	j := &Job{
		ID:                n.Registry.AllocateJobID(),
		Template:          tpl,
		Target:            target,
		CreatedAt:         time.Now(),
		Extranonce2Size:   n.Builder.Extranonce2Size,
		CoinbaseValue:     tpl.CoinbaseValue,
		WitnessCommitment: tpl.DefaultWitnessCommitment,
		CoinbaseMessage:   n.Builder.CoinbaseMessage,
		MerkleBranches:    branches,
		TxHashes:          txHashes,
		Coinb1:            coinb1,
		Coinb2:            coinb2,
		PayoutScript:      n.Builder.PayoutScript(),
		DonationScript:    n.Builder.DonationScript,
		DonationFrac:      n.Builder.DonationFrac,
		VersionMask:       computePoolMask(tpl, n.VersionMask),
		PrevHash:          prevHash,
		Bits:              bitsBytes,
		ScriptTime:        scriptTime,
	}
	j.Clean = clean
	j.Notify = BuildNotifyParams(j)
	return j, clean, nil
}

// computePoolMask negotiates a BIP9 version-rolling mask against the
// template's advertised mutable version bits, falling back to the
// configured base mask when the template doesn't declare mutability
// (some bitcoind templates omit "version/force" from mutable but still
// tolerate rolled bits in practice).
func computePoolMask(tpl BlockTemplate, base uint32) uint32 {
	if base == 0 {
		return 0
	}
	if !versionMutable(tpl.Mutable) {
		return base
	}
	mask := base &^ uint32(tpl.VBRequired)
	active := make(map[string]struct{}, len(tpl.Rules))
	for _, r := range tpl.Rules {
		active[r] = struct{}{}
	}
	for name, bit := range tpl.VBAvailable {
		if _, ok := active[name]; !ok {
			mask &^= uint32(1) << uint(bit)
		}
	}
	return mask
}

func versionMutable(mutable []string) bool {
	for _, m := range mutable {
		if m == "version/force" || m == "version" {
			return true
		}
	}
	return false
}

func validateWitnessCommitment(commitment string) error {
	if commitment == "" {
		return fmt.Errorf("template missing default witness commitment")
	}
	raw, err := hex.DecodeString(commitment)
	if err != nil {
		return fmt.Errorf("invalid default witness commitment: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("default witness commitment empty")
	}
	return nil
}

func validateTransactions(txs []Transaction) ([][]byte, error) {
	txids := make([][]byte, len(txs))
	for i, tx := range txs {
		if len(tx.Txid) != 64 {
			return nil, fmt.Errorf("tx %d has invalid txid length: %d hex chars", i, len(tx.Txid))
		}
		txidBytes, err := hex.DecodeString(tx.Txid)
		if err != nil {
			return nil, fmt.Errorf("decode txid %s: %w", tx.Txid, err)
		}

		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("decode tx %d data: %w", i, err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("tx %d data empty", i)
		}
		base, _, err := stripWitnessData(raw)
		if err != nil {
			return nil, fmt.Errorf("tx %d witness strip: %w", i, err)
		}
		legacyTxid := ReverseBytes(DoubleSHA256(base))
		if hex.EncodeToString(legacyTxid) != tx.Txid {
			return nil, fmt.Errorf("tx %d txid mismatch: computed %x, template says %s", i, legacyTxid, tx.Txid)
		}
		// txids from the template are big-endian display order; store them
		// natural (little-endian byte order matching DoubleSHA256 output)
		// for merkle computation.
		txids[i] = ReverseBytes(txidBytes)
	}
	return txids, nil
}

func validateBits(bitsHex, templateTargetHex string) (*big.Int, error) {
	if len(bitsHex) != 8 {
		return nil, fmt.Errorf("bits must be 8 hex characters, got %d", len(bitsHex))
	}
	target, err := TargetFromBits(bitsHex)
	if err != nil {
		return nil, err
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("bits produced non-positive target")
	}
	if templateTargetHex == "" {
		return target, nil
	}
	tplTarget, ok := new(big.Int).SetString(templateTargetHex, 16)
	if !ok || tplTarget.Sign() <= 0 {
		return nil, fmt.Errorf("invalid template target %q", templateTargetHex)
	}
	if tplTarget.Cmp(target) != 0 {
		return nil, fmt.Errorf("bits target %s mismatches template target %s", target.Text(16), tplTarget.Text(16))
	}
	return target, nil
}
