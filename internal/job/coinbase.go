package job

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
)

// payoutOutput is a single non-witness-commitment output in the coinbase.
type payoutOutput struct {
	Script []byte
	Value  int64
}

const maxPayoutOutputs = 8

// CoinbaseBuilder synthesizes the coinbase transaction for a Job, splitting
// the block reward between at most two outputs: the pool's payout address
// and an optional donation address. There is no separate pool-revenue
// output; the pool fee not donated is paid to the payout address. The
// reward split is computed once per Job and shared by every subscriber
// rather than rebuilt per connection.
type CoinbaseBuilder struct {
	DonationScript  []byte
	DonationFrac    float64 // fraction of pool revenue, not of the full reward
	PoolFeeFrac     float64 // fraction of total coinbase value kept by the pool
	CoinbaseMessage string
	Extranonce1Size int
	Extranonce2Size int

	payoutMu     sync.RWMutex
	payoutScript []byte
}

// NewCoinbaseBuilder constructs a CoinbaseBuilder with the given initial
// payout script. Callers that build a CoinbaseBuilder as a struct literal
// may set PayoutScript once via SetPayoutScript before the first refresh
// instead.
func NewCoinbaseBuilder(payoutScript []byte) *CoinbaseBuilder {
	return &CoinbaseBuilder{payoutScript: payoutScript}
}

// SetPayoutScript atomically replaces the pool payout script, for the admin
// API's payout-address-update action. LocalNode.refresh reads the current
// script on every template rebuild, so a change here takes effect on the
// next published Job without restarting the process.
func (b *CoinbaseBuilder) SetPayoutScript(script []byte) {
	b.payoutMu.Lock()
	b.payoutScript = script
	b.payoutMu.Unlock()
}

// PayoutScript returns the payout script currently in effect.
func (b *CoinbaseBuilder) PayoutScript() []byte {
	b.payoutMu.RLock()
	defer b.payoutMu.RUnlock()
	return b.payoutScript
}

// buildPayouts splits totalValue into a payout output (worker share plus
// the pool fee left after donation) and, when a donation is due, a donation
// output: donation is carved FROM the pool fee, never from the worker's
// share.
func (b *CoinbaseBuilder) buildPayouts(totalValue int64) ([]payoutOutput, error) {
	payoutScript := b.PayoutScript()
	if len(payoutScript) == 0 {
		return nil, fmt.Errorf("job: payout script is required")
	}
	if totalValue <= 0 {
		return nil, fmt.Errorf("job: coinbase value must be positive")
	}

	poolFeeFrac := clampFraction(b.PoolFeeFrac, 0, 0.9999)
	totalPoolFee := int64(math.Round(float64(totalValue) * poolFeeFrac))
	if totalPoolFee > totalValue {
		totalPoolFee = totalValue
	}
	workerValue := totalValue - totalPoolFee

	if len(b.DonationScript) == 0 || b.DonationFrac <= 0 {
		if totalPoolFee == 0 {
			return []payoutOutput{{Script: payoutScript, Value: workerValue}}, nil
		}
		return []payoutOutput{
			{Script: payoutScript, Value: workerValue + totalPoolFee},
		}, nil
	}

	donationFrac := clampFraction(b.DonationFrac, 0, 1)
	donationValue := int64(math.Round(float64(totalPoolFee) * donationFrac))
	if donationValue > totalPoolFee {
		donationValue = totalPoolFee
	}
	remainderToPayout := totalPoolFee - donationValue + workerValue

	if remainderToPayout <= 0 {
		return nil, fmt.Errorf("job: payout would be zero after donation split")
	}
	if donationValue == 0 {
		return []payoutOutput{{Script: payoutScript, Value: remainderToPayout}}, nil
	}
	return []payoutOutput{
		{Script: payoutScript, Value: remainderToPayout},
		{Script: b.DonationScript, Value: donationValue},
	}, nil
}

func clampFraction(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// Build assembles coinb1/coinb2 (hex, split around the extranonce gap).
// The gap is Extranonce1Size+Extranonce2Size bytes of the scriptSig and is
// not part of either half: the miner inserts its extranonce1 and
// extranonce2 there when it rebuilds the coinbase.
func (b *CoinbaseBuilder) Build(height int64, coinbaseValue int64, witnessCommitmentHex, coinbaseFlagsHex string, scriptTime int64) (coinb1, coinb2 string, err error) {
	payouts, err := b.buildPayouts(coinbaseValue)
	if err != nil {
		return "", "", err
	}
	if len(payouts) > maxPayoutOutputs {
		return "", "", fmt.Errorf("job: too many payout outputs: %d", len(payouts))
	}

	var flagsBytes []byte
	if coinbaseFlagsHex != "" {
		flagsBytes, err = hex.DecodeString(coinbaseFlagsHex)
		if err != nil {
			return "", "", fmt.Errorf("decode coinbase flags: %w", err)
		}
	}
	var commitmentScript []byte
	if witnessCommitmentHex != "" {
		commitmentScript, err = hex.DecodeString(witnessCommitmentHex)
		if err != nil {
			return "", "", fmt.Errorf("decode witness commitment: %w", err)
		}
	}

	extranonce1 := make([]byte, b.Extranonce1Size)
	extraNoncePlaceholderLen := len(extranonce1) + b.Extranonce2Size
	extraNoncePlaceholder := make([]byte, extraNoncePlaceholderLen)

	scriptSigPart1 := bytes.Join([][]byte{
		serializeNumberScript(height),
		flagsBytes,
		serializeNumberScript(scriptTime),
		{byte(len(extraNoncePlaceholder))},
	}, nil)
	msg := normalizeCoinbaseMessage(b.CoinbaseMessage)
	scriptSigPart2 := serializeStringScript(msg)

	var p1 bytes.Buffer
	writeUint32LE(&p1, 1) // tx version
	writeVarInt(&p1, 1)   // one input
	p1.Write(make([]byte, 32))
	writeUint32LE(&p1, 0xffffffff)
	writeVarInt(&p1, uint64(len(scriptSigPart1)+extraNoncePlaceholderLen+len(scriptSigPart2)))
	p1.Write(scriptSigPart1)

	outputs, err := buildOutputs(commitmentScript, payouts)
	if err != nil {
		return "", "", err
	}

	var p2 bytes.Buffer
	p2.Write(scriptSigPart2)
	writeUint32LE(&p2, 0) // sequence
	p2.Write(outputs)
	writeUint32LE(&p2, 0) // locktime

	return hex.EncodeToString(p1.Bytes()), hex.EncodeToString(p2.Bytes()), nil
}

// AssembleCoinbase reconstructs the full coinbase transaction and its txid
// for a specific session's extranonce1/extranonce2, given the coinb1/coinb2
// halves produced by Build.
func AssembleCoinbase(coinb1, coinb2 string, extranonce1, extranonce2 []byte) (raw, txid []byte, err error) {
	p1, err := hex.DecodeString(coinb1)
	if err != nil {
		return nil, nil, fmt.Errorf("decode coinb1: %w", err)
	}
	p2, err := hex.DecodeString(coinb2)
	if err != nil {
		return nil, nil, fmt.Errorf("decode coinb2: %w", err)
	}
	raw = make([]byte, 0, len(p1)+len(extranonce1)+len(extranonce2)+len(p2))
	raw = append(raw, p1...)
	raw = append(raw, extranonce1...)
	raw = append(raw, extranonce2...)
	raw = append(raw, p2...)
	txid = DoubleSHA256(raw)
	return raw, txid, nil
}

func buildOutputs(commitmentScript []byte, payouts []payoutOutput) ([]byte, error) {
	if len(payouts) == 0 {
		return nil, fmt.Errorf("job: at least one payout output is required")
	}
	var out bytes.Buffer
	count := uint64(len(payouts))
	if len(commitmentScript) > 0 {
		count++
	}
	writeVarInt(&out, count)
	if len(commitmentScript) > 0 {
		writeUint64LE(&out, 0)
		writeVarInt(&out, uint64(len(commitmentScript)))
		out.Write(commitmentScript)
	}
	for i, o := range payouts {
		if len(o.Script) == 0 {
			return nil, fmt.Errorf("job: payout output %d has empty script", i)
		}
		if o.Value < 0 {
			return nil, fmt.Errorf("job: payout output %d has negative value", i)
		}
		writeUint64LE(&out, uint64(o.Value))
		writeVarInt(&out, uint64(len(o.Script)))
		out.Write(o.Script)
	}
	return out.Bytes(), nil
}

// serializeNumberScript is the BIP34 minimal-push encoding of n (used for
// the coinbase height push and the scriptTime push).
func serializeNumberScript(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}
	}
	l := 1
	buf := make([]byte, 9)
	for n > 0x7f {
		buf[l] = byte(n & 0xff)
		l++
		n >>= 8
	}
	buf[0] = byte(l)
	buf[l] = byte(n)
	return buf[:l+1]
}

// normalizeCoinbaseMessage trims and wraps msg in '/' delimiters, matching
// the pool-tag convention miners parse out of coinbase scriptSigs.
func normalizeCoinbaseMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "/stratumpool/"
	}
	msg = strings.TrimPrefix(msg, "/")
	msg = strings.TrimSuffix(msg, "/")
	return "/" + msg + "/"
}

func serializeStringScript(s string) []byte {
	b := []byte(s)
	switch {
	case len(b) < 253:
		return append([]byte{byte(len(b))}, b...)
	case len(b) < 0x10000:
		out := []byte{253, byte(len(b)), byte(len(b) >> 8)}
		return append(out, b...)
	default:
		out := []byte{254, byte(len(b)), byte(len(b) >> 8), byte(len(b) >> 16), byte(len(b) >> 24)}
		return append(out, b...)
	}
}
