// Package job implements block-template acquisition, coinbase synthesis,
// merkle branch computation, and the job registry: the work distribution
// pipeline that turns bitcoind templates into Stratum jobs.
package job

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	sha256simd "github.com/minio/sha256-simd"
)

// DIFF1 is the canonical Bitcoin pool difficulty-1 target: the target
// implied by compact bits 0x1d00ffff, re-derived independently here rather
// than imported from a library constant.
var DIFF1 = func() *big.Int {
	n, ok := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	if !ok {
		panic("job: invalid DIFF1 literal")
	}
	return n
}()

var maxUint256 = func() *big.Int {
	n := new(big.Int).Lsh(big.NewInt(1), 256)
	return n.Sub(n, big.NewInt(1))
}()

// TargetFromBits unpacks a compact 4-byte nBits hex string into a full
// 256-bit target (BIP definition of the compact "difficulty" field).
func TargetFromBits(bitsHex string) (*big.Int, error) {
	b, err := hex.DecodeString(bitsHex)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("invalid bits length %d", len(b))
	}
	exp := b[0]
	mantissa := new(big.Int).SetBytes(b[1:])
	if exp < 3 {
		return new(big.Int).Rsh(mantissa, 8*uint(3-exp)), nil
	}
	return new(big.Int).Lsh(mantissa, 8*uint(exp-3)), nil
}

// TargetFromDifficulty computes target = floor(DIFF1 / d).
func TargetFromDifficulty(diff float64) *big.Int {
	if diff <= 0 {
		return new(big.Int).Set(maxUint256)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(diff, 'g', -1, 64))
	if !ok || r.Sign() <= 0 {
		return new(big.Int).Set(maxUint256)
	}
	target := new(big.Rat).SetInt(DIFF1)
	target.Quo(target, r)
	tgt := new(big.Int).Quo(target.Num(), target.Denom())
	if tgt.Sign() == 0 {
		tgt = big.NewInt(1)
	}
	if tgt.Cmp(maxUint256) > 0 {
		tgt = new(big.Int).Set(maxUint256)
	}
	return tgt
}

// DifficultyFromBits reports the network difficulty implied by compact bits.
func DifficultyFromBits(bits uint32) float64 {
	target, err := TargetFromBits(fmt.Sprintf("%08x", bits))
	if err != nil || target.Sign() == 0 {
		return 0
	}
	f := new(big.Float).SetPrec(256).SetInt(DIFF1)
	d := new(big.Float).SetPrec(256).SetInt(target)
	f.Quo(f, d)
	val, _ := f.Float64()
	return val
}

// DifficultyFromHash approximates the difficulty achieved by a header hash
// (little-endian bytes as produced by DoubleSHA256) without allocating a
// big.Int, for live hashrate reporting only; acceptance always uses the
// exact big.Int comparison in ShareValidator.
func DifficultyFromHash(hash []byte, maxDiff float64) float64 {
	msb := -1
	for i := len(hash) - 1; i >= 0; i-- {
		if hash[i] != 0 {
			msb = i
			break
		}
	}
	if msb < 0 {
		return maxDiff
	}

	var top uint64
	for j := 0; j < 8; j++ {
		idx := msb - j
		var b byte
		if idx >= 0 {
			b = hash[idx]
		}
		top = (top << 8) | uint64(b)
	}
	if top == 0 {
		return maxDiff
	}

	exponentBits := 8 * (msb - 7)
	diff := math.Ldexp(65535.0/float64(top), 208-exponentBits)
	if diff <= 0 || math.IsNaN(diff) {
		return maxDiff
	}
	if math.IsInf(diff, 0) {
		return math.MaxFloat64
	}
	return diff
}

// DoubleSHA256 hashes b with SHA-256 twice, using the AVX2/SHA-NI
// accelerated implementation from minio/sha256-simd where the platform
// supports it, falling back to its own pure-Go path otherwise; the library
// self-selects at runtime, so no build-tag split is needed here.
func DoubleSHA256(b []byte) []byte {
	first := sha256simd.Sum256(b)
	second := sha256simd.Sum256(first[:])
	return second[:]
}

// DisplayHash renders a 32-byte internal-order double-SHA256 digest (as
// returned by DoubleSHA256 or carried on a validated Result) in the
// reversed, big-endian hex form block explorers and bitcoind use, via
// chainhash.Hash's own String(). Returns "" for anything not exactly 32
// bytes rather than panicking, since callers pass share/block hashes that
// are already known-good by construction but shouldn't crash logging if not.
func DisplayHash(hash []byte) string {
	h, err := chainhash.NewHash(hash)
	if err != nil {
		return ""
	}
	return h.String()
}

// ReverseBytes returns a reversed copy of in.
func ReverseBytes(in []byte) []byte {
	out := append([]byte(nil), in...)
	slices.Reverse(out)
	return out
}

// SwapWordsPrevHash applies Stratum V1's historical word-swap: 32 bytes
// regrouped into eight 4-byte words, each word byte-reversed. It is an
// involution: SwapWordsPrevHash(SwapWordsPrevHash(x)) == x.
func SwapWordsPrevHash(natural [32]byte) [32]byte {
	var out [32]byte
	for w := 0; w < 8; w++ {
		for b := 0; b < 4; b++ {
			out[w*4+b] = natural[w*4+3-b]
		}
	}
	return out
}
