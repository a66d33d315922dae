package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/m45pool/stratumpool/internal/job"
	"github.com/m45pool/stratumpool/internal/perr"
)

// Outcome classifies the result of validating a mining.submit call.
type Outcome int

const (
	Accepted Outcome = iota
	BlockSolve
	LowDifficulty
	Duplicate
	Stale
	InvalidJob
	InvalidParams
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case BlockSolve:
		return "block_solve"
	case LowDifficulty:
		return "low_difficulty"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case InvalidJob:
		return "invalid_job"
	case InvalidParams:
		return "invalid_params"
	default:
		return "unknown"
	}
}

// Submit is the parsed set of mining.submit parameters, before job lookup.
type Submit struct {
	Worker         string
	JobID          string
	ExtraNonce2Hex string
	NTimeHex       string
	NonceHex       string
	// VersionBitsHex is the optional sixth parameter (BIP310 version-rolling
	// bits), present only when the session negotiated the extension.
	VersionBitsHex string
	HasVersionBits bool
}

// Result is the outcome of validating a Submit against a Job.
type Result struct {
	Outcome    Outcome
	Difficulty float64 // approximate difficulty achieved by the share, for reporting
	Header     []byte  // the assembled 80-byte header, when far enough along to build one
	Hash       []byte  // double-SHA256 of Header, natural (internal) byte order
	Err        *perr.Error
}

// duplicateKey identifies a share submission within one Job by its
// (ExtraNonce2, ntime, nonce, version) tuple.
type duplicateKey struct {
	ex2     string
	ntime   uint32
	nonce   uint32
	version uint32
}

// duplicateShareSet is a bounded seen-set, evicting its oldest-inserted
// keys at capacity, scoped to one
// (JobId, Session) pair. The dedup key omits ExtraNonce1, so two sessions
// sharing the same set would wrongly collide on otherwise-distinct,
// independently valid shares; a Session owns one of these per live JobId
// (see session.go's dedupSetForJob).
type duplicateShareSet struct {
	mu    sync.Mutex
	seen  map[duplicateKey]struct{}
	order []duplicateKey
}

const duplicateShareHistory = 100_000

func (s *duplicateShareSet) seenOrAdd(key duplicateKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen == nil {
		s.seen = make(map[duplicateKey]struct{}, duplicateShareHistory)
		s.order = make([]duplicateKey, 0, duplicateShareHistory)
	}
	if _, ok := s.seen[key]; ok {
		return true
	}
	if len(s.order) >= duplicateShareHistory {
		evict := duplicateShareHistory / 10
		if evict < 1 {
			evict = 1
		}
		for _, k := range s.order[:evict] {
			delete(s.seen, k)
		}
		s.order = s.order[evict:]
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
	return false
}

// Validator validates mining.submit calls against Jobs resolved from a
// job.Registry. Validator itself holds no per-session or per-Job state, so
// it is safe to share across every session: the duplicate-share seen-set is
// scoped per (JobId, session) and owned by the calling Session (see
// session.go's dedupSetForJob).
//
// Header assembly keeps prev-hash and nBits in the template's natural,
// display byte order and reverses them only when the 80-byte header is
// assembled; merkle-tree hashes are kept in raw double-SHA256 output order
// throughout and are never reversed.
type Validator struct {
	// MaxFutureDrift bounds how far past "now" a submitted ntime may sit.
	MaxFutureDrift time.Duration
}

// NewValidator constructs a Validator with the default 2-hour future drift
// allowance.
func NewValidator() *Validator {
	return &Validator{
		MaxFutureDrift: 2 * time.Hour,
	}
}

// Validate checks sub against j (already resolved via job.Registry.Lookup,
// with lookup == job.LookupFound or job.LookupStale; InvalidJob is the
// caller's responsibility to report on job.LookupEvicted before calling
// Validate at all), the session's extranonce1, its version-rolling mask, and
// its current per-share target (derived from vardiff difficulty). dedup is
// the calling session's seen-set for this JobId (see session.go's
// dedupSetForJob), never shared with another session even for the same
// JobId, since the dedup key omits ExtraNonce1.
func (v *Validator) Validate(j *job.Job, stale bool, sub Submit, extranonce1 []byte, versionMask uint32, sessionTarget *big.Int, dedup *duplicateShareSet) Result {
	ex2, err := hex.DecodeString(sub.ExtraNonce2Hex)
	if err != nil || len(ex2) != j.Extranonce2Size {
		return Result{Outcome: InvalidParams, Err: perr.Validationf(ErrOther, "invalid_params", "extranonce2 must be %d bytes", j.Extranonce2Size)}
	}
	ntime, err := parseHexUint32(sub.NTimeHex)
	if err != nil {
		return Result{Outcome: InvalidParams, Err: perr.Validationf(ErrOther, "invalid_params", "malformed ntime: %v", err)}
	}
	nonce, err := parseHexUint32(sub.NonceHex)
	if err != nil {
		return Result{Outcome: InvalidParams, Err: perr.Validationf(ErrOther, "invalid_params", "malformed nonce: %v", err)}
	}
	var versionBits uint32
	if sub.HasVersionBits {
		versionBits, err = parseHexUint32(sub.VersionBitsHex)
		if err != nil {
			return Result{Outcome: InvalidParams, Err: perr.Validationf(ErrOther, "invalid_params", "malformed version bits: %v", err)}
		}
	}

	// Duplicate over everything: a resubmission of an already-seen share is
	// reported as such even against a job that has since gone stale, since
	// duplicates cost network work regardless of validity.
	dedupKey := duplicateKey{ex2: sub.ExtraNonce2Hex, ntime: ntime, nonce: nonce, version: versionBits}
	if dedup.seenOrAdd(dedupKey) {
		return Result{Outcome: Duplicate, Err: perr.Validationf(ErrDuplicateShare, "duplicate", "Duplicate share")}
	}

	if stale {
		return Result{Outcome: Stale, Err: perr.Validationf(ErrJobNotFound, "stale", "Stale share")}
	}

	if err := rangeCheckNTime(ntime, j.Template.MinTime, v.MaxFutureDrift); err != nil {
		return Result{Outcome: InvalidParams, Err: perr.Validationf(ErrOther, "invalid_params", "%v", err)}
	}

	_, txid, err := job.AssembleCoinbase(j.Coinb1, j.Coinb2, extranonce1, ex2)
	if err != nil {
		return Result{Outcome: InvalidParams, Err: perr.Validationf(ErrOther, "invalid_params", "coinbase assembly: %v", err)}
	}
	merkleRoot := job.ComputeMerkleRoot(txid, j.MerkleBranches)

	effectiveVersion := uint32(j.Template.Version)
	if sub.HasVersionBits {
		effectiveVersion = (effectiveVersion &^ versionMask) | (versionBits & versionMask)
	}

	header := assembleHeader(effectiveVersion, j.PrevHash, merkleRoot, ntime, j.Bits, nonce)
	hash := job.DoubleSHA256(header)

	h := hashToBigInt(hash)
	diff := job.DifficultyFromHash(hash, 1<<62)

	meetsNetwork := h.Cmp(j.Target) <= 0
	meetsSession := sessionTarget != nil && h.Cmp(sessionTarget) <= 0

	switch {
	case meetsNetwork:
		// On mainnet the network target is always far smaller (harder) than
		// any session target a vardiff controller would configure, so
		// meetsNetwork implies meetsSession in practice. On a
		// very-low-difficulty network (regtest) the network target can sit
		// above the session target, making meetsSession false here; a
		// network-target hit is still a genuine solved block, so it is
		// reported as BlockSolve regardless. This pool never suppresses a
		// real block find because a session's own, independently retargeted
		// vardiff target happened not to clear it too.
		return Result{Outcome: BlockSolve, Difficulty: diff, Header: header, Hash: hash}
	case meetsSession:
		return Result{Outcome: Accepted, Difficulty: diff, Header: header, Hash: hash}
	default:
		return Result{
			Outcome:    LowDifficulty,
			Difficulty: diff,
			Header:     header,
			Hash:       hash,
			Err:        perr.Validationf(ErrLowDifficulty, "low_difficulty", "share difficulty %.4f below session target", diff),
		}
	}
}

// assembleHeader builds the canonical 80-byte Bitcoin block header:
// version(LE) || prevHash(natural/internal order) || merkleRoot(as computed,
// no reversal) || ntime(LE) || bits(LE) || nonce(LE). prevHashDisplay and
// bitsDisplay are stored in the template's display (big-endian) byte order,
// as decoded directly off getblocktemplate's hex fields, and are reversed
// here to their internal little-endian header representation.
func assembleHeader(version uint32, prevHashDisplay [32]byte, merkleRoot []byte, ntime uint32, bitsDisplay [4]byte, nonce uint32) []byte {
	hdr := make([]byte, 80)
	binary.LittleEndian.PutUint32(hdr[0:4], version)
	reverseInto(hdr[4:36], prevHashDisplay[:])
	copy(hdr[36:68], merkleRoot)
	binary.LittleEndian.PutUint32(hdr[68:72], ntime)
	reverseInto(hdr[72:76], bitsDisplay[:])
	binary.LittleEndian.PutUint32(hdr[76:80], nonce)
	return hdr
}

func reverseInto(dst, src []byte) {
	for i, b := range src {
		dst[len(src)-1-i] = b
	}
}

// hashToBigInt interprets a double-SHA256 digest (as produced by
// job.DoubleSHA256, internal/little-endian order) as a little-endian
// 256-bit integer.
func hashToBigInt(hash []byte) *big.Int {
	be := make([]byte, len(hash))
	reverseInto(be, hash)
	return new(big.Int).SetBytes(be)
}

func parseHexUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	if len(b) != 4 {
		if len(b) > 4 {
			return 0, errInvalidLength
		}
		copy(buf[4-len(b):], b)
	} else {
		copy(buf[:], b)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

var errInvalidLength = hexLengthError{}

type hexLengthError struct{}

func (hexLengthError) Error() string { return "hex field longer than 4 bytes" }

func rangeCheckNTime(ntime uint32, minNTime int64, maxFutureDrift time.Duration) error {
	if minNTime > 0 && int64(ntime) < minNTime {
		return errNTimeTooOld
	}
	maxAllowed := time.Now().Add(maxFutureDrift).Unix()
	if int64(ntime) > maxAllowed {
		return errNTimeTooNew
	}
	return nil
}

var (
	errNTimeTooOld = ntimeRangeError("ntime older than template minimum")
	errNTimeTooNew = ntimeRangeError("ntime too far in the future")
)

type ntimeRangeError string

func (e ntimeRangeError) Error() string { return string(e) }
