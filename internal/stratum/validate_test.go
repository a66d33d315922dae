package stratum

import (
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/m45pool/stratumpool/internal/job"
)

func testJob(t *testing.T, id string, target *big.Int) *job.Job {
	t.Helper()
	builder := &job.CoinbaseBuilder{
		PayoutScript:    []byte{0x76, 0xa9, 0x14, 0x00, 0x00, 0x00, 0x00, 0x88, 0xac},
		CoinbaseMessage: "test",
		Extranonce1Size: 4,
		Extranonce2Size: 4,
	}
	coinb1, coinb2, err := builder.Build(700000, 625000000, "", "", 1_700_000_000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var prevHash [32]byte
	for i := range prevHash {
		prevHash[i] = byte(i)
	}
	var bits [4]byte
	copy(bits[:], mustHex(t, "1d00ffff"))

	return &job.Job{
		ID:              id,
		Template:        job.BlockTemplate{Version: 0x20000000, MinTime: 1_600_000_000},
		Target:          target,
		Extranonce2Size: 4,
		Coinb1:          coinb1,
		Coinb2:          coinb2,
		PrevHash:        prevHash,
		Bits:            bits,
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q): %v", s, err)
	}
	return b
}

func maxTarget() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}

func TestValidateAcceptsShareMeetingSessionTarget(t *testing.T) {
	v := NewValidator()
	networkHardTarget, err := job.TargetFromBits("1d00ffff")
	if err != nil {
		t.Fatalf("TargetFromBits: %v", err)
	}
	j := testJob(t, "job1", networkHardTarget)

	sub := Submit{
		Worker:         "bc1qexample.rig1",
		JobID:          j.ID,
		ExtraNonce2Hex: "aabbccdd",
		NTimeHex:       "6553f100",
		NonceHex:       "00000001",
	}
	res := v.Validate(j, false, sub, []byte{0x01, 0x02, 0x03, 0x04}, 0, maxTarget(), &duplicateShareSet{})
	if res.Outcome != Accepted {
		t.Fatalf("expected Accepted, got %v (err=%v)", res.Outcome, res.Err)
	}
	if len(res.Header) != 80 {
		t.Fatalf("expected an 80-byte header, got %d", len(res.Header))
	}
	if len(res.Hash) != 32 {
		t.Fatalf("expected a 32-byte hash, got %d", len(res.Hash))
	}
}

func TestValidateDetectsDuplicateShare(t *testing.T) {
	v := NewValidator()
	j := testJob(t, "job2", maxTarget())
	sub := Submit{JobID: j.ID, ExtraNonce2Hex: "00000001", NTimeHex: "6553f100", NonceHex: "00000042"}
	dedup := &duplicateShareSet{}

	first := v.Validate(j, false, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), dedup)
	if first.Outcome != Accepted && first.Outcome != BlockSolve {
		t.Fatalf("expected first submit to succeed, got %v", first.Outcome)
	}

	second := v.Validate(j, false, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), dedup)
	if second.Outcome != Duplicate {
		t.Fatalf("expected Duplicate on resubmission, got %v", second.Outcome)
	}
}

// TestValidateDedupScopedToCallerSet checks the per-(JobId, session) dedup
// scoping: two independent duplicateShareSets for the same Job and
// identical (ex2, ntime, nonce, version) each accept once, since a real
// pair of sessions submitting this would have distinct ExtraNonce1 and thus
// distinct, independently valid headers.
func TestValidateDedupScopedToCallerSet(t *testing.T) {
	v := NewValidator()
	j := testJob(t, "job2c", maxTarget())
	sub := Submit{JobID: j.ID, ExtraNonce2Hex: "00000001", NTimeHex: "6553f100", NonceHex: "00000042"}

	sessionADedup := &duplicateShareSet{}
	sessionBDedup := &duplicateShareSet{}

	first := v.Validate(j, false, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), sessionADedup)
	if first.Outcome != Accepted && first.Outcome != BlockSolve {
		t.Fatalf("expected session A's submit to succeed, got %v", first.Outcome)
	}

	second := v.Validate(j, false, sub, []byte{0, 0, 0, 2}, 0, maxTarget(), sessionBDedup)
	if second.Outcome != Accepted && second.Outcome != BlockSolve {
		t.Fatalf("expected session B's submit, using its own dedup set, to succeed rather than Duplicate, got %v", second.Outcome)
	}

	// Within session A's own set, though, the same tuple resubmitted is
	// still a duplicate.
	third := v.Validate(j, false, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), sessionADedup)
	if third.Outcome != Duplicate {
		t.Fatalf("expected resubmission within the same session's dedup set to be Duplicate, got %v", third.Outcome)
	}
}

func TestValidateRejectsStaleJob(t *testing.T) {
	v := NewValidator()
	j := testJob(t, "job3", maxTarget())
	sub := Submit{JobID: j.ID, ExtraNonce2Hex: "00000001", NTimeHex: "6553f100", NonceHex: "00000001"}

	res := v.Validate(j, true, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), &duplicateShareSet{})
	if res.Outcome != Stale {
		t.Fatalf("expected Stale, got %v", res.Outcome)
	}
}

func TestValidateDuplicateTakesPriorityOverStale(t *testing.T) {
	v := NewValidator()
	j := testJob(t, "job2b", maxTarget())
	sub := Submit{JobID: j.ID, ExtraNonce2Hex: "00000001", NTimeHex: "6553f100", NonceHex: "00000042"}
	dedup := &duplicateShareSet{}

	first := v.Validate(j, false, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), dedup)
	if first.Outcome != Accepted && first.Outcome != BlockSolve {
		t.Fatalf("expected first submit to succeed, got %v", first.Outcome)
	}

	// Same share resubmitted against a now-stale job: duplicate wins the
	// tie-break, not stale.
	second := v.Validate(j, true, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), dedup)
	if second.Outcome != Duplicate {
		t.Fatalf("expected Duplicate to take priority over Stale, got %v", second.Outcome)
	}
}

func TestValidateRejectsFutureNTime(t *testing.T) {
	v := NewValidator()
	v.MaxFutureDrift = time.Hour
	j := testJob(t, "job4", maxTarget())
	tooFar := uint32(time.Now().Add(3 * time.Hour).Unix())
	sub := Submit{
		JobID:          j.ID,
		ExtraNonce2Hex: "00000001",
		NTimeHex:       hex.EncodeToString(uint32ToBE(tooFar)),
		NonceHex:       "00000001",
	}
	res := v.Validate(j, false, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), &duplicateShareSet{})
	if res.Outcome != InvalidParams {
		t.Fatalf("expected InvalidParams for a too-far-future ntime, got %v", res.Outcome)
	}
}

func TestValidateRejectsWrongExtranonce2Length(t *testing.T) {
	v := NewValidator()
	j := testJob(t, "job5", maxTarget())
	sub := Submit{JobID: j.ID, ExtraNonce2Hex: "aabb", NTimeHex: "6553f100", NonceHex: "00000001"}
	res := v.Validate(j, false, sub, []byte{0, 0, 0, 1}, 0, maxTarget(), &duplicateShareSet{})
	if res.Outcome != InvalidParams {
		t.Fatalf("expected InvalidParams for a short extranonce2, got %v", res.Outcome)
	}
}

func TestAssembleHeaderMatchesFieldLayout(t *testing.T) {
	var prev [32]byte
	for i := range prev {
		prev[i] = byte(i + 1)
	}
	var bits [4]byte
	copy(bits[:], mustHex(t, "1d00ffff"))
	merkleRoot := make([]byte, 32)
	for i := range merkleRoot {
		merkleRoot[i] = byte(255 - i)
	}

	hdr := assembleHeader(0x20000000, prev, merkleRoot, 0x66778899, bits, 0x0000002a)
	if len(hdr) != 80 {
		t.Fatalf("expected 80 bytes, got %d", len(hdr))
	}
	if hdr[0] != 0x00 || hdr[3] != 0x20 {
		t.Fatalf("expected little-endian version at offset 0, got %x", hdr[0:4])
	}
	// prevHash must be byte-reversed from its natural display order.
	if hdr[4] != prev[31] || hdr[35] != prev[0] {
		t.Fatalf("expected reversed prevHash at offset 4, got %x", hdr[4:36])
	}
	// merkleRoot passes through unreversed.
	if hdr[36] != merkleRoot[0] || hdr[67] != merkleRoot[31] {
		t.Fatalf("expected merkle root unreversed at offset 36, got %x", hdr[36:68])
	}
	// nonce is little-endian at the tail.
	if hdr[76] != 0x2a || hdr[79] != 0x00 {
		t.Fatalf("expected little-endian nonce at offset 76, got %x", hdr[76:80])
	}
}

func TestHashToBigIntInterpretsLittleEndian(t *testing.T) {
	hash := make([]byte, 32)
	hash[31] = 0x01 // most significant byte in a little-endian layout
	got := hashToBigInt(hash)
	want := new(big.Int).Lsh(big.NewInt(1), 248)
	if got.Cmp(want) != 0 {
		t.Fatalf("hashToBigInt: got %s, want %s", got.Text(16), want.Text(16))
	}
}

func uint32ToBE(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
