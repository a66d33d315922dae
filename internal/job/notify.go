package job

import (
	"encoding/hex"
	"fmt"
)

// BuildNotifyParams derives the mining.notify wire payload for j once, so
// every subscriber's session reuses the identical struct rather than
// re-deriving it per connection. prev_hash is word-swapped (a historical
// Stratum quirk, see SwapWordsPrevHash), merkle branches are natural-order
// hex siblings, and version/bits/time are 8-hex-char big-endian encodings
// of their numeric values.
func BuildNotifyParams(j *Job) NotifyParams {
	branches := make([]string, len(j.MerkleBranches))
	for i, b := range j.MerkleBranches {
		branches[i] = hex.EncodeToString(b)
	}

	// j.PrevHash is display (big-endian) order, as copied verbatim from
	// getblocktemplate's previousblockhash; the wire prev_hash is the
	// word-swap of natural order, i.e. the full-buffer reverse of the
	// display word-swap.
	swapped := SwapWordsPrevHash(j.PrevHash)
	notifyPrevHash := ReverseBytes(swapped[:])

	return NotifyParams{
		JobID:          j.ID,
		PrevHashSwap:   hex.EncodeToString(notifyPrevHash),
		Coinb1:         j.Coinb1,
		Coinb2:         j.Coinb2,
		MerkleBranches: branches,
		Version:        fmt.Sprintf("%08x", uint32(j.Template.Version)),
		Bits:           hex.EncodeToString(j.Bits[:]),
		Time:           fmt.Sprintf("%08x", uint32(j.ScriptTime)),
		CleanJobs:      j.Clean,
	}
}

// Params returns the ordered mining.notify parameter array: [job_id,
// prev_hash, coinb1, coinb2, merkle_branches, version, nbits, ntime,
// clean_jobs].
func (n NotifyParams) Params() []any {
	branches := make([]any, len(n.MerkleBranches))
	for i, b := range n.MerkleBranches {
		branches[i] = b
	}
	return []any{n.JobID, n.PrevHashSwap, n.Coinb1, n.Coinb2, branches, n.Version, n.Bits, n.Time, n.CleanJobs}
}
