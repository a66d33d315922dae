package job

import (
	"encoding/hex"
	"testing"
)

// TestBuildNotifyParamsPrevHashWireVector pins the notify prev_hash
// transform against a known display/notify pair (the leading and trailing
// words of a real getblocktemplate previousblockhash and the mining.notify
// value miners must build headers over for it): display order
// 0000030e...899cec17 becomes notify order 899cec17...0000030e. The middle
// 24 bytes are irrelevant to word order and are left zero.
func TestBuildNotifyParamsPrevHashWireVector(t *testing.T) {
	var display [32]byte
	copy(display[0:4], mustDecode(t, "0000030e"))
	copy(display[28:32], mustDecode(t, "899cec17"))

	j := &Job{ID: "job1", PrevHash: display, Template: BlockTemplate{}}
	params := BuildNotifyParams(j)

	if got, want := params.PrevHashSwap[0:8], "899cec17"; got != want {
		t.Fatalf("expected notify prev_hash to start with %s, got %s", want, got)
	}
	if got, want := params.PrevHashSwap[56:64], "0000030e"; got != want {
		t.Fatalf("expected notify prev_hash to end with %s, got %s", want, got)
	}
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q): %v", s, err)
	}
	return b
}
