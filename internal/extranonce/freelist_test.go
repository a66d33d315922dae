package extranonce

import "testing"

func TestPoolFreeListRejectsBadSize(t *testing.T) {
	if _, err := NewPoolFreeList(1); err == nil {
		t.Fatal("expected error for size below minimum")
	}
	if _, err := NewPoolFreeList(9); err == nil {
		t.Fatal("expected error for size above maximum")
	}
}

func TestPoolFreeListAllocatesDistinctValues(t *testing.T) {
	fl, err := NewPoolFreeList(4)
	if err != nil {
		t.Fatalf("NewPoolFreeList: %v", err)
	}
	a := fl.Allocate("")
	b := fl.Allocate("")
	if len(a) != 4 || len(b) != 4 {
		t.Fatalf("expected 4-byte enonce1 values, got %d and %d", len(a), len(b))
	}
	if string(a) == string(b) {
		t.Fatal("expected distinct allocations")
	}
	if fl.InUse() != 2 {
		t.Fatalf("expected 2 in-use allocations, got %d", fl.InUse())
	}
}

func TestPoolFreeListRecyclesOnRelease(t *testing.T) {
	fl, _ := NewPoolFreeList(4)
	a := fl.Allocate("")
	fl.Release(a)
	if fl.InUse() != 0 {
		t.Fatalf("expected 0 in-use after release, got %d", fl.InUse())
	}
	b := fl.Allocate("")
	if string(a) != string(b) {
		t.Fatal("expected the released value to be recycled")
	}
}

func TestPoolFreeListResumesSession(t *testing.T) {
	fl, _ := NewPoolFreeList(4)
	first := fl.Allocate("miner-1")
	fl.Release(first)
	second := fl.Allocate("miner-1")
	if string(first) != string(second) {
		t.Fatal("expected resumed session to reclaim its previous enonce1")
	}
}

func TestProxyExtensionRoundTripsEnonce2(t *testing.T) {
	ext, err := NewProxyExtension([]byte{0x01, 0x02, 0x03, 0x04}, 8, 2)
	if err != nil {
		t.Fatalf("NewProxyExtension: %v", err)
	}
	if ext.DownstreamE2Size != 6 {
		t.Fatalf("expected downstream enonce2 size 6, got %d", ext.DownstreamE2Size)
	}

	minerE1 := ext.AllocateDownstream()
	if len(minerE1) != ext.DownstreamEnonce1Size() {
		t.Fatalf("expected enonce1 length %d, got %d", ext.DownstreamEnonce1Size(), len(minerE1))
	}

	minerE2 := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	upstreamE2 := ext.ReconstructUpstreamEnonce2(minerE1, minerE2)
	if len(upstreamE2) != 8 {
		t.Fatalf("expected reconstructed upstream enonce2 length 8, got %d", len(upstreamE2))
	}
}

func TestProxyExtensionRejectsUndersizedExtension(t *testing.T) {
	if _, err := NewProxyExtension([]byte{1, 2, 3, 4}, 3, 2); err == nil {
		t.Fatal("expected error when extension leaves too little downstream enonce2 space")
	}
}
