package extranonce

import (
	"fmt"
	"sync"
)

// ProxyExtension carves each downstream miner a distinct ExtraNonce1 suffix
// out of the single ExtraNonce1/ExtraNonce2 space the upstream pool granted
// the proxy's own subscription, so multiple local miners can share one
// upstream connection without colliding on extranonce space.
type ProxyExtension struct {
	UpstreamEnonce1  []byte
	ExtensionSize    int
	DownstreamE2Size int

	mu   sync.Mutex
	next uint32
}

// NewProxyExtension validates the split and constructs a ProxyExtension.
// upstreamEnonce2Size is the ExtraNonce2 width the upstream pool granted;
// extensionSize bytes of it are reassigned to the downstream ExtraNonce1
// suffix, leaving the remainder for the downstream miner's own ExtraNonce2.
func NewProxyExtension(upstreamEnonce1 []byte, upstreamEnonce2Size, extensionSize int) (*ProxyExtension, error) {
	if len(upstreamEnonce1) < MinSize || len(upstreamEnonce1) > MaxSize {
		return nil, fmt.Errorf("extranonce: upstream enonce1 size %d outside [%d, %d]", len(upstreamEnonce1), MinSize, MaxSize)
	}
	downstreamE2 := upstreamEnonce2Size - extensionSize
	if downstreamE2 < MinSize || downstreamE2 > MaxSize {
		return nil, fmt.Errorf("extranonce: miner enonce2 space %d outside [%d, %d] (upstream enonce2 %d - extension %d)",
			downstreamE2, MinSize, MaxSize, upstreamEnonce2Size, extensionSize)
	}
	return &ProxyExtension{
		UpstreamEnonce1:  append([]byte(nil), upstreamEnonce1...),
		ExtensionSize:    extensionSize,
		DownstreamE2Size: downstreamE2,
	}, nil
}

// DownstreamEnonce1Size is the full ExtraNonce1 width a miner sees:
// upstream's ExtraNonce1 plus the local extension.
func (p *ProxyExtension) DownstreamEnonce1Size() int {
	return len(p.UpstreamEnonce1) + p.ExtensionSize
}

// AllocateDownstream returns a fresh miner-facing ExtraNonce1: the
// upstream's ExtraNonce1 bytes followed by a locally unique extension.
func (p *ProxyExtension) AllocateDownstream() []byte {
	p.mu.Lock()
	id := p.next
	p.next++
	p.mu.Unlock()

	out := make([]byte, 0, p.DownstreamEnonce1Size())
	out = append(out, p.UpstreamEnonce1...)
	ext := make([]byte, p.ExtensionSize)
	for i := 0; i < p.ExtensionSize; i++ {
		ext[p.ExtensionSize-1-i] = byte(id >> (8 * uint(i)))
	}
	return append(out, ext...)
}

// ReconstructUpstreamEnonce2 rebuilds the ExtraNonce2 the upstream pool
// expects, by prepending the extension carved out of the miner's
// ExtraNonce1 to the miner's own (shorter) ExtraNonce2.
func (p *ProxyExtension) ReconstructUpstreamEnonce2(minerEnonce1, minerEnonce2 []byte) []byte {
	extension := minerEnonce1[len(p.UpstreamEnonce1):]
	out := make([]byte, 0, len(extension)+len(minerEnonce2))
	out = append(out, extension...)
	out = append(out, minerEnonce2...)
	return out
}
