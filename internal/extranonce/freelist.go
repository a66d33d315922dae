// Package extranonce allocates and recycles per-session ExtraNonce1 values.
// A pool-mode allocator owns the full ExtraNonce1 namespace, while a
// proxy-mode allocator carves a small extension out of the miner-facing
// ExtraNonce2 space, reusing the upstream pool's single ExtraNonce1 for
// every downstream session (see proxy.go).
package extranonce

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	// MinSize and MaxSize bound both ExtraNonce1 and ExtraNonce2 widths.
	MinSize = 2
	MaxSize = 8
)

// PoolFreeList allocates fixed-width ExtraNonce1 values from a bounded
// namespace, recycling values released on disconnect rather than growing a
// monotonic counter: a monotonic counter would exhaust a 4-byte space
// after 2^32 connections over the pool's lifetime, while recycling keeps
// the space bounded by concurrent connection count instead.
type PoolFreeList struct {
	size int

	mu       sync.Mutex
	free     []uint32
	next     uint32
	inUse    map[uint32]struct{}
	sessions map[string]uint32 // subscription-resume key -> enonce1, for reconnects
}

// NewPoolFreeList builds a free-list allocator producing size-byte
// ExtraNonce1 values.
func NewPoolFreeList(size int) (*PoolFreeList, error) {
	if size < MinSize || size > MaxSize {
		return nil, fmt.Errorf("extranonce: enonce1 size %d outside [%d, %d]", size, MinSize, MaxSize)
	}
	return &PoolFreeList{
		size:     size,
		inUse:    make(map[uint32]struct{}),
		sessions: make(map[string]uint32),
	}, nil
}

// Size reports the allocator's ExtraNonce1 width in bytes.
func (p *PoolFreeList) Size() int { return p.size }

// Allocate returns a fresh ExtraNonce1, preferring a released value over
// growing the allocation counter. resumeKey, if non-empty, lets a session
// that resubscribes with a known identity (e.g. a stable client fingerprint)
// reclaim its previous ExtraNonce1 rather than receive a new one.
func (p *PoolFreeList) Allocate(resumeKey string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if resumeKey != "" {
		if id, ok := p.sessions[resumeKey]; ok {
			if _, taken := p.inUse[id]; !taken {
				p.inUse[id] = struct{}{}
				return encodeEnonce1(id, p.size)
			}
		}
	}

	var id uint32
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		id = p.next
		p.next++
	}
	p.inUse[id] = struct{}{}
	if resumeKey != "" {
		p.sessions[resumeKey] = id
	}
	return encodeEnonce1(id, p.size)
}

// Release returns an ExtraNonce1 to the free list on session disconnect.
func (p *PoolFreeList) Release(enonce1 []byte) {
	id, ok := decodeEnonce1(enonce1)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[id]; !ok {
		return
	}
	delete(p.inUse, id)
	p.free = append(p.free, id)
}

// InUse reports the number of currently allocated ExtraNonce1 values.
func (p *PoolFreeList) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func encodeEnonce1(id uint32, size int) []byte {
	var full [4]byte
	binary.BigEndian.PutUint32(full[:], id)
	out := make([]byte, size)
	// Right-align the counter within the configured width so widths larger
	// than 4 bytes still produce distinct, low-order-varying values.
	if size >= 4 {
		copy(out[size-4:], full[:])
	} else {
		copy(out, full[4-size:])
	}
	return out
}

func decodeEnonce1(b []byte) (uint32, bool) {
	if len(b) == 0 {
		return 0, false
	}
	if len(b) < 4 {
		var full [4]byte
		copy(full[4-len(b):], b)
		return binary.BigEndian.Uint32(full[:]), true
	}
	return binary.BigEndian.Uint32(b[len(b)-4:]), true
}
