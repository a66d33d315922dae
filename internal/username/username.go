// Package username parses the Stratum authorize username grammar:
// `L1Addr[.LnId[@Domain]][.WorkerSuffix]`. The first segment is always the
// payout address; an optional Lightning id and domain follow, addressed by
// an '@' inside the second segment; anything after that is the worker
// suffix used to distinguish rigs mining under the same address.
package username

import (
	"fmt"
	"strings"
)

// MaxLength is the maximum accepted username length in bytes.
const MaxLength = 255

// Parsed holds the decomposed pieces of a Stratum authorize username.
type Parsed struct {
	L1Addr       string
	LnID         string // empty if no Lightning segment was present
	LnDomain     string // empty if no '@' was found, or explicitly empty per "addr.lnid@" edge case
	HasLnSegment bool
	WorkerSuffix string
}

// Parse decomposes raw per the grammar. Quotes some miners wrap the
// username in are trimmed first.
func Parse(raw string) (Parsed, error) {
	trimmed := strings.Trim(raw, "\"")
	if len(trimmed) == 0 {
		return Parsed{}, fmt.Errorf("username: empty")
	}
	if len(trimmed) > MaxLength {
		return Parsed{}, fmt.Errorf("username: length %d exceeds max %d", len(trimmed), MaxLength)
	}

	first := strings.IndexByte(trimmed, '.')
	if first < 0 {
		return Parsed{L1Addr: trimmed}, nil
	}
	addr := trimmed[:first]
	if addr == "" {
		return Parsed{}, fmt.Errorf("username: empty L1 address")
	}
	rest := trimmed[first+1:]

	p := Parsed{L1Addr: addr}
	if rest == "" {
		return p, nil
	}

	at := strings.IndexByte(rest, '@')
	if at < 0 {
		p.WorkerSuffix = rest
		return p, nil
	}

	p.HasLnSegment = true
	p.LnID = rest[:at]
	afterAt := rest[at+1:]

	// The domain runs from '@' to the next '.'; everything after that '.' is
	// the worker suffix. A second '@' inside the domain is not a separator.
	dot := strings.IndexByte(afterAt, '.')
	if dot < 0 {
		p.LnDomain = afterAt
		return p, nil
	}
	p.LnDomain = afterAt[:dot]
	p.WorkerSuffix = afterAt[dot+1:]
	return p, nil
}

// String recomposes the canonical username, the inverse of Parse for any
// value Parse produced.
func (p Parsed) String() string {
	var b strings.Builder
	b.WriteString(p.L1Addr)
	if p.HasLnSegment {
		b.WriteByte('.')
		b.WriteString(p.LnID)
		b.WriteByte('@')
		b.WriteString(p.LnDomain)
		if p.WorkerSuffix != "" {
			b.WriteByte('.')
			b.WriteString(p.WorkerSuffix)
		}
		return b.String()
	}
	if p.WorkerSuffix != "" {
		b.WriteByte('.')
		b.WriteString(p.WorkerSuffix)
	}
	return b.String()
}

// WorkerName is the identity used for aggregation and the persisted share
// row's `workername` column: the L1 address plus worker suffix, dropping
// any Lightning segment (which routes payouts, not worker identity).
func (p Parsed) WorkerName() string {
	if p.WorkerSuffix == "" {
		return p.L1Addr
	}
	return p.L1Addr + "." + p.WorkerSuffix
}
