// Package jsonx is the pool's sole JSON entry point: the Stratum codec and
// the admin API marshal/unmarshal exclusively through this package so the
// underlying encoder can be swapped by build tag without touching call sites.
package jsonx

import "encoding/json"

// Marshal, Unmarshal, NewEncoder, and NewDecoder are provided per-build-tag
// in jsonx_sonic.go (default, amd64/arm64) and jsonx_std.go (fallback).

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

// RawMessage delays JSON decoding, e.g. for a Stratum params array whose
// shape depends on the method name. It aliases encoding/json.RawMessage
// directly: both sonic's ConfigStd and encoding/json marshal/unmarshal it
// identically (a raw byte slice implementing the standard Marshaler
// interface), so no separate implementation is needed per build tag.
type RawMessage = json.RawMessage
