//go:build !((amd64 || arm64) && !jsonx_std)

package jsonx

import (
	"encoding/json"
	"io"
)

// Fallback encoder for platforms sonic's assembly backend does not target.

func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func NewEncoder(w io.Writer) Encoder { return json.NewEncoder(w) }

func NewDecoder(r io.Reader) Decoder { return json.NewDecoder(r) }
