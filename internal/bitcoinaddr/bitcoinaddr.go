// Package bitcoinaddr resolves the pool's configured payout/donation
// addresses into the scriptPubKeys CoinbaseBuilder embeds, and the chain
// name into the btcsuite/btcd network parameters everything else needs.
package bitcoinaddr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Params resolves the configured "chain" option (mainnet|signet|regtest) to
// the matching btcsuite network parameters.
func Params(chain string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(chain)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("bitcoinaddr: unknown chain %q", chain)
	}
}

// ScriptForAddress decodes addr for params and returns its scriptPubKey.
// Supports base58 (P2PKH/P2SH) and bech32/bech32m segwit destinations.
func ScriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || params == nil {
		return nil, errors.New("bitcoinaddr: empty address")
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("bitcoinaddr: decode address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("bitcoinaddr: address %s is not valid for %s", addr, params.Name)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("bitcoinaddr: pay to addr script: %w", err)
	}
	return script, nil
}

// AddressForScript derives a human-readable address from a standard
// scriptPubKey (P2PKH, P2SH, and common segwit forms), for the admin status
// API's payout display. Returns "" on any script it doesn't recognize.
func AddressForScript(script []byte, params *chaincfg.Params) string {
	if len(script) == 0 || params == nil {
		return ""
	}

	if len(script) == 25 &&
		script[0] == 0x76 && script[1] == 0xa9 &&
		script[2] == 0x14 && script[23] == 0x88 && script[24] == 0xac {
		return base58.CheckEncode(script[3:23], params.PubKeyHashAddrID)
	}

	if len(script) == 23 &&
		script[0] == 0xa9 && script[1] == 0x14 && script[22] == 0x87 {
		return base58.CheckEncode(script[2:22], params.ScriptHashAddrID)
	}

	if len(script) >= 4 && script[1] >= 0x02 && script[1] <= 0x28 {
		var ver byte
		switch script[0] {
		case 0x00:
			ver = 0
		default:
			if script[0] >= 0x51 && script[0] <= 0x60 {
				ver = script[0] - 0x50
			} else {
				return ""
			}
		}
		progLen := int(script[1])
		if 2+progLen > len(script) {
			return ""
		}
		progData, err := bech32.ConvertBits(script[2:2+progLen], 8, 5, true)
		if err != nil {
			return ""
		}
		data := append([]byte{ver}, progData...)
		var addr string
		if ver == 0 {
			addr, err = bech32.Encode(params.Bech32HRPSegwit, data)
		} else {
			addr, err = bech32.EncodeM(params.Bech32HRPSegwit, data)
		}
		if err != nil {
			return ""
		}
		return addr
	}

	return ""
}
