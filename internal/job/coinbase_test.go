package job

import (
	"encoding/hex"
	"testing"
)

func TestCoinbaseBuilderSingleOutput(t *testing.T) {
	b := NewCoinbaseBuilder([]byte{0x76, 0xa9, 0x14})
	b.CoinbaseMessage = "test"
	b.Extranonce1Size = 4
	b.Extranonce2Size = 4
	coinb1, coinb2, err := b.Build(800000, 625000000, "", "", 1700000000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if coinb1 == "" || coinb2 == "" {
		t.Fatal("expected non-empty coinbase halves")
	}

	extranonce1 := []byte{0x01, 0x02, 0x03, 0x04}
	extranonce2 := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	raw, txid, err := AssembleCoinbase(coinb1, coinb2, extranonce1, extranonce2)
	if err != nil {
		t.Fatalf("AssembleCoinbase: %v", err)
	}
	if len(raw) == 0 || len(txid) != 32 {
		t.Fatalf("unexpected assembled coinbase: raw=%d txid=%d", len(raw), len(txid))
	}
	if raw[0] != 0x01 || raw[1] != 0x00 {
		t.Fatalf("expected little-endian tx version prefix, got %x", raw[:4])
	}
}

func TestCoinbaseBuilderDonationSplit(t *testing.T) {
	b := NewCoinbaseBuilder([]byte{0x76, 0xa9, 0x14})
	b.DonationScript = []byte{0x76, 0xa9, 0x15}
	b.DonationFrac = 0.5
	b.PoolFeeFrac = 0.02
	b.Extranonce1Size = 4
	b.Extranonce2Size = 4
	payouts, err := b.buildPayouts(1_000_000_000)
	if err != nil {
		t.Fatalf("buildPayouts: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("expected pool+donation payouts, got %d", len(payouts))
	}
	total := payouts[0].Value + payouts[1].Value
	if total != 1_000_000_000 {
		t.Fatalf("payout total mismatch: got %d, want 1000000000", total)
	}
	// Pool fee is 2%: 20,000,000 sats; donation is half of that: 10,000,000.
	if payouts[1].Value != 10_000_000 {
		t.Fatalf("expected donation of 10000000 sats, got %d", payouts[1].Value)
	}
}

func TestCoinbaseBuilderRejectsMissingPayoutScript(t *testing.T) {
	b := &CoinbaseBuilder{Extranonce1Size: 4, Extranonce2Size: 4}
	if _, _, err := b.Build(1, 100, "", "", 0); err == nil {
		t.Fatal("expected error for missing payout script")
	}
}

func TestCoinbaseBuilderSetPayoutScriptTakesEffect(t *testing.T) {
	b := NewCoinbaseBuilder([]byte{0x76, 0xa9, 0x14})
	b.Extranonce1Size = 4
	b.Extranonce2Size = 4

	payouts, err := b.buildPayouts(1000)
	if err != nil {
		t.Fatalf("buildPayouts: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Script[0] != 0x76 {
		t.Fatalf("unexpected initial payout script: %+v", payouts)
	}

	b.SetPayoutScript([]byte{0xa9, 0x14, 0x00})
	payouts, err = b.buildPayouts(1000)
	if err != nil {
		t.Fatalf("buildPayouts after update: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Script[0] != 0xa9 {
		t.Fatalf("expected updated payout script to take effect, got %+v", payouts)
	}
}

func TestNormalizeCoinbaseMessage(t *testing.T) {
	cases := map[string]string{
		"":          "/stratumpool/",
		"hello":     "/hello/",
		"/already/": "/already/",
	}
	for in, want := range cases {
		if got := normalizeCoinbaseMessage(in); got != want {
			t.Errorf("normalizeCoinbaseMessage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSerializeNumberScriptSmallValues(t *testing.T) {
	if got := hex.EncodeToString(serializeNumberScript(1)); got != "51" {
		t.Errorf("serializeNumberScript(1) = %s, want 51 (OP_1)", got)
	}
}
