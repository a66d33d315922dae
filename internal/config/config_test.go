package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndSecrets(t *testing.T) {
	poolPath := writeTemp(t, "pool.toml", `
chain = "signet"
bitcoin_rpc_host = "127.0.0.1"
bitcoin_rpc_port = 38332
address_payout = "tb1qexampleaddressxxxxxxxxxxxxxxxxxxxxxxxxxx"
`)
	secretsPath := writeTemp(t, "secrets.toml", `
rpc_pass = "hunter2"
`)

	cfg, err := Load(poolPath, secretsPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BitcoinRPCPass != "hunter2" {
		t.Errorf("expected rpc pass from secrets file, got %q", cfg.BitcoinRPCPass)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.Extranonce2Size != DefaultExtranonce2Size {
		t.Errorf("expected default extranonce2 size, got %d", cfg.Extranonce2Size)
	}
}

func TestLoadRejectsMissingPayoutAddress(t *testing.T) {
	poolPath := writeTemp(t, "pool.toml", `
chain = "regtest"
bitcoin_rpc_host = "127.0.0.1"
`)
	if _, err := Load(poolPath, ""); err == nil {
		t.Fatal("expected error for missing address_payout")
	}
}

func TestLoadRejectsBothRPCAndUpstream(t *testing.T) {
	poolPath := writeTemp(t, "pool.toml", `
chain = "regtest"
bitcoin_rpc_host = "127.0.0.1"
upstream = "stratum+tcp://pool.example:3333"
address_payout = "bcrt1qexample"
`)
	if _, err := Load(poolPath, ""); err == nil {
		t.Fatal("expected error for mutually exclusive rpc/upstream")
	}
}
