package config

import "fmt"

// Validate enforces required fields and sane ranges before a Config is used
// to start a pool.
func Validate(c Config) error {
	switch c.Chain {
	case "mainnet", "signet", "regtest":
	default:
		return fmt.Errorf("chain must be one of mainnet|signet|regtest, got %q", c.Chain)
	}
	if c.PayoutAddress == "" {
		return fmt.Errorf("address_payout is required")
	}
	if c.BitcoinRPCHost == "" && c.UpstreamAddr == "" {
		return fmt.Errorf("either bitcoin_rpc_host (pool mode) or upstream (proxy mode) is required")
	}
	if c.BitcoinRPCHost != "" && c.UpstreamAddr != "" {
		return fmt.Errorf("bitcoin_rpc_host and upstream are mutually exclusive")
	}
	if c.MinDifficulty >= c.MaxDifficulty {
		return fmt.Errorf("min_diff (%v) must be less than max_diff (%v)", c.MinDifficulty, c.MaxDifficulty)
	}
	if c.StartDifficulty < c.MinDifficulty || c.StartDifficulty > c.MaxDifficulty {
		return fmt.Errorf("start_diff (%v) must be within [min_diff, max_diff]", c.StartDifficulty)
	}
	if c.DonationFraction < 0 || c.DonationFraction > MaxDonationFraction {
		return fmt.Errorf("donation must be within [0, %v], got %v", MaxDonationFraction, c.DonationFraction)
	}
	if c.Extranonce2Size < 2 || c.Extranonce2Size > 8 {
		return fmt.Errorf("extranonce2_size must be within [2, 8], got %d", c.Extranonce2Size)
	}
	if c.NotifyQueueSize <= 0 {
		return fmt.Errorf("notify_queue_size must be positive")
	}
	return nil
}
