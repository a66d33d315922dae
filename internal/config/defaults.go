package config

import "time"

// Defaults mirror the baseline values a freshly initialized pool runs with.
const (
	DefaultChain             = "mainnet"
	DefaultListenAddr        = ":3333"
	DefaultStatusAddr        = ":8080"
	DefaultStartDifficulty   = 1.0
	DefaultMinDifficulty     = 0.001
	DefaultMaxDifficulty     = 1 << 20
	DefaultVardiffTarget     = 10 * time.Second
	DefaultVardiffWindow     = 30
	DefaultVardiffPeriod     = 30 * time.Second
	DefaultExtranonce2Size   = 4
	DefaultNotifyQueueSize   = 16
	DefaultBanThreshold      = 20
	DefaultBanDuration       = 10 * time.Minute
	DefaultBanForgiveness    = 24 * time.Hour
	DefaultRefreshDeadline   = 2 * time.Second
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultDrainDeadline     = 5 * time.Second
	DefaultSubscribeTimeout  = 30 * time.Second
	DefaultAuthorizeTimeout  = 60 * time.Second
	DefaultUpstreamMinBackoff = 1 * time.Second
	DefaultUpstreamMaxBackoff = 30 * time.Second
	DefaultRPCPollDeadline    = 2 * time.Second
	DefaultCoinbaseMsg        = "/nodeStratum/"
	DefaultSQLitePath         = "data/shares.db"
	DefaultVardiffPersistDir  = "data/vardiff"
	DefaultLogLevel           = "info"
	MaxDonationFraction       = 0.05
)

func applyDefaults(c *Config) {
	if c.Chain == "" {
		c.Chain = DefaultChain
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.StatusAddr == "" {
		c.StatusAddr = DefaultStatusAddr
	}
	if c.StartDifficulty <= 0 {
		c.StartDifficulty = DefaultStartDifficulty
	}
	if c.MinDifficulty <= 0 {
		c.MinDifficulty = DefaultMinDifficulty
	}
	if c.MaxDifficulty <= 0 {
		c.MaxDifficulty = DefaultMaxDifficulty
	}
	if c.VardiffTarget <= 0 {
		c.VardiffTarget = DefaultVardiffTarget
	}
	if c.VardiffWindow <= 0 {
		c.VardiffWindow = DefaultVardiffWindow
	}
	if c.VardiffPeriod <= 0 {
		c.VardiffPeriod = DefaultVardiffPeriod
	}
	if c.VardiffPersistDir == "" {
		c.VardiffPersistDir = DefaultVardiffPersistDir
	}
	if c.Extranonce2Size <= 0 {
		c.Extranonce2Size = DefaultExtranonce2Size
	}
	if c.NotifyQueueSize <= 0 {
		c.NotifyQueueSize = DefaultNotifyQueueSize
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = DefaultBanThreshold
	}
	if c.BanDuration <= 0 {
		c.BanDuration = DefaultBanDuration
	}
	if c.BanForgivenessAfter <= 0 {
		c.BanForgivenessAfter = DefaultBanForgiveness
	}
	if c.CoinbaseMsg == "" {
		c.CoinbaseMsg = DefaultCoinbaseMsg
	}
	if c.SQLitePath == "" {
		c.SQLitePath = DefaultSQLitePath
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}
