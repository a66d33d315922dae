// Package config loads the pool's layered TOML configuration: a main
// pool.toml holding all non-secret options, and a secrets.toml holding
// credential-shaped values, so the main file is safe to commit or share.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// Config holds every option an operator can set for a running pool.
type Config struct {
	// Network / listeners.
	Chain           string // mainnet | signet | regtest
	ListenAddr      string
	StratumTLSAddr  string
	StatusAddr      string
	StatusTLSAddr   string
	TLSCertPath     string
	TLSKeyPath      string

	// Bitcoin node RPC.
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPass     string
	BitcoinRPCCookie   string
	ZMQBlockAddr       string

	// Upstream (proxy mode).
	UpstreamAddr string
	UpstreamUser string
	UpstreamPass string

	// Vardiff.
	StartDifficulty   float64
	MinDifficulty     float64
	MaxDifficulty     float64
	VardiffTarget     time.Duration
	VardiffWindow     int
	VardiffPeriod     time.Duration
	VardiffPersistDir string

	// Coinbase / payout.
	PayoutAddress       string
	DonationAddress     string
	DonationFraction    float64
	CoinbaseMsg         string
	CoinbasePoolTag     string
	CoinbaseSuffixBytes int
	Extranonce2Size     int

	// Notify fan-out.
	NotifyQueueSize int

	// Ban policy.
	BanThreshold        int
	BanDuration         time.Duration
	BanForgivenessAfter time.Duration

	// Share accounting.
	SQLitePath        string
	ReplicatorURL     string
	CreditStaleShares bool

	// Discord notifications.
	DiscordBotToken       string
	DiscordNotifyChannel  string

	// Admin auth.
	ClerkSecretKey      string
	ClerkPublishableKey string
	ClerkIssuerURL      string
	AdminJWTSecret      string

	// Offsite share-log backup (Backblaze B2).
	BackblazeAccountID             string
	BackblazeApplicationKey        string
	BackblazeBucket                string
	BackblazePrefix                string
	BackblazeBackupIntervalSeconds int
	BackblazeMaxBackups            int

	// Ambient.
	LogLevel string
	LogPath  string
}

// secrets holds the values expected to live in secrets.toml rather than the
// main config file.
type secrets struct {
	BitcoinRPCPass      string `toml:"rpc_pass"`
	UpstreamPass        string `toml:"upstream_pass"`
	DiscordBotToken     string `toml:"discord_token"`
	ClerkSecretKey      string `toml:"clerk_secret_key"`
	ClerkPublishableKey string `toml:"clerk_publishable_key"`
	AdminJWTSecret      string `toml:"admin_jwt_secret"`
	BackblazeAccountID      string `toml:"backblaze_account_id"`
	BackblazeApplicationKey string `toml:"backblaze_application_key"`
}

// fileConfig is the TOML-tagged shape of pool.toml; Config itself uses
// time.Duration fields that need post-processing after decode.
type fileConfig struct {
	Chain          string `toml:"chain"`
	ListenAddr     string `toml:"address"`
	StratumTLSAddr string `toml:"stratum_tls_listen"`
	StatusAddr     string `toml:"status_addr"`
	StatusTLSAddr  string `toml:"status_tls_addr"`
	TLSCertPath    string `toml:"tls_cert_path"`
	TLSKeyPath     string `toml:"tls_key_path"`

	BitcoinRPCHost   string `toml:"bitcoin_rpc_host"`
	BitcoinRPCPort   int    `toml:"bitcoin_rpc_port"`
	BitcoinRPCUser   string `toml:"bitcoin_rpc_username"`
	BitcoinRPCCookie string `toml:"bitcoin_rpc_cookie_path"`
	ZMQBlockAddr     string `toml:"zmq_block_notifications"`

	UpstreamAddr string `toml:"upstream"`
	UpstreamUser string `toml:"upstream_username"`

	StartDifficulty   float64 `toml:"start_diff"`
	MinDifficulty     float64 `toml:"min_diff"`
	MaxDifficulty     float64 `toml:"max_diff"`
	VardiffTargetSecs int     `toml:"vardiff_target_seconds"`
	VardiffWindow     int     `toml:"vardiff_window"`
	VardiffPeriodSecs int     `toml:"vardiff_period_seconds"`
	VardiffPersistDir string  `toml:"vardiff_persist_dir"`

	PayoutAddress       string  `toml:"address_payout"`
	DonationAddress     string  `toml:"donation_address"`
	DonationFraction    float64 `toml:"donation"`
	CoinbaseMsg         string  `toml:"coinbase_msg"`
	CoinbasePoolTag     string  `toml:"coinbase_pool_tag"`
	CoinbaseSuffixBytes int     `toml:"coinbase_suffix_bytes"`
	Extranonce2Size     int     `toml:"extranonce2_size"`

	NotifyQueueSize int `toml:"notify_queue_size"`

	BanThreshold           int `toml:"ban_threshold"`
	BanDurationSecs        int `toml:"ban_duration_seconds"`
	BanForgivenessAfterMin int `toml:"ban_forgiveness_minutes"`

	SQLitePath        string `toml:"sqlite_path"`
	ReplicatorURL     string `toml:"replicator_url"`
	CreditStaleShares bool   `toml:"credit_stale_shares"`

	DiscordNotifyChannel string `toml:"discord_notify_channel_id"`

	ClerkIssuerURL string `toml:"clerk_issuer_url"`

	BackblazeBucket                string `toml:"backblaze_bucket"`
	BackblazePrefix                string `toml:"backblaze_prefix"`
	BackblazeBackupIntervalSeconds int    `toml:"backblaze_backup_interval_seconds"`
	BackblazeMaxBackups            int    `toml:"backblaze_max_backups"`

	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// Load reads mainPath and, if present, secretsPath, and merges them into a
// validated Config with defaults applied.
func Load(mainPath, secretsPath string) (Config, error) {
	raw, err := os.ReadFile(mainPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", mainPath, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", mainPath, err)
	}

	var sec secrets
	if secretsPath != "" {
		if rawSec, err := os.ReadFile(secretsPath); err == nil {
			if err := toml.Unmarshal(rawSec, &sec); err != nil {
				return Config{}, fmt.Errorf("parse secrets %s: %w", secretsPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read secrets %s: %w", secretsPath, err)
		}
	}

	cfg := fromFile(fc, sec)
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromFile(fc fileConfig, sec secrets) Config {
	return Config{
		Chain:               fc.Chain,
		ListenAddr:          fc.ListenAddr,
		StratumTLSAddr:      fc.StratumTLSAddr,
		StatusAddr:          fc.StatusAddr,
		StatusTLSAddr:       fc.StatusTLSAddr,
		TLSCertPath:         fc.TLSCertPath,
		TLSKeyPath:          fc.TLSKeyPath,
		BitcoinRPCHost:      fc.BitcoinRPCHost,
		BitcoinRPCPort:      fc.BitcoinRPCPort,
		BitcoinRPCUser:      fc.BitcoinRPCUser,
		BitcoinRPCPass:      sec.BitcoinRPCPass,
		BitcoinRPCCookie:    fc.BitcoinRPCCookie,
		ZMQBlockAddr:        fc.ZMQBlockAddr,
		UpstreamAddr:        fc.UpstreamAddr,
		UpstreamUser:        fc.UpstreamUser,
		UpstreamPass:        sec.UpstreamPass,
		StartDifficulty:     fc.StartDifficulty,
		MinDifficulty:       fc.MinDifficulty,
		MaxDifficulty:       fc.MaxDifficulty,
		VardiffTarget:       time.Duration(fc.VardiffTargetSecs) * time.Second,
		VardiffWindow:       fc.VardiffWindow,
		VardiffPeriod:       time.Duration(fc.VardiffPeriodSecs) * time.Second,
		VardiffPersistDir:   fc.VardiffPersistDir,
		PayoutAddress:       fc.PayoutAddress,
		DonationAddress:     fc.DonationAddress,
		DonationFraction:    fc.DonationFraction,
		CoinbaseMsg:         fc.CoinbaseMsg,
		CoinbasePoolTag:     fc.CoinbasePoolTag,
		CoinbaseSuffixBytes: fc.CoinbaseSuffixBytes,
		Extranonce2Size:     fc.Extranonce2Size,
		NotifyQueueSize:     fc.NotifyQueueSize,
		BanThreshold:        fc.BanThreshold,
		BanDuration:         time.Duration(fc.BanDurationSecs) * time.Second,
		BanForgivenessAfter: time.Duration(fc.BanForgivenessAfterMin) * time.Minute,
		SQLitePath:          fc.SQLitePath,
		ReplicatorURL:       fc.ReplicatorURL,
		CreditStaleShares:   fc.CreditStaleShares,
		DiscordBotToken:     sec.DiscordBotToken,
		DiscordNotifyChannel: fc.DiscordNotifyChannel,
		ClerkSecretKey:      sec.ClerkSecretKey,
		ClerkPublishableKey: sec.ClerkPublishableKey,
		ClerkIssuerURL:      fc.ClerkIssuerURL,
		AdminJWTSecret:      sec.AdminJWTSecret,
		BackblazeAccountID:             sec.BackblazeAccountID,
		BackblazeApplicationKey:        sec.BackblazeApplicationKey,
		BackblazeBucket:                fc.BackblazeBucket,
		BackblazePrefix:                fc.BackblazePrefix,
		BackblazeBackupIntervalSeconds: fc.BackblazeBackupIntervalSeconds,
		BackblazeMaxBackups:            fc.BackblazeMaxBackups,
		LogLevel:            fc.LogLevel,
		LogPath:             fc.LogPath,
	}
}
