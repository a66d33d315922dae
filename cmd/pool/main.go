// Command pool runs the Stratum V1 mining pool (or upstream-pool proxy).
// Its lifetime is signal.NotifyContext-driven, a top-level panic handler
// writes a stack trace to panic.log, and construction proceeds in a strict
// order: config -> logger -> RPC/upstream -> job source -> stratum
// listener -> status/metrics listener.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	debugpkg "runtime/debug"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/m45pool/stratumpool/internal/adminapi"
	"github.com/m45pool/stratumpool/internal/bitcoinaddr"
	"github.com/m45pool/stratumpool/internal/config"
	"github.com/m45pool/stratumpool/internal/extranonce"
	"github.com/m45pool/stratumpool/internal/job"
	"github.com/m45pool/stratumpool/internal/log"
	"github.com/m45pool/stratumpool/internal/metrics"
	"github.com/m45pool/stratumpool/internal/notify"
	"github.com/m45pool/stratumpool/internal/proxy"
	"github.com/m45pool/stratumpool/internal/sharesink"
	"github.com/m45pool/stratumpool/internal/stratum"
	"github.com/m45pool/stratumpool/internal/vardiff"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			if f, err := os.OpenFile("panic.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				fmt.Fprintf(f, "[%s] panic: %v\n%s\n\n", time.Now().UTC().Format(time.RFC3339), r, debugpkg.Stack())
			}
		}
	}()

	cfgPathFlag := flag.String("config", "pool.toml", "path to pool.toml")
	secretsPathFlag := flag.String("secrets", "secrets.toml", "path to secrets.toml")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	flag.Parse()

	cfg, err := config.Load(*cfgPathFlag, *secretsPathFlag)
	if err != nil {
		fatalConfig("config", err)
	}

	levelName := cfg.LogLevel
	if *logLevelFlag != "" {
		levelName = *logLevelFlag
	}
	logOut := os.Stdout
	logger := log.New(logOut, log.ParseLevel(levelName))
	defer logger.Close()
	log.Default = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting pool", "listen_addr", cfg.ListenAddr, "status_addr", cfg.StatusAddr, "chain", cfg.Chain)

	params, err := bitcoinaddr.Params(cfg.Chain)
	if err != nil {
		fatalConfig("chain", err)
	}

	payoutScript, err := bitcoinaddr.ScriptForAddress(cfg.PayoutAddress, params)
	if err != nil {
		fatalConfig("payout address", err)
	}
	var donationScript []byte
	if cfg.DonationAddress != "" && cfg.DonationFraction > 0 {
		donationScript, err = bitcoinaddr.ScriptForAddress(cfg.DonationAddress, params)
		if err != nil {
			fatalConfig("donation address", err)
		}
	}

	promRecorder, err := metrics.NewPromRecorder("stratumpool")
	if err != nil {
		fatal("metrics", err)
	}
	metrics.Default = promRecorder

	notifier, err := notify.Open(notify.Config{
		BotToken:  cfg.DiscordBotToken,
		ChannelID: cfg.DiscordNotifyChannel,
		Logger:    logger,
	})
	if err != nil {
		logger.Warn("discord notifier disabled", "error", err)
		notifier, _ = notify.Open(notify.Config{Logger: logger})
	}
	defer notifier.Close()

	sink, err := sharesink.Open(sharesink.Config{
		SQLitePath:    cfg.SQLitePath,
		ReplicatorURL: cfg.ReplicatorURL,
		Logger:        logger,
	})
	if err != nil {
		fatal("share sink", err)
	}
	defer sink.Close()

	backup, err := sharesink.OpenBackup(ctx, sharesink.BackupConfig{
		AccountID:      cfg.BackblazeAccountID,
		ApplicationKey: cfg.BackblazeApplicationKey,
		Bucket:         cfg.BackblazeBucket,
		Prefix:         cfg.BackblazePrefix,
		Interval:       time.Duration(cfg.BackblazeBackupIntervalSeconds) * time.Second,
		MaxBackups:     cfg.BackblazeMaxBackups,
		Logger:         logger,
	}, cfg.SQLitePath)
	if err != nil {
		logger.Warn("backblaze backup disabled", "error", err)
	}
	backup.Start(ctx)

	vardiffStore := vardiff.NewStore(logger)
	if err := vardiffStore.Load(filepath.Join(cfg.VardiffPersistDir, "vardiff.json")); err != nil {
		logger.Warn("load vardiff store", "error", err)
	}

	banList := stratum.NewBanList(cfg.BanThreshold, cfg.BanDuration, cfg.BanForgivenessAfter)
	validator := stratum.NewValidator()
	registry := job.NewRegistry(cfg.NotifyQueueSize, 2)
	defer registry.Close()

	extPool, err := extranonce.NewPoolFreeList(4)
	if err != nil {
		fatal("extranonce pool", err)
	}

	var upstreamClient *proxy.UpstreamClient
	var coinbaseBuilder *job.CoinbaseBuilder

	if cfg.UpstreamAddr != "" {
		// Proxy mode: an UpstreamClient feeds the registry from a remote
		// pool's mining.notify stream instead of a local bitcoind.
		upstreamClient = proxy.New(proxy.Config{
			Addr:          cfg.UpstreamAddr,
			Username:      cfg.UpstreamUser,
			Password:      cfg.UpstreamPass,
			ExtensionSize: cfg.Extranonce2Size,
			MinBackoff:    1 * time.Second,
			MaxBackoff:    30 * time.Second,
			Logger:        logger,
		}, registry)
		go func() {
			if err := upstreamClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("upstream client stopped", "error", err)
			}
		}()
	} else {
		// Pool mode: poll and ZMQ-watch a local bitcoind for fresh templates.
		rpc := job.NewRPCClient(job.RPCConfig{
			Host:       cfg.BitcoinRPCHost,
			Port:       strconv.Itoa(cfg.BitcoinRPCPort),
			User:       cfg.BitcoinRPCUser,
			Pass:       cfg.BitcoinRPCPass,
			CookiePath: cfg.BitcoinRPCCookie,
		}, logger)
		rpc.StartCookieWatcher(ctx)

		builder := job.NewCoinbaseBuilder(payoutScript)
		builder.DonationScript = donationScript
		// DonationFrac is a share of the pool fee, so the configured fraction
		// of the coinbase value is set as the pool fee and donated whole.
		builder.PoolFeeFrac = cfg.DonationFraction
		builder.DonationFrac = 1
		builder.CoinbaseMessage = cfg.CoinbaseMsg
		builder.Extranonce1Size = extPool.Size()
		builder.Extranonce2Size = cfg.Extranonce2Size
		coinbaseBuilder = builder

		localNode := job.NewLocalNode(rpc, registry, builder, config.DefaultRPCPollDeadline, 0x1fffe000, logger)
		if cfg.ZMQBlockAddr != "" {
			watcher := job.NewZMQWatcher(cfg.ZMQBlockAddr, localNode.Refresh, logger)
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("zmq watcher stopped", "error", err)
				}
			}()
		}
		go localNode.Run(ctx)
	}

	sessionCfg := stratum.SessionConfig{
		Registry:           registry,
		Validator:          validator,
		Extranonce:         extPool,
		Extranonce2Size:    cfg.Extranonce2Size,
		VardiffCfg:         vardiffConfigFrom(cfg),
		VardiffStore:       vardiffStore,
		VardiffPersistPath: filepath.Join(cfg.VardiffPersistDir, "vardiff.json"),
		PoolVersionMask:    0x1fffe000,
		NotifyQueueSize:    cfg.NotifyQueueSize,
		IdleTimeout:        config.DefaultIdleTimeout,
		BanList:            banList,
		CreditStaleShares:  cfg.CreditStaleShares,
		Sink:               sink,
		Logger:             logger,
		OnBlockSolve: func(j *job.Job, res stratum.Result) {
			metrics.Default.BlockFound(j.Template.Height, "")
			notifier.NotifyBlockSolve(j.Template.Height, "", job.DisplayHash(res.Hash))
		},
	}
	if upstreamClient != nil {
		underlying := sessionCfg.Sink
		sessionCfg.Sink = forwardingSink{ShareRecorder: underlying, upstream: upstreamClient}
	}

	server := stratum.NewPoolServer(stratum.ServerConfig{
		ListenAddr:   cfg.ListenAddr,
		TLSAddr:      cfg.StratumTLSAddr,
		TLSCertPath:  cfg.TLSCertPath,
		TLSKeyPath:   cfg.TLSKeyPath,
		Session:      sessionCfg,
		DrainTimeout: config.DefaultDrainDeadline,
		Logger:       logger,
	})

	go func() {
		if err := server.Run(ctx); err != nil {
			fatal("stratum listener", err)
		}
	}()

	verifier, err := adminapi.NewVerifier(adminapi.AuthConfig{
		ClerkSecretKey: cfg.ClerkSecretKey,
		ClerkIssuer:    cfg.ClerkIssuerURL,
		AdminJWTSecret: cfg.AdminJWTSecret,
		Logger:         logger,
	})
	if err != nil {
		fatal("admin auth", err)
	}
	if cfg.ClerkSecretKey == "" && cfg.AdminJWTSecret == "" {
		logger.Warn("no admin credentials configured; admin API routes will reject every request")
	}
	admin, err := adminapi.New(adminapi.Config{
		Verifier:    verifier,
		Registry:    registry,
		BanList:     banList,
		Sink:        sink,
		Builder:     coinbaseBuilder,
		ChainParams: params,
		Logger:      logger,
	})
	if err != nil {
		fatal("admin api", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promRecorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	admin.Mount(mux, "/api/v1")
	statusSrv := &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status listening", "addr", cfg.StatusAddr)
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "error", err)
		}
	}()

	logger.Info("payout script", "hex", hex.EncodeToString(payoutScript))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultDrainDeadline)
	defer cancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("status shutdown error", "error", err)
	}
	vardiffStore.SaveAsync(filepath.Join(cfg.VardiffPersistDir, "vardiff.json"))
}

func vardiffConfigFrom(cfg config.Config) vardiff.Config {
	d := vardiff.Default()
	d.TargetInterval = cfg.VardiffTarget
	d.Window = cfg.VardiffWindow
	d.MinDiff = cfg.MinDifficulty
	d.MaxDiff = cfg.MaxDifficulty
	d.RetargetPeriod = cfg.VardiffPeriod
	d.StartDiff = cfg.StartDifficulty
	return d
}

// forwardingSink wraps the configured ShareRecorder so every finished share
// is both durably recorded and, in proxy mode, considered for upstream
// forwarding, without StratumSession needing to know about proxy mode at
// all (SessionConfig.Sink stays a single stratum.ShareRecorder).
type forwardingSink struct {
	stratum.ShareRecorder
	upstream *proxy.UpstreamClient
}

func (f forwardingSink) RecordShare(rec stratum.ShareRecord) {
	f.ShareRecorder.RecordShare(rec)
	f.upstream.ForwardIfEligible(rec)
}

func fatal(context string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", context, err)
	os.Exit(1)
}

// fatalConfig reports a configuration error and exits with status 3.
func fatalConfig(context string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", context, err)
	os.Exit(3)
}
