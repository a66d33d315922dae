// Package notify sends pool events (block solves, worker offline alerts) to
// a Discord channel, using discordgo for the bot session lifecycle
// (New/Open/Close) and hako/durafmt to render human-readable durations for
// operators.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hako/durafmt"

	"github.com/m45pool/stratumpool/internal/log"
)

// Config names the Discord bot credentials and destination channel.
type Config struct {
	BotToken  string
	ChannelID string
	Logger    *log.Logger
}

// Notifier posts pool events to a single Discord channel. A Notifier built
// from an empty Config is a valid no-op (enabled() reports false), so
// callers always construct one and let it silently do nothing when
// unconfigured rather than threading a nil check through every call site.
type Notifier struct {
	cfg    Config
	logger *log.Logger
	dg     *discordgo.Session
}

// Open constructs a Notifier and, if BotToken and ChannelID are both set,
// opens the underlying Discord session. An empty Config yields a disabled
// Notifier whose Notify* methods are no-ops.
func Open(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default
	}
	n := &Notifier{cfg: cfg, logger: cfg.Logger}
	if !n.enabled() {
		return n, nil
	}

	dg, err := discordgo.New("Bot " + strings.TrimSpace(cfg.BotToken))
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("notify: discord open: %w", err)
	}
	n.dg = dg
	n.logger.Info("discord notifier started", "channel_id", cfg.ChannelID)
	return n, nil
}

func (n *Notifier) enabled() bool {
	return n != nil && strings.TrimSpace(n.cfg.BotToken) != "" && strings.TrimSpace(n.cfg.ChannelID) != ""
}

// Close shuts down the underlying Discord session, if one was opened.
func (n *Notifier) Close() error {
	if n == nil || n.dg == nil {
		return nil
	}
	return n.dg.Close()
}

// NotifyBlockSolve announces a network block solve.
func (n *Notifier) NotifyBlockSolve(height int64, workerName, hash string) {
	if !n.enabled() {
		return
	}
	msg := fmt.Sprintf(":tada: Block %d solved by **%s**\nHash: `%s`", height, workerName, hash)
	n.send(msg)
}

// NotifyWorkerOffline announces that a previously active worker has gone
// quiet, with a human-readable "last seen" duration rendered via durafmt.
func (n *Notifier) NotifyWorkerOffline(workerName string, lastShare time.Time) {
	if !n.enabled() {
		return
	}
	since := durafmt.Parse(time.Since(lastShare)).LimitFirstN(2).String()
	msg := fmt.Sprintf(":warning: Worker **%s** has gone offline (last share %s ago)", workerName, since)
	n.send(msg)
}

func (n *Notifier) send(msg string) {
	if _, err := n.dg.ChannelMessageSend(n.cfg.ChannelID, msg); err != nil {
		n.logger.Warn("notify: discord send failed", "error", err)
	}
}
