package stratum

import (
	"sync"
	"time"
)

// BanList tracks per-remote-address invalid-submission streaks and issues
// temporary reconnect bans. It is a table shared across connections, since
// a ban must survive the offending connection's close.
type BanList struct {
	Threshold   int           // consecutive invalid submits before a ban
	Duration    time.Duration // base ban duration
	Forgiveness time.Duration // clean-behavior window that resets escalation

	mu      sync.Mutex
	entries map[string]*banEntry
}

type banEntry struct {
	invalidStreak int
	offenses      int
	bannedUntil   time.Time
	lastOffense   time.Time
}

const (
	defaultBanThreshold   = 20
	defaultBanDuration    = 10 * time.Minute
	defaultBanForgiveness = 24 * time.Hour
	maxBanEscalation      = 6 // caps duration growth at 2^5 = 32x base
)

// NewBanList constructs a BanList, filling in spec defaults for any
// non-positive field.
func NewBanList(threshold int, duration, forgiveness time.Duration) *BanList {
	if threshold <= 0 {
		threshold = defaultBanThreshold
	}
	if duration <= 0 {
		duration = defaultBanDuration
	}
	if forgiveness <= 0 {
		forgiveness = defaultBanForgiveness
	}
	return &BanList{
		Threshold:   threshold,
		Duration:    duration,
		Forgiveness: forgiveness,
		entries:     make(map[string]*banEntry),
	}
}

// Allowed reports whether remote may connect right now, and if not, the
// remaining ban duration.
func (b *BanList) Allowed(remote string, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[remote]
	if !ok || e.bannedUntil.IsZero() || !now.Before(e.bannedUntil) {
		return true, 0
	}
	return false, e.bannedUntil.Sub(now)
}

// RecordInvalid registers one more consecutive invalid submission from
// remote, banning it once the streak reaches Threshold. The ban duration
// escalates on repeat offenses within the forgiveness window and decays
// back to the base duration once a remote has stayed clean past it.
func (b *BanList) RecordInvalid(remote string, now time.Time) (banned bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[remote]
	if e == nil {
		e = &banEntry{}
		b.entries[remote] = e
	}
	if !e.lastOffense.IsZero() && now.Sub(e.lastOffense) > b.Forgiveness {
		e.offenses = 0
	}

	e.invalidStreak++
	if e.invalidStreak < b.Threshold {
		return false, 0
	}

	e.invalidStreak = 0
	if e.offenses < maxBanEscalation {
		e.offenses++
	}
	e.lastOffense = now
	duration = b.Duration << uint(e.offenses-1)
	e.bannedUntil = now.Add(duration)
	return true, duration
}

// RecordValid clears remote's invalid streak after a successful submission.
func (b *BanList) RecordValid(remote string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[remote]; ok {
		e.invalidStreak = 0
	}
}

// Ban imposes a manual ban on remote for duration, for the admin API's
// ban-list edit action. A non-positive duration falls back to b.Duration.
func (b *BanList) Ban(remote string, duration time.Duration, now time.Time) {
	if duration <= 0 {
		duration = b.Duration
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[remote]
	if e == nil {
		e = &banEntry{}
		b.entries[remote] = e
	}
	e.bannedUntil = now.Add(duration)
	e.lastOffense = now
}

// Unban lifts any active ban and offense history on remote, for the admin
// API's ban-list edit action.
func (b *BanList) Unban(remote string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, remote)
}

// BanEntry is a read-only snapshot of one remote's ban state, for the admin
// API's ban-list listing.
type BanEntry struct {
	Remote      string
	BannedUntil time.Time
	Offenses    int
}

// Snapshot lists every remote with an active ban as of now.
func (b *BanList) Snapshot(now time.Time) []BanEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BanEntry, 0, len(b.entries))
	for remote, e := range b.entries {
		if e.bannedUntil.IsZero() || !now.Before(e.bannedUntil) {
			continue
		}
		out = append(out, BanEntry{Remote: remote, BannedUntil: e.bannedUntil, Offenses: e.offenses})
	}
	return out
}
