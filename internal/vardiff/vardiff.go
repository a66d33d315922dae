// Package vardiff implements the per-session difficulty controller: an
// exponentially-decayed share-rate estimate retargeted on a fixed period,
// clamped to a configured range and a maximum per-step multiplier.
package vardiff

import (
	"math"
	"sync"
	"time"
)

// Config bounds and tunes a Controller. Zero-value fields fall back to the
// package defaults in Default().
type Config struct {
	TargetInterval    time.Duration // T: desired seconds between shares
	Window            int           // W: shares over which the rate estimate decays
	MinDiff           float64
	MaxDiff           float64
	RetargetPeriod    time.Duration // P: how often a retarget tick runs
	MaxStepMultiplier float64       // largest single-tick multiplicative move
	StartDiff         float64
}

// Default returns the pool-wide baseline vardiff tuning.
func Default() Config {
	return Config{
		TargetInterval:    12 * time.Second,
		Window:            10,
		MinDiff:           0.001,
		MaxDiff:           1 << 20,
		RetargetPeriod:    30 * time.Second,
		MaxStepMultiplier: 4,
		StartDiff:         1,
	}
}

func normalize(cfg Config) Config {
	d := Default()
	if cfg.TargetInterval > 0 {
		d.TargetInterval = cfg.TargetInterval
	}
	if cfg.Window > 0 {
		d.Window = cfg.Window
	}
	if cfg.MinDiff > 0 {
		d.MinDiff = cfg.MinDiff
	}
	if cfg.MaxDiff > 0 {
		d.MaxDiff = cfg.MaxDiff
	}
	if cfg.RetargetPeriod > 0 {
		d.RetargetPeriod = cfg.RetargetPeriod
	}
	if cfg.MaxStepMultiplier > 1 {
		d.MaxStepMultiplier = cfg.MaxStepMultiplier
	}
	if cfg.StartDiff > 0 {
		d.StartDiff = cfg.StartDiff
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Controller tracks one session's difficulty and its decaying share-rate
// estimate. Not safe for concurrent use beyond the owning StratumSession's
// single-goroutine submit path; Current is exposed for read from elsewhere
// via a mutex since the admin status API also samples it.
type Controller struct {
	cfg Config

	mu           sync.Mutex
	current      float64
	rate         float64 // exponentially-decayed shares/sec estimate
	haveEstimate bool
	lastShare    time.Time
	lastRetarget time.Time
	subscribedAt time.Time
	firstShare   bool
	locked       bool
}

// New constructs a Controller starting at cfg.StartDiff (or the resumed
// value supplied by a Store lookup).
func New(cfg Config, subscribedAt time.Time) *Controller {
	n := normalize(cfg)
	return &Controller{
		cfg:          n,
		current:      n.StartDiff,
		subscribedAt: subscribedAt,
		firstShare:   true,
	}
}

// Resume seeds the controller from a previously persisted state, so a
// reconnecting worker resumes near its prior difficulty instead of
// restarting from StartDiff.
func (c *Controller) Resume(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Difficulty > 0 {
		c.current = clamp(s.Difficulty, c.cfg.MinDiff, c.cfg.MaxDiff)
	}
	c.rate = s.Rate
	c.haveEstimate = s.Rate > 0
}

// Lock pins the difficulty, disabling automatic retargeting. A client's
// mining.suggest_difficulty does not lock the controller: the session seeds
// it through Resume and retargeting continues.
func (c *Controller) Lock(diff float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
	if diff >= c.cfg.MinDiff && diff <= c.cfg.MaxDiff {
		c.current = diff
	}
}

// Current returns the session's active difficulty.
func (c *Controller) Current() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// RecordShare folds a newly submitted share into the decayed rate estimate
// and reports whether a one-shot retarget is due: the first share after
// subscribe, or 30s of idle time, whichever comes first.
func (c *Controller) RecordShare(now time.Time) (dueNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastShare.IsZero() {
		dt := now.Sub(c.lastShare).Seconds()
		if dt > 0 {
			inst := 1 / dt
			if c.haveEstimate {
				alpha := 1 - math.Exp(-1/float64(c.cfg.Window))
				c.rate = c.rate + alpha*(inst-c.rate)
			} else {
				c.rate = inst
				c.haveEstimate = true
			}
		}
	}
	c.lastShare = now

	if c.firstShare {
		c.firstShare = false
		return true
	}
	return false
}

// IdleDue reports whether the 30s-idle one-shot retarget condition has
// elapsed since subscribe with no shares yet observed.
func (c *Controller) IdleDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastShare.IsZero() {
		return false
	}
	return now.Sub(c.subscribedAt) >= 30*time.Second
}

// Retarget runs one retarget tick. It returns the new difficulty and
// whether the change is large enough (>10% relative move) to be emitted
// immediately rather than deferred to the next scheduled notify. changed is
// false when the difficulty did not move.
func (c *Controller) Retarget(now time.Time) (newDiff float64, emitImmediately, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return c.current, false, false
	}
	c.lastRetarget = now

	if !c.haveEstimate || c.rate <= 0 {
		return c.current, false, false
	}

	targetRate := 1 / c.cfg.TargetInterval.Seconds()
	ratio := c.rate / targetRate
	factor := clamp(ratio, 1/c.cfg.MaxStepMultiplier, c.cfg.MaxStepMultiplier)
	next := clamp(c.current*factor, c.cfg.MinDiff, c.cfg.MaxDiff)
	relChange := math.Abs(next-c.current) / c.current
	if relChange < 1e-6 {
		return c.current, false, false
	}

	c.current = next
	return next, relChange > 0.1, true
}

// State is the persisted snapshot for one worker, stored in the on-disk
// JSON store keyed by worker name.
type State struct {
	Difficulty   float64   `json:"difficulty"`
	Rate         float64   `json:"rate"`
	LastRetarget time.Time `json:"last_retarget"`
}

// Snapshot captures the controller's state for persistence.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Difficulty: c.current, Rate: c.rate, LastRetarget: c.lastRetarget}
}
