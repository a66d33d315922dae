package vardiff

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestControllerFirstShareRetargetsImmediately(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := New(Config{StartDiff: 1}, start)

	due := c.RecordShare(start.Add(time.Second))
	if !due {
		t.Fatal("expected the first share to trigger a one-shot retarget")
	}
	if due2 := c.RecordShare(start.Add(2 * time.Second)); due2 {
		t.Fatal("expected the second share not to force a retarget on its own")
	}
}

func TestControllerIdleDueAfter30Seconds(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := New(Config{StartDiff: 1}, start)

	if c.IdleDue(start.Add(29 * time.Second)) {
		t.Fatal("should not be idle-due before 30s")
	}
	if !c.IdleDue(start.Add(31 * time.Second)) {
		t.Fatal("expected idle-due after 30s with no shares")
	}
}

func TestControllerRetargetsUpUnderFastCadence(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	cfg := Config{
		TargetInterval:    5 * time.Second,
		Window:            10,
		MinDiff:           0.001,
		MaxDiff:           1 << 20,
		RetargetPeriod:    time.Second,
		MaxStepMultiplier: 4,
		StartDiff:         1,
	}
	c := New(cfg, start)

	now := start
	for i := 0; i < 50; i++ {
		now = now.Add(100 * time.Millisecond) // 10 shares/sec, far above 1/5s target
		c.RecordShare(now)
	}

	last := c.Current()
	sawIncrease := false
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		next, _, changed := c.Retarget(now)
		if changed && next > last {
			sawIncrease = true
		}
		if changed {
			last = next
		}
	}
	if !sawIncrease {
		t.Fatal("expected difficulty to increase under a share cadence far above target")
	}
}

// TestControllerConvergesToTargetRateUnderConstantHashrate exercises the
// convergence property end to end: under a constant simulated hashrate, the
// observed share rate settles within +-15% of 1/T within 10*W shares. The
// hashrate is modeled as a fixed seconds-per-difficulty-unit constant
// (secondsPerDifficultyUnit), so the expected inter-share interval at the
// controller's current difficulty is deterministic, driving the same
// difficulty<->rate feedback loop a real miner would produce, rather than
// only asserting the retarget direction as the older, narrower test above.
func TestControllerConvergesToTargetRateUnderConstantHashrate(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	cfg := Config{
		TargetInterval:    5 * time.Second,
		Window:            10,
		MinDiff:           0.001,
		MaxDiff:           1 << 30,
		RetargetPeriod:    time.Second,
		MaxStepMultiplier: 4,
		StartDiff:         1,
	}
	c := New(cfg, start)

	const secondsPerDifficultyUnit = 1.0

	now := start
	lastRetarget := start
	for shares := 0; shares < 10*cfg.Window; shares++ {
		dt := c.Current() * secondsPerDifficultyUnit
		now = now.Add(time.Duration(dt * float64(time.Second)))
		c.RecordShare(now)
		if now.Sub(lastRetarget) >= cfg.RetargetPeriod {
			c.Retarget(now)
			lastRetarget = now
		}
	}
	c.Retarget(now.Add(cfg.RetargetPeriod))

	finalDiff := c.Current()
	observedRate := 1 / (finalDiff * secondsPerDifficultyUnit)
	wantRate := 1 / cfg.TargetInterval.Seconds()
	if observedRate < wantRate*0.85 || observedRate > wantRate*1.15 {
		t.Fatalf("expected converged rate within +-15%% of %.4f/s, got %.4f/s (diff=%.4f)", wantRate, observedRate, finalDiff)
	}
}

func TestControllerRetargetHonorsMaxStepMultiplier(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	cfg := Config{
		TargetInterval:    5 * time.Second,
		MinDiff:           0.001,
		MaxDiff:           1 << 20,
		MaxStepMultiplier: 4,
		StartDiff:         1,
	}
	c := New(cfg, start)

	now := start
	for i := 0; i < 20; i++ {
		now = now.Add(10 * time.Millisecond) // 100 shares/sec, extreme spike
		c.RecordShare(now)
	}
	next, _, changed := c.Retarget(now.Add(time.Second))
	if !changed {
		t.Fatal("expected a retarget to occur")
	}
	if next > 1*4+1e-9 {
		t.Fatalf("expected difficulty move bounded by MaxStepMultiplier=4, got %v", next)
	}
}

func TestControllerLockPreventsRetarget(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := New(Config{StartDiff: 1}, start)
	c.Lock(8)

	now := start
	for i := 0; i < 20; i++ {
		now = now.Add(10 * time.Millisecond)
		c.RecordShare(now)
	}
	next, emit, changed := c.Retarget(now.Add(time.Second))
	if changed || emit {
		t.Fatal("expected a locked controller not to retarget")
	}
	if next != 8 {
		t.Fatalf("expected locked difficulty to stay at 8, got %v", next)
	}
}

func TestStoreRoundTripsThroughDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vardiff.json")

	s := NewStore(nil)
	s.Put("bc1qexampleaddress.worker1", State{Difficulty: 42, Rate: 0.2})
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewStore(nil)
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	st, ok := loaded.Get("bc1qexampleaddress.worker1")
	if !ok {
		t.Fatal("expected persisted worker state to round-trip")
	}
	if st.Difficulty != 42 {
		t.Fatalf("expected difficulty 42, got %v", st.Difficulty)
	}
}

func TestStoreLoadMissingFileIsNotAnError(t *testing.T) {
	s := NewStore(nil)
	if err := s.Load(filepath.Join(t.TempDir(), "does-not-exist.json")); err != nil {
		t.Fatalf("expected missing file to be a no-op, got %v", err)
	}
}

func TestStoreSaveAsyncDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vardiff.json")
	s := NewStore(nil)
	s.Put("worker", State{Difficulty: 1})
	s.SaveAsync(path)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected async save to eventually write the file")
}
