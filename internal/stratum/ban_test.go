package stratum

import (
	"testing"
	"time"
)

func TestBanListBansAfterThreshold(t *testing.T) {
	b := NewBanList(3, time.Minute, time.Hour)
	now := time.Now()

	for i := 0; i < 2; i++ {
		banned, _ := b.RecordInvalid("1.2.3.4", now)
		if banned {
			t.Fatalf("unexpected ban before threshold at i=%d", i)
		}
	}
	banned, dur := b.RecordInvalid("1.2.3.4", now)
	if !banned || dur != time.Minute {
		t.Fatalf("expected a ban of the base duration, got banned=%v dur=%v", banned, dur)
	}

	allowed, remaining := b.Allowed("1.2.3.4", now.Add(30*time.Second))
	if allowed || remaining <= 0 {
		t.Fatalf("expected still banned with remaining time, got allowed=%v remaining=%v", allowed, remaining)
	}

	allowed, _ = b.Allowed("1.2.3.4", now.Add(2*time.Minute))
	if !allowed {
		t.Fatal("expected ban to have expired")
	}
}

func TestBanListEscalatesOnRepeatOffense(t *testing.T) {
	b := NewBanList(2, time.Minute, time.Hour)
	now := time.Now()

	b.RecordInvalid("5.6.7.8", now)
	_, first := b.RecordInvalid("5.6.7.8", now)
	if first != time.Minute {
		t.Fatalf("expected first ban at base duration, got %v", first)
	}

	later := now.Add(90 * time.Second)
	b.RecordInvalid("5.6.7.8", later)
	_, second := b.RecordInvalid("5.6.7.8", later)
	if second != 2*time.Minute {
		t.Fatalf("expected escalated ban of 2x base, got %v", second)
	}
}

func TestBanListForgivenessResetsEscalation(t *testing.T) {
	b := NewBanList(2, time.Minute, time.Hour)
	now := time.Now()
	b.RecordInvalid("9.9.9.9", now)
	b.RecordInvalid("9.9.9.9", now)

	muchLater := now.Add(2 * time.Hour)
	b.RecordInvalid("9.9.9.9", muchLater)
	_, dur := b.RecordInvalid("9.9.9.9", muchLater)
	if dur != time.Minute {
		t.Fatalf("expected ban duration to reset to base after the forgiveness window, got %v", dur)
	}
}

func TestBanListRecordValidResetsStreak(t *testing.T) {
	b := NewBanList(3, time.Minute, time.Hour)
	now := time.Now()
	b.RecordInvalid("1.1.1.1", now)
	b.RecordInvalid("1.1.1.1", now)
	b.RecordValid("1.1.1.1")
	banned, _ := b.RecordInvalid("1.1.1.1", now)
	if banned {
		t.Fatal("expected streak reset by RecordValid to prevent a ban on the next single invalid submit")
	}
}

func TestBanListManualBanAndUnban(t *testing.T) {
	b := NewBanList(3, time.Minute, time.Hour)
	now := time.Now()

	b.Ban("10.0.0.1", 5*time.Minute, now)
	allowed, remaining := b.Allowed("10.0.0.1", now.Add(time.Minute))
	if allowed || remaining <= 0 {
		t.Fatalf("expected manual ban to be in effect, got allowed=%v remaining=%v", allowed, remaining)
	}

	snap := b.Snapshot(now.Add(time.Minute))
	if len(snap) != 1 || snap[0].Remote != "10.0.0.1" {
		t.Fatalf("expected snapshot to list the manual ban, got %+v", snap)
	}

	b.Unban("10.0.0.1")
	allowed, _ = b.Allowed("10.0.0.1", now.Add(time.Minute))
	if !allowed {
		t.Fatal("expected Unban to lift the manual ban immediately")
	}
	if snap := b.Snapshot(now.Add(time.Minute)); len(snap) != 0 {
		t.Fatalf("expected empty snapshot after unban, got %+v", snap)
	}
}

func TestBanListManualBanFallsBackToBaseDuration(t *testing.T) {
	b := NewBanList(3, 2*time.Minute, time.Hour)
	now := time.Now()
	b.Ban("10.0.0.2", 0, now)
	allowed, remaining := b.Allowed("10.0.0.2", now.Add(time.Minute))
	if allowed || remaining > 2*time.Minute {
		t.Fatalf("expected a non-positive duration to fall back to the base ban duration, got remaining=%v", remaining)
	}
}
