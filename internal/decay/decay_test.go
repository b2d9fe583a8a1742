package decay

import (
	"testing"
	"time"
)

func TestWeight_NoLastUsed(t *testing.T) {
	if w := Weight(nil, time.Now(), DefaultHalfLife); w != 1.0 {
		t.Fatalf("expected 1.0, got %v", w)
	}
}

func TestWeight_HalfLifeElapsed(t *testing.T) {
	now := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	last := now.Add(-DefaultHalfLife)
	w := Weight(&last, now, DefaultHalfLife)
	if diff := w - 0.5; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected ~0.5 at one half-life, got %v", w)
	}
}

func TestWeight_Fresh(t *testing.T) {
	now := time.Now()
	last := now
	w := Weight(&last, now, DefaultHalfLife)
	if w != 1.0 {
		t.Fatalf("expected 1.0 for delta<=0, got %v", w)
	}
}

func TestReactivate_IncrementsUseCount(t *testing.T) {
	now := time.Now()
	r := Reactivate(3, now)
	if r.UseCount != 4 {
		t.Fatalf("expected use_count 4, got %d", r.UseCount)
	}
	if !r.LastUsedAt.Equal(now) {
		t.Fatalf("expected last_used_at to equal now")
	}
}
