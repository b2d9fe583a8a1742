package outcomes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"salesmesh/internal/bus"
	"salesmesh/internal/persistence/databases"
)

type fakeDedupe struct {
	keys map[string]bool
}

func newFakeDedupe() *fakeDedupe { return &fakeDedupe{keys: map[string]bool{}} }

func (f *fakeDedupe) SetNX(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeDedupe) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.keys, k)
	}
	return nil
}

func TestAggregator_AppliesOnceAndDedupes(t *testing.T) {
	ctx := context.Background()
	strategy := databases.NewMemoryStrategy()
	events := databases.NewMemoryEvent()
	dedupe := newFakeDedupe()

	strategy.Upsert(ctx, databases.MemoryStrategyUnit{TenantID: "t1", StrategyID: "s1", IsEnabled: true, EffectiveFrom: time.Now().Add(-time.Hour)})
	events.Append(ctx, databases.MemoryEvent{EventID: "e1", TenantID: "t1", CoachSuggestionsTaken: []string{"s1"}})

	agg := NewAggregator(dedupe, strategy, events)

	body, _ := json.Marshal(payload{OutcomeID: "o1", EventID: "e1", TenantID: "t1", Adopted: true})
	msg := bus.Message{Topic: Topic, ID: "m1", Payload: string(body)}

	if err := agg.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	s, _, _ := strategy.Get(ctx, "t1", "s1")
	if s.Stats.TotalCount != 1 || s.Stats.AdoptedCount != 1 {
		t.Fatalf("unexpected stats after first apply: %+v", s.Stats)
	}
	if len(s.EvidenceEventIDs) != 1 || s.EvidenceEventIDs[0] != "e1" {
		t.Fatalf("expected evidence event id recorded, got %+v", s.EvidenceEventIDs)
	}

	// Re-delivery of the same outcome_id must be a no-op.
	if err := agg.handle(ctx, msg); err != nil {
		t.Fatalf("handle (redelivery): %v", err)
	}
	s, _, _ = strategy.Get(ctx, "t1", "s1")
	if s.Stats.TotalCount != 1 {
		t.Fatalf("expected no change on redelivery, got total=%d", s.Stats.TotalCount)
	}
}

func TestAggregator_DerivesStrategyIDsFromEvent(t *testing.T) {
	ctx := context.Background()
	strategy := databases.NewMemoryStrategy()
	events := databases.NewMemoryEvent()
	dedupe := newFakeDedupe()

	strategy.Upsert(ctx, databases.MemoryStrategyUnit{TenantID: "t1", StrategyID: "shown1", IsEnabled: true, EffectiveFrom: time.Now().Add(-time.Hour)})
	events.Append(ctx, databases.MemoryEvent{EventID: "e2", TenantID: "t1", CoachSuggestionsShown: []string{"shown1"}})

	agg := NewAggregator(dedupe, strategy, events)
	body, _ := json.Marshal(payload{OutcomeID: "o2", EventID: "e2", TenantID: "t1", Adopted: true})
	msg := bus.Message{Topic: Topic, ID: "m2", Payload: string(body)}

	if err := agg.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	s, ok, _ := strategy.Get(ctx, "t1", "shown1")
	if !ok || s.Stats.TotalCount != 1 {
		t.Fatalf("expected shown strategy to be credited when adopted, got %+v ok=%v", s.Stats, ok)
	}
}
