package compliance

import (
	"context"
	"testing"
	"time"

	"salesmesh/internal/audit"
	"salesmesh/internal/bus"
	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
)

func newTestChecker(t *testing.T) (*Checker, databases.StrategyStore) {
	t.Helper()
	scanner := NewScanner([]string{"insider"}, []string{`(?i)ignore previous instructions`}, []string{"guaranteed return"})
	strategy := databases.NewMemoryStrategy()
	recorder := audit.NewRecorder(databases.NewMemoryAudit(), observability.NoopLogger{}, false)
	c := NewChecker(scanner, strategy, recorder, bus.NewMemoryBus())
	return c, strategy
}

func TestChecker_PassesCleanResponse(t *testing.T) {
	c, _ := newTestChecker(t)
	res := c.Check(context.Background(), "r1", Request{CandidateResponse: "our standard plan covers quarterly billing", TenantID: "t1"})
	if res.Status != "ok" || res.Action != ActionPass {
		t.Fatalf("expected pass, got %+v", res)
	}
}

func TestChecker_BlocksAndUsesReplacementStrategy(t *testing.T) {
	c, strategy := newTestChecker(t)
	ctx := context.Background()
	strategy.Upsert(ctx, databases.MemoryStrategyUnit{
		TenantID: "t1", StrategyID: "safe1", Type: "compliance_replacement",
		TriggerCondition: map[string]string{"risk_type": "guaranteed_return"},
		Scripts:          []string{"Returns vary with market performance and are never guaranteed."},
		IsEnabled:        true,
		EffectiveFrom:    time.Now().Add(-time.Hour),
	})

	res := c.Check(ctx, "r2", Request{CandidateResponse: "this plan offers a guaranteed return of 8%", TenantID: "t1"})
	if res.Status != "blocked" || res.Action != ActionRewrite {
		t.Fatalf("expected blocked/rewrite, got %+v", res)
	}
	if res.SafeResponse != "Returns vary with market performance and are never guaranteed." {
		t.Fatalf("expected replacement script, got %q", res.SafeResponse)
	}
}

func TestChecker_BlocksWithFallbackWhenNoReplacement(t *testing.T) {
	c, _ := newTestChecker(t)
	res := c.Check(context.Background(), "r3", Request{CandidateResponse: "this plan offers a guaranteed return of 8%", TenantID: "t1"})
	if res.Status != "blocked" || res.SafeResponse != fallbackMessage {
		t.Fatalf("expected fallback message, got %+v", res)
	}
}

func TestChecker_Warns(t *testing.T) {
	c, _ := newTestChecker(t)
	res := c.Check(context.Background(), "r4", Request{CandidateResponse: "call our insider desk for details", TenantID: "t1"})
	if res.Status != "ok" || res.Action != ActionRewrite || res.SafeResponse != warnMessage {
		t.Fatalf("expected warn rewrite, got %+v", res)
	}
}
