package retrieve

import (
	"context"
	"testing"
	"time"

	"salesmesh/internal/audit"
	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
)

func TestRouter_Route(t *testing.T) {
	r := DefaultRouter()
	cases := []struct {
		intent, query string
		want          Route
	}{
		{"", "what is my commission rate this month", RouteKnowledge},
		{"", "customer raised an objection about price", RouteStrategy},
		{"", "just chatting about the weather", RouteFallback},
	}
	for _, c := range cases {
		if got := r.Route(c.intent, c.query); got != c.want {
			t.Errorf("Route(%q,%q) = %q, want %q", c.intent, c.query, got, c.want)
		}
	}
}

func newTestRetriever(t *testing.T) (*Retriever, databases.KnowledgeStore, databases.StrategyStore) {
	t.Helper()
	knowledge := databases.NewMemoryKnowledge()
	strategy := databases.NewMemoryStrategy()
	events := databases.NewMemoryEvent()
	auditStore := databases.NewMemoryAudit()
	recorder := audit.NewRecorder(auditStore, observability.NoopLogger{}, false)
	r := NewRetriever(knowledge, strategy, events, nil, nil, nil, recorder)
	return r, knowledge, strategy
}

func TestQuery_TenantMismatchIsForbidden(t *testing.T) {
	r, _, _ := newTestRetriever(t)
	_, err := r.Query(context.Background(), "tenant-a", Request{TenantID: "tenant-b", Query: "commission"})
	if err == nil {
		t.Fatal("expected tenant mismatch error")
	}
}

func TestQuery_KnowledgeRoute_ReturnsHitAndReactivates(t *testing.T) {
	r, knowledge, _ := newTestRetriever(t)
	ctx := context.Background()
	_, _ = knowledge.Upsert(ctx, databases.MemoryKnowledge{
		TenantID: "t1", KnowledgeID: "k1", Version: 1,
		StructuredContent: `{"summary":"commission tiers explained"}`,
		CitationSnippets:  []string{"commission is 5% on tier 1"},
		SourceRef:         "policy://commission",
		IsEnabled:         true,
		EffectiveFrom:     time.Now().Add(-24 * time.Hour),
	})

	topK := 5
	resp, err := r.Query(ctx, "", Request{TenantID: "t1", Query: "commission", TopK: &topK})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.RouteDecision != RouteKnowledge {
		t.Fatalf("expected knowledge route, got %q", resp.RouteDecision)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].ID != "k1" {
		t.Fatalf("expected one hit for k1, got %+v", resp.Hits)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].Snippet != "commission is 5% on tier 1" {
		t.Fatalf("unexpected citation: %+v", resp.Citations)
	}

	updated, ok, _ := knowledge.Get(ctx, "t1", "k1", 1)
	if !ok || updated.UseCount != 1 || updated.LastUsedAt == nil {
		t.Fatalf("expected reactivation to bump use_count, got %+v", updated)
	}
}

func TestQuery_TopKZero_ReturnsNoHits(t *testing.T) {
	r, knowledge, _ := newTestRetriever(t)
	ctx := context.Background()
	_, _ = knowledge.Upsert(ctx, databases.MemoryKnowledge{
		TenantID: "t1", KnowledgeID: "k1", Version: 1,
		StructuredContent: `{"summary":"commission tiers explained"}`,
		CitationSnippets:  []string{"commission is 5% on tier 1"},
		SourceRef:         "policy://commission",
		IsEnabled:         true,
		EffectiveFrom:     time.Now().Add(-24 * time.Hour),
	})

	zero := 0
	resp, err := r.Query(ctx, "", Request{TenantID: "t1", Query: "commission", TopK: &zero})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.Hits) != 0 {
		t.Fatalf("expected no hits for top_k=0, got %+v", resp.Hits)
	}
}

func TestQuery_NoKeywordMatch_FallsBack(t *testing.T) {
	r, _, _ := newTestRetriever(t)
	resp, err := r.Query(context.Background(), "", Request{TenantID: "t1", Query: "how's the weather"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.RouteDecision != RouteFallback {
		t.Fatalf("expected fallback route, got %q", resp.RouteDecision)
	}
	if len(resp.Hits) != 0 {
		t.Fatalf("expected no hits on fallback, got %+v", resp.Hits)
	}
}
