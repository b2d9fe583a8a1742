package retrieve

import (
	"context"
	"time"

	"salesmesh/internal/persistence/databases"
)

// toHitsAndCitations assembles the response Hit/Citation pair for each
// fused candidate, attaching evidence events and stats for strategy hits.
func (r *Retriever) toHitsAndCitations(ctx context.Context, cands []candidate) ([]Hit, []databases.Citation) {
	hits := make([]Hit, 0, len(cands))
	citations := make([]databases.Citation, 0, len(cands))
	for _, c := range cands {
		switch {
		case c.knowledge != nil:
			k := c.knowledge
			var snippet string
			if len(k.CitationSnippets) > 0 {
				snippet = k.CitationSnippets[0]
			}
			hits = append(hits, Hit{
				Type:  "knowledge",
				ID:    k.KnowledgeID,
				Score: c.fused,
				Content: map[string]interface{}{
					"knowledge_id":       k.KnowledgeID,
					"version":            k.Version,
					"domain":             k.Domain,
					"structured_content": k.StructuredContent,
					"source_ref":         k.SourceRef,
				},
			})
			citations = append(citations, databases.Citation{
				Type: "knowledge", ID: k.KnowledgeID, Version: k.Version,
				Snippet: snippet, SourceRef: k.SourceRef,
			})
		case c.strategy != nil:
			s := c.strategy
			var snippet string
			if len(s.Scripts) > 0 {
				snippet = s.Scripts[0]
			}
			hits = append(hits, Hit{
				Type:  "strategy",
				ID:    s.StrategyID,
				Score: c.fused,
				Content: map[string]interface{}{
					"strategy_id": s.StrategyID,
					"type":        s.Type,
					"steps":       s.Steps,
					"scripts":     s.Scripts,
					"evidence":    r.loadEvidence(ctx, s.TenantID, s.EvidenceEventIDs),
					"stats":       s.Stats,
				},
			})
			citations = append(citations, databases.Citation{Type: "strategy", ID: s.StrategyID, Snippet: snippet})
		}
	}
	return hits, citations
}

func (r *Retriever) loadEvidence(ctx context.Context, tenantID string, eventIDs []string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(eventIDs))
	for _, id := range eventIDs {
		ev, ok, err := r.events.Get(ctx, tenantID, id)
		if err != nil || !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"event_id": ev.EventID,
			"summary":  ev.Summary,
			"stage":    ev.Stage,
			"speaker":  ev.Speaker,
		})
	}
	return out
}

// reactivate bumps last_used_at/use_count for every hit actually returned,
// so the next retrieval's SOFC scoring sees it as freshly used. Each row
// is its own store commit; there is no cross-row transaction wrapping
// these, so a partial failure only loses the reactivation bump, not the
// response already produced.
func (r *Retriever) reactivate(ctx context.Context, cands []candidate, now time.Time) {
	for _, c := range cands {
		switch {
		case c.knowledge != nil:
			if err := r.knowledge.MarkUsed(ctx, c.knowledge.TenantID, c.knowledge.KnowledgeID, c.knowledge.Version, now); err != nil {
				r.log.Error("retrieve: reactivate knowledge failed", map[string]any{"id": c.knowledge.KnowledgeID, "err": err.Error()})
			}
		case c.strategy != nil:
			if err := r.strategy.MarkUsed(ctx, c.strategy.TenantID, c.strategy.StrategyID, now); err != nil {
				r.log.Error("retrieve: reactivate strategy failed", map[string]any{"id": c.strategy.StrategyID, "err": err.Error()})
			}
		}
	}
}
