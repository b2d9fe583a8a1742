package retrieve

import (
	"context"
	"sort"
	"strings"
	"time"

	"salesmesh/internal/persistence/databases"
)

// knowledgeDomainHint maps a knowledge-route keyword to the domain column
// used to narrow the relational scan; unmatched keywords apply no filter.
var knowledgeDomainHint = map[string]string{
	"entitlement": "entitlement",
	"eligib":      "entitlement",
	"promo":       "promotion",
	"promotion":   "promotion",
	"commission":  "commission",
}

func inferKnowledgeDomain(intentHint string) string {
	hay := strings.ToLower(intentHint)
	for kw, domain := range knowledgeDomainHint {
		if strings.Contains(hay, kw) {
			return domain
		}
	}
	return ""
}

// recallKnowledge returns the effective, enabled knowledge rows matching
// req (the SQL recall set) keyed by knowledge_id, ordered updated_at desc
// and capped to top_k.
func (r *Retriever) recallKnowledge(ctx context.Context, req Request, now time.Time) ([]databases.MemoryKnowledge, error) {
	filter := databases.KnowledgeFilter{TenantID: req.TenantID, Domain: inferKnowledgeDomain(req.IntentHint)}
	rows, err := r.knowledge.ListEffective(ctx, filter, now)
	if err != nil {
		return nil, err
	}
	if req.Query != "" {
		filtered := rows[:0:0]
		for _, row := range rows {
			if strings.Contains(row.StructuredContent, req.Query) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
	if k := req.TopK; k != nil && *k > 0 && len(rows) > *k {
		rows = rows[:*k]
	}
	return rows, nil
}

// recallStrategy returns effective, enabled strategy rows matching req,
// applying "equals OR is-null" semantics on both sides: an empty request
// field matches anything, and a strategy whose trigger column is empty
// matches any requested value.
func (r *Retriever) recallStrategy(ctx context.Context, req Request, now time.Time) ([]databases.MemoryStrategyUnit, error) {
	rows, err := r.strategy.ListEffective(ctx, databases.StrategyFilter{TenantID: req.TenantID}, now)
	if err != nil {
		return nil, err
	}
	out := rows[:0:0]
	for _, row := range rows {
		if !matchesEitherEmpty(req.Stage, row.Stage) {
			continue
		}
		if !matchesEitherEmpty(req.ObjectionType, row.ObjectionType) {
			continue
		}
		if !matchesEitherEmpty(req.IntentHint, row.Intent) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if k := req.TopK; k != nil && *k > 0 && len(out) > *k {
		out = out[:*k]
	}
	return out, nil
}

func matchesEitherEmpty(requested, stored string) bool {
	return requested == "" || stored == "" || requested == stored
}

// recallVector embeds query and queries vec for up to 20 candidates scoped
// to req.TenantID. An embedder/vector-store error degrades to no vector
// hits rather than failing the whole retrieval.
func (r *Retriever) recallVector(ctx context.Context, vec databases.VectorStore, req Request) []databases.VectorResult {
	if vec == nil || r.embedder == nil || req.Query == "" {
		return nil
	}
	vectors, err := r.embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil || len(vectors) == 0 {
		r.log.Error("retrieve: query embedding failed", map[string]any{"err": errString(err)})
		return nil
	}
	hits, err := vec.SimilaritySearch(ctx, vectors[0], 20, map[string]string{"tenant_id": req.TenantID})
	if err != nil {
		r.log.Error("retrieve: vector recall failed", map[string]any{"err": err.Error()})
		return nil
	}
	return hits
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
