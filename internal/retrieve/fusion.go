package retrieve

import (
	"sort"
	"time"

	"salesmesh/internal/decay"
	"salesmesh/internal/persistence/databases"
)

const rrfK = 60
const fusedCandidateCap = 20

// candidate is a fused hit pending rerank; exactly one of knowledge/strategy
// is set, matching the route it came from.
type candidate struct {
	id        string
	fused     float64
	knowledge *databases.MemoryKnowledge
	strategy  *databases.MemoryStrategyUnit
}

// fuseContrib applies Reciprocal Rank Fusion across two 0-based-ranked id
// lists, multiplying each list's contribution by weight(id) before summing.
func fuseContrib(sqlOrder, vecOrder []string, weight func(id string) float64) map[string]float64 {
	fused := map[string]float64{}
	add := func(order []string) {
		for i, id := range order {
			fused[id] += weight(id) / float64(rrfK+i)
		}
	}
	add(sqlOrder)
	add(vecOrder)
	return fused
}

func sortAndCapCandidates(cands []candidate) []candidate {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].fused != cands[j].fused {
			return cands[i].fused > cands[j].fused
		}
		return cands[i].id < cands[j].id
	})
	if len(cands) > fusedCandidateCap {
		cands = cands[:fusedCandidateCap]
	}
	return cands
}

func fuseKnowledge(rows []databases.MemoryKnowledge, vecHits []databases.VectorResult, now time.Time, halfLife time.Duration) []candidate {
	byID := make(map[string]*databases.MemoryKnowledge, len(rows))
	sqlOrder := make([]string, len(rows))
	for i := range rows {
		row := rows[i]
		byID[row.KnowledgeID] = &row
		sqlOrder[i] = row.KnowledgeID
	}
	var vecOrder []string
	for _, h := range vecHits {
		if _, ok := byID[h.ID]; ok {
			vecOrder = append(vecOrder, h.ID)
		}
	}
	weight := func(id string) float64 {
		row := byID[id]
		if row == nil {
			return 0
		}
		return decay.Weight(row.LastUsedAt, now, halfLife)
	}
	fused := fuseContrib(sqlOrder, vecOrder, weight)
	out := make([]candidate, 0, len(fused))
	for id, score := range fused {
		out = append(out, candidate{id: id, fused: score, knowledge: byID[id]})
	}
	return sortAndCapCandidates(out)
}

func fuseStrategy(rows []databases.MemoryStrategyUnit, vecHits []databases.VectorResult, now time.Time, halfLife time.Duration) []candidate {
	byID := make(map[string]*databases.MemoryStrategyUnit, len(rows))
	sqlOrder := make([]string, len(rows))
	for i := range rows {
		row := rows[i]
		byID[row.StrategyID] = &row
		sqlOrder[i] = row.StrategyID
	}
	var vecOrder []string
	for _, h := range vecHits {
		if _, ok := byID[h.ID]; ok {
			vecOrder = append(vecOrder, h.ID)
		}
	}
	weight := func(id string) float64 {
		row := byID[id]
		if row == nil {
			return 0
		}
		return decay.Weight(row.LastUsedAt, now, halfLife)
	}
	fused := fuseContrib(sqlOrder, vecOrder, weight)
	out := make([]candidate, 0, len(fused))
	for id, score := range fused {
		out = append(out, candidate{id: id, fused: score, strategy: byID[id]})
	}
	return sortAndCapCandidates(out)
}
