package retrieve

import "strings"

// Route names the branch the hybrid retriever took for one query.
type Route string

const (
	RouteKnowledge Route = "knowledge"
	RouteStrategy  Route = "strategy"
	RouteFallback  Route = "fallback"
)

// Router decides knowledge vs strategy vs fallback from keyword lists. The
// lists are fields rather than constants so a deployment can swap in its
// own vocabulary instead of the hardcoded one this is grounded on.
type Router struct {
	KnowledgeKeywords []string
	StrategyKeywords  []string
}

// DefaultRouter returns the built-in English keyword lists. Knowledge
// keywords describe things a customer can be entitled to; strategy
// keywords describe coaching situations (an objection, a stalled deal).
func DefaultRouter() Router {
	return Router{
		KnowledgeKeywords: []string{
			"entitlement", "eligib", "promo", "promotion", "commission",
			"discount", "rebate", "bonus", "rate plan", "pricing",
		},
		StrategyKeywords: []string{
			"objection", "sop", "advance", "next step", "pushback",
			"hesitant", "stalled", "close", "escalat", "follow up",
		},
	}
}

// Route implements the routing rule from the retrieval contract: knowledge
// takes priority over strategy, and an unmatched query falls back.
func (r Router) Route(intentHint, query string) Route {
	haystack := strings.ToLower(intentHint + " " + query)
	for _, kw := range r.KnowledgeKeywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return RouteKnowledge
		}
	}
	for _, kw := range r.StrategyKeywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return RouteStrategy
		}
	}
	return RouteFallback
}
