package databases

import "time"

// MemoryEvent is one append-only turn of conversation, written once by
// write-event and never mutated afterward.
type MemoryEvent struct {
	EventID               string            `json:"event_id"`
	TenantID              string            `json:"tenant_id"`
	UserID                string            `json:"user_id"`
	SessionID             string            `json:"session_id"`
	Channel               string            `json:"channel,omitempty"`
	TurnIndex             int               `json:"turn_index,omitempty"`
	Speaker               string            `json:"speaker"` // sales|customer|npc|agent
	RawTextRef            string            `json:"raw_text_ref,omitempty"`
	Summary               string            `json:"summary,omitempty"`
	IntentTop1            string            `json:"intent_top1,omitempty"`
	IntentTopK            []string          `json:"intent_topk,omitempty"`
	Stage                 string            `json:"stage,omitempty"`
	ObjectionType         string            `json:"objection_type,omitempty"`
	Entities              []string          `json:"entities,omitempty"`
	Sentiment             string            `json:"sentiment,omitempty"`
	Tension               float64           `json:"tension,omitempty"`
	ComplianceFlags       []string          `json:"compliance_flags,omitempty"`
	CoachSuggestionsShown []string          `json:"coach_suggestions_shown,omitempty"`
	CoachSuggestionsTaken []string          `json:"coach_suggestions_taken,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// MemoryKnowledge is a versioned knowledge row. Retrievability is governed
// by IsEnabled plus the effectivity window, never by decay alone.
type MemoryKnowledge struct {
	TenantID          string     `json:"tenant_id"`
	KnowledgeID       string     `json:"knowledge_id"`
	Version           int       `json:"version"`
	Domain            string     `json:"domain"`
	ProductID         string     `json:"product_id,omitempty"`
	StructuredContent string     `json:"structured_content"`
	SourceRef         string     `json:"source_ref,omitempty"`
	EffectiveFrom     time.Time  `json:"effective_from"`
	EffectiveTo       *time.Time `json:"effective_to,omitempty"`
	IsEnabled         bool       `json:"is_enabled"`
	CitationSnippets  []string   `json:"citation_snippets,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	UseCount          int        `json:"use_count"`
	DecayScore        float64    `json:"decay_score"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Retrievable implements the invariant from the data model: a row is
// retrievable iff enabled and today falls inside its effectivity window.
func (k MemoryKnowledge) Retrievable(today time.Time) bool {
	if !k.IsEnabled {
		return false
	}
	t := today.UTC().Truncate(24 * time.Hour)
	from := k.EffectiveFrom.UTC().Truncate(24 * time.Hour)
	if t.Before(from) {
		return false
	}
	if k.EffectiveTo != nil {
		to := k.EffectiveTo.UTC().Truncate(24 * time.Hour)
		if t.After(to) {
			return false
		}
	}
	return true
}

// MemoryStrategyUnit is a versioned coaching strategy row with the same
// effectivity/decay invariants as MemoryKnowledge.
type MemoryStrategyUnit struct {
	TenantID         string            `json:"tenant_id"`
	StrategyID       string            `json:"strategy_id"`
	Type             string            `json:"type"`
	Intent           string            `json:"intent,omitempty"`
	Stage            string            `json:"stage,omitempty"`
	ObjectionType    string            `json:"objection_type,omitempty"`
	Level            string            `json:"level,omitempty"`
	TriggerCondition map[string]string `json:"trigger_condition,omitempty"`
	Steps            []string          `json:"steps,omitempty"`
	Scripts          []string          `json:"scripts,omitempty"`
	DosDonts         map[string]string `json:"dos_donts,omitempty"`
	EvidenceEventIDs []string          `json:"evidence_event_ids,omitempty"`
	Stats            StrategyStats     `json:"stats"`
	IsEnabled        bool              `json:"is_enabled"`
	EffectiveFrom    time.Time         `json:"effective_from"`
	EffectiveTo      *time.Time        `json:"effective_to,omitempty"`
	LastUsedAt       *time.Time        `json:"last_used_at,omitempty"`
	UseCount         int               `json:"use_count"`
	DecayScore       float64           `json:"decay_score"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (s MemoryStrategyUnit) Retrievable(today time.Time) bool {
	k := MemoryKnowledge{IsEnabled: s.IsEnabled, EffectiveFrom: s.EffectiveFrom, EffectiveTo: s.EffectiveTo}
	return k.Retrievable(today)
}

// StrategyStats tracks adoption outcomes for one strategy. Record keeps the
// invariant 0 <= {adopted,progress,risk}_count <= total_count and rates
// rounded to four decimals.
type StrategyStats struct {
	TotalCount    int     `json:"total_count"`
	AdoptedCount  int     `json:"adopted_count"`
	ProgressCount int     `json:"progress_count"`
	RiskCount     int     `json:"risk_count"`
	AdoptionRate  float64 `json:"adoption_rate"`
	ProgressRate  float64 `json:"progress_rate"`
	RiskRate      float64 `json:"risk_rate"`
}

// AdoptType enumerates the outcome bucket a single-bucket outcome event
// adds to, kept for callers that only ever have one flag set.
type AdoptType string

const (
	AdoptTypeAdopted  AdoptType = "adopted"
	AdoptTypeProgress AdoptType = "progress"
	AdoptTypeRisk     AdoptType = "risk"
)

// Record applies one outcome event to the stats and recomputes rates.
// Called exactly once per distinct outcome, guarded by outcome dedupe
// upstream in internal/outcomes.
func (s *StrategyStats) Record(t AdoptType) {
	s.RecordOutcome(t == AdoptTypeAdopted, t == AdoptTypeProgress, t == AdoptTypeRisk)
}

// RecordOutcome applies one outcome event's three independent flags
// (adopted/progressed/risked can all be true at once) to the stats and
// recomputes the three rates. Called exactly once per distinct outcome,
// guarded by outcome dedupe upstream in internal/outcomes.
func (s *StrategyStats) RecordOutcome(adopted, progressed, risked bool) {
	s.TotalCount++
	if adopted {
		s.AdoptedCount++
	}
	if progressed {
		s.ProgressCount++
	}
	if risked {
		s.RiskCount++
	}
	s.recompute()
}

func (s *StrategyStats) recompute() {
	s.AdoptionRate = round4(rate(s.AdoptedCount, s.TotalCount))
	s.ProgressRate = round4(rate(s.ProgressCount, s.TotalCount))
	s.RiskRate = round4(rate(s.RiskCount, s.TotalCount))
}

func rate(count, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(count) / float64(total)
}

func round4(v float64) float64 {
	const scale = 10000.0
	return float64(int64(v*scale+0.5)) / scale
}

// MemoryOutcome is an immutable record of how a coached turn resolved.
type MemoryOutcome struct {
	OutcomeID        string             `json:"outcome_id"`
	EventID          string             `json:"event_id"`
	SessionID        string             `json:"session_id"`
	TenantID         string             `json:"tenant_id"`
	Adopted          bool               `json:"adopted"`
	AdoptType        string             `json:"adopt_type,omitempty"`
	StageBefore      string             `json:"stage_before,omitempty"`
	StageAfter       string             `json:"stage_after,omitempty"`
	EvalScores       map[string]float64 `json:"eval_scores,omitempty"`
	ComplianceResult string             `json:"compliance_result,omitempty"`
	FinalResult      string             `json:"final_result,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Citation identifies one piece of retrieved evidence backing a response.
type Citation struct {
	Type      string `json:"type"` // knowledge|strategy
	ID        string `json:"id"`
	Version   int    `json:"version,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	SourceRef string `json:"source_ref,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
}

// MemoryAudit is one append-only row per memory request.
type MemoryAudit struct {
	RequestID      string            `json:"request_id"`
	TenantID       string            `json:"tenant_id"`
	UserID         string            `json:"user_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	InputDigest    string            `json:"input_digest"`
	Route          string            `json:"route"` // compliance|knowledge|strategy|fallback
	RetrievedIDs   []string          `json:"retrieved_ids,omitempty"`
	Citations      []Citation        `json:"citations,omitempty"`
	ComplianceHits []string          `json:"compliance_hits,omitempty"`
	OutputDigest   string            `json:"output_digest"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
