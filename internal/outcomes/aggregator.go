// Package outcomes implements the idempotent outcome aggregator (C9): it
// subscribes to MEMORY_OUTCOME_RECORDED and folds each distinct outcome
// into the strategies it touched.
package outcomes

import (
	"context"
	"encoding/json"
	"time"

	"salesmesh/internal/apperrors"
	"salesmesh/internal/bus"
	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
)

// Topic is the bus topic the aggregator subscribes to.
const Topic = "MEMORY_OUTCOME_RECORDED"

const dedupeTTL = 24 * time.Hour

// dedupeKeyer is the narrow Redis surface the aggregator needs for its
// SET NX EX idempotency key.
type dedupeKeyer interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// payload mirrors the MEMORY_OUTCOME_RECORDED event body; StrategyIDs is
// optional and, when absent, is derived from the referenced event.
type payload struct {
	OutcomeID        string   `json:"outcome_id"`
	EventID          string   `json:"event_id"`
	SessionID        string   `json:"session_id"`
	TenantID         string   `json:"tenant_id"`
	Adopted          bool     `json:"adopted"`
	AdoptType        string   `json:"adopt_type"`
	StageBefore      string   `json:"stage_before"`
	StageAfter       string   `json:"stage_after"`
	ComplianceResult string   `json:"compliance_result"`
	StrategyIDs      []string `json:"strategy_ids"`
}

// Aggregator subscribes to Topic and updates strategy stats exactly once
// per outcome_id.
type Aggregator struct {
	rc       dedupeKeyer
	strategy databases.StrategyStore
	events   databases.EventStore
	log      observability.Logger
	metrics  observability.Metrics
}

type Option func(*Aggregator)

func WithLogger(l observability.Logger) Option   { return func(a *Aggregator) { a.log = l } }
func WithMetrics(m observability.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

func NewAggregator(rc dedupeKeyer, strategy databases.StrategyStore, events databases.EventStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		rc:       rc,
		strategy: strategy,
		events:   events,
		log:      observability.NoopLogger{},
		metrics:  observability.NoopMetrics{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run blocks, consuming Topic via bus.Subscribe until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context, b bus.Bus, group string, workers int) error {
	return b.Subscribe(ctx, Topic, group, workers, a.handle)
}

func (a *Aggregator) handle(ctx context.Context, msg bus.Message) error {
	var p payload
	if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
		a.log.Error("outcomes: decode failed", map[string]any{"err": err.Error()})
		return nil // poison message; acking avoids looping forever on bad input
	}
	if p.OutcomeID == "" {
		a.log.Error("outcomes: missing outcome_id", map[string]any{"event_id": p.EventID})
		return nil
	}

	key := "memory:outcome:" + p.OutcomeID
	acquired, err := a.rc.SetNX(ctx, key, "1", dedupeTTL)
	if err != nil {
		return apperrors.Wrap(apperrors.Upstream, "acquire outcome dedupe key", err)
	}
	if !acquired {
		a.metrics.IncCounter("outcome_duplicate_total", nil)
		return nil
	}

	if err := a.apply(ctx, p); err != nil {
		a.log.Error("outcomes: apply failed, releasing dedupe key", map[string]any{"outcome_id": p.OutcomeID, "err": err.Error()})
		_ = a.rc.Del(ctx, key)
		return err
	}
	a.metrics.IncCounter("outcome_applied_total", nil)
	return nil
}

func (a *Aggregator) apply(ctx context.Context, p payload) error {
	strategyIDs, err := a.resolveStrategyIDs(ctx, p)
	if err != nil {
		return err
	}
	progressed := p.StageBefore != "" && p.StageAfter != "" && p.StageBefore != p.StageAfter
	risked := p.ComplianceResult == "blocked"

	for _, sid := range strategyIDs {
		if _, err := a.strategy.UpdateStats(ctx, p.TenantID, sid, func(s *databases.StrategyStats) {
			s.RecordOutcome(p.Adopted, progressed, risked)
		}); err != nil {
			return apperrors.Wrap(apperrors.Internal, "update strategy stats", err)
		}
		if err := a.strategy.AppendEvidenceEventID(ctx, p.TenantID, sid, p.EventID); err != nil {
			return apperrors.Wrap(apperrors.Internal, "append evidence event id", err)
		}
	}
	return nil
}

func (a *Aggregator) resolveStrategyIDs(ctx context.Context, p payload) ([]string, error) {
	if len(p.StrategyIDs) > 0 {
		return p.StrategyIDs, nil
	}
	if p.EventID == "" {
		return nil, nil
	}
	event, ok, err := a.events.Get(ctx, p.TenantID, p.EventID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Upstream, "load referenced event", err)
	}
	if !ok {
		return nil, nil
	}
	ids := append([]string(nil), event.CoachSuggestionsTaken...)
	if p.Adopted {
		ids = append(ids, event.CoachSuggestionsShown...)
	}
	return dedupeStrings(ids), nil
}

func dedupeStrings(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
