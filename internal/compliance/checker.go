package compliance

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"salesmesh/internal/audit"
	"salesmesh/internal/bus"
	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
)

// ViolationTopic is published whenever a check resolves to WARN or BLOCK.
const ViolationTopic = "COMPLIANCE_VIOLATION"

const (
	fallbackMessage = "I can't confirm that detail directly — let me bring in a specialist so I don't state something inaccurate."
	warnMessage     = "Let me double-check those specifics before committing to an exact figure, so I don't misstate anything."
)

// Request is the compliance-check contract.
type Request struct {
	CandidateResponse string               `json:"candidate_response"`
	Citations         []databases.Citation `json:"citations,omitempty"`
	SessionID         string               `json:"session_id,omitempty"`
	TenantID          string               `json:"tenant_id"`
	UserID            string               `json:"user_id,omitempty"`
}

// Action tells the caller what to do with the candidate response.
type Action string

const (
	ActionPass    Action = "pass"
	ActionRewrite Action = "rewrite"
)

// Result is returned from Check.
type Result struct {
	RequestID    string
	Status       string // ok|blocked
	Action       Action
	Hits         []Flag
	SafeResponse string
}

// Checker scans candidate responses and decides pass/rewrite/block.
type Checker struct {
	scanner  *Scanner
	strategy databases.StrategyStore
	recorder *audit.Recorder
	bus      bus.Bus
	log      observability.Logger
	metrics  observability.Metrics
	rand     *rand.Rand
}

type Option func(*Checker)

func WithLogger(l observability.Logger) Option   { return func(c *Checker) { c.log = l } }
func WithMetrics(m observability.Metrics) Option { return func(c *Checker) { c.metrics = m } }

func NewChecker(scanner *Scanner, strategy databases.StrategyStore, recorder *audit.Recorder, b bus.Bus, opts ...Option) *Checker {
	c := &Checker{
		scanner:  scanner,
		strategy: strategy,
		recorder: recorder,
		bus:      b,
		log:      observability.NoopLogger{},
		metrics:  observability.NoopMetrics{},
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check scans req.CandidateResponse, classifies the risk, and appends one
// MemoryAudit row with route="compliance" regardless of outcome.
func (c *Checker) Check(ctx context.Context, requestID string, req Request) Result {
	flags := c.scanner.Scan(req.CandidateResponse)
	risk := classify(flags)

	result := Result{RequestID: requestID, Hits: flags}
	switch risk {
	case RiskBlock:
		result.Status = "blocked"
		result.Action = ActionRewrite
		result.SafeResponse = c.safeResponseForBlock(ctx, req.TenantID, flags)
		c.publishViolation(ctx, requestID, req, flags, risk)
	case RiskWarn:
		result.Status = "ok"
		result.Action = ActionRewrite
		result.SafeResponse = warnMessage
		c.publishViolation(ctx, requestID, req, flags, risk)
	default:
		result.Status = "ok"
		result.Action = ActionPass
	}

	c.appendAudit(ctx, requestID, req, result)
	c.metrics.IncCounter("compliance_check_total", map[string]string{"risk": string(risk)})
	return result
}

// safeResponseForBlock looks up a tenant-specific compliance_replacement
// strategy unit whose trigger_condition references one of the flagged
// risk types and returns a random script from it, falling back to the
// fixed message when none matches or the lookup fails.
func (c *Checker) safeResponseForBlock(ctx context.Context, tenantID string, flags []Flag) string {
	risks := riskTypes(flags)
	units, err := c.strategy.ListEffective(ctx, databases.StrategyFilter{TenantID: tenantID}, time.Now().UTC())
	if err != nil {
		c.log.Error("compliance: strategy lookup failed", map[string]any{"err": err.Error()})
		return fallbackMessage
	}
	var candidates []databases.MemoryStrategyUnit
	for _, u := range units {
		if u.Type == "compliance_replacement" && len(u.Scripts) > 0 && triggerMatchesRisk(u.TriggerCondition, risks) {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return fallbackMessage
	}
	u := candidates[c.rand.Intn(len(candidates))]
	return u.Scripts[c.rand.Intn(len(u.Scripts))]
}

func triggerMatchesRisk(trigger map[string]string, risks []string) bool {
	riskSet := make(map[string]struct{}, len(risks))
	for _, r := range risks {
		riskSet[r] = struct{}{}
	}
	for _, v := range trigger {
		if _, ok := riskSet[v]; ok {
			return true
		}
	}
	return false
}

func (c *Checker) publishViolation(ctx context.Context, requestID string, req Request, flags []Flag, risk RiskLevel) {
	if c.bus == nil {
		return
	}
	body, _ := json.Marshal(map[string]interface{}{
		"request_id": requestID,
		"tenant_id":  req.TenantID,
		"session_id": req.SessionID,
		"risk_level": risk,
		"rule_ids":   flagRuleIDs(flags),
	})
	if _, err := c.bus.Publish(ctx, ViolationTopic, string(body)); err != nil {
		c.log.Error("compliance: publish violation failed", map[string]any{"err": err.Error()})
	}
}

func (c *Checker) appendAudit(ctx context.Context, requestID string, req Request, result Result) {
	if c.recorder == nil {
		return
	}
	outputText := result.SafeResponse
	if outputText == "" {
		outputText = req.CandidateResponse
	}
	_ = c.recorder.Append(ctx, databases.MemoryAudit{
		RequestID:      requestID,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		InputDigest:    audit.Digest(req.CandidateResponse),
		Route:          "compliance",
		ComplianceHits: flagRuleIDs(result.Hits),
		OutputDigest:   audit.Digest(outputText),
		CreatedAt:      time.Now().UTC(),
	})
}

func flagRuleIDs(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.RuleID
	}
	return out
}
