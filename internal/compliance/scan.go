// Package compliance implements the candidate-response scanner (§4.5): a
// keyword/regex risk scan, BLOCK/WARN/OK classification, and the
// compliance_replacement strategy lookup used to rewrite a blocked
// response instead of just refusing it.
package compliance

import (
	"regexp"
	"strings"
)

// Severity classifies one flagged rule.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Flag is one rule hit against the scanned text.
type Flag struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
}

var phonePattern = regexp.MustCompile(`\b1[3-9]\d{9}\b`)
var emailPattern = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)

// Scanner holds the compiled rule set. Construct once per process; Scan is
// safe for concurrent use.
type Scanner struct {
	sensitiveWords        []string
	injectionRegexes      []*regexp.Regexp
	guaranteedReturnWords []string
}

func NewScanner(sensitiveWords, injectionRegexes, guaranteedReturnWords []string) *Scanner {
	compiled := make([]*regexp.Regexp, 0, len(injectionRegexes))
	for _, pattern := range injectionRegexes {
		if re, err := regexp.Compile(pattern); err == nil {
			compiled = append(compiled, re)
		}
	}
	return &Scanner{
		sensitiveWords:        sensitiveWords,
		injectionRegexes:      compiled,
		guaranteedReturnWords: guaranteedReturnWords,
	}
}

// Scan returns every rule that matched text, in a stable rule order.
func (s *Scanner) Scan(text string) []Flag {
	var flags []Flag
	lower := strings.ToLower(text)

	for _, w := range s.sensitiveWords {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			flags = append(flags, Flag{RuleID: "sensitive_word:" + w, Severity: SeverityMedium})
		}
	}
	for _, re := range s.injectionRegexes {
		if re.MatchString(text) {
			flags = append(flags, Flag{RuleID: "prompt_injection:" + re.String(), Severity: SeverityHigh})
		}
	}
	if phonePattern.MatchString(text) {
		flags = append(flags, Flag{RuleID: "pii_phone", Severity: SeverityMedium})
	}
	if emailPattern.MatchString(text) {
		flags = append(flags, Flag{RuleID: "pii_email", Severity: SeverityMedium})
	}
	for _, w := range s.guaranteedReturnWords {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			flags = append(flags, Flag{RuleID: "guaranteed_return", Severity: SeverityHigh})
			break
		}
	}
	return flags
}

// RiskLevel classifies a flag set: BLOCK if any high severity, else WARN if
// any flag at all, else OK.
type RiskLevel string

const (
	RiskBlock RiskLevel = "BLOCK"
	RiskWarn  RiskLevel = "WARN"
	RiskOK    RiskLevel = "OK"
)

func classify(flags []Flag) RiskLevel {
	if len(flags) == 0 {
		return RiskOK
	}
	for _, f := range flags {
		if f.Severity == SeverityHigh {
			return RiskBlock
		}
	}
	return RiskWarn
}

// riskTypes extracts the distinct risk-type tokens from a flag set, used
// to match a compliance_replacement strategy's trigger_condition. A
// "sensitive_word:foo" rule id maps to risk type "sensitive_word"; other
// rule ids (pii_phone, pii_email, guaranteed_return) are already the type.
func riskTypes(flags []Flag) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range flags {
		t := f.RuleID
		if idx := strings.Index(t, ":"); idx != -1 {
			t = t[:idx]
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
