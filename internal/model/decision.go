package model

import (
	"encoding/json"
	"fmt"
)

// Verdict is the discriminant of a Decision. The string values are part of
// the cache and log wire contract.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictFlag  Verdict = "flag"
	VerdictBlock Verdict = "block"
)

// ThreatLevel is the qualitative severity attached to block decisions.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ParseThreatLevel maps a string to a ThreatLevel, or false if unknown.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	switch ThreatLevel(s) {
	case ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical:
		return ThreatLevel(s), true
	}
	return "", false
}

// Decision is the tagged verdict produced by the judge. The JSON form is
// tag-discriminated on "decision" and is a wire/storage contract shared by
// the verdict cache and the event log.
type Decision struct {
	Verdict       Verdict     `json:"decision"`
	Confidence    float64     `json:"confidence"`
	Reason        string      `json:"reason,omitempty"`
	SuggestedRule string      `json:"suggested_rule,omitempty"`
	ThreatLevel   ThreatLevel `json:"threat_level,omitempty"`
}

// Allow builds an allow decision.
func Allow(confidence float64) Decision {
	return Decision{Verdict: VerdictAllow, Confidence: confidence}
}

// Flag builds a flag decision. suggestedRule may be empty.
func Flag(confidence float64, reason, suggestedRule string) Decision {
	return Decision{
		Verdict:       VerdictFlag,
		Confidence:    confidence,
		Reason:        reason,
		SuggestedRule: suggestedRule,
	}
}

// Block builds a block decision.
func Block(confidence float64, reason string, level ThreatLevel) Decision {
	return Decision{
		Verdict:     VerdictBlock,
		Confidence:  confidence,
		Reason:      reason,
		ThreatLevel: level,
	}
}

// IsBlock reports whether the decision blocks the request.
func (d Decision) IsBlock() bool { return d.Verdict == VerdictBlock }

// IsFlag reports whether the decision flags the request.
func (d Decision) IsFlag() bool { return d.Verdict == VerdictFlag }

// UnmarshalJSON decodes a decision and rejects unknown verdict tags, so a
// corrupt cache value surfaces as an error instead of a silent allow.
func (d *Decision) UnmarshalJSON(data []byte) error {
	type raw Decision
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Verdict {
	case VerdictAllow, VerdictFlag, VerdictBlock:
	default:
		return fmt.Errorf("unknown decision type: %q", r.Verdict)
	}
	*d = Decision(r)
	return nil
}

// RuleAction is what a rule asks the judge to do on match.
type RuleAction string

const (
	ActionBlock RuleAction = "block"
	ActionFlag  RuleAction = "flag"
)

// RuleSuggestion is one new rule proposed by the learner LLM call.
type RuleSuggestion struct {
	Pattern     string     `json:"pattern"`
	ThreatType  string     `json:"threat_type"`
	Description string     `json:"description"`
	Confidence  float64    `json:"confidence"`
	Action      RuleAction `json:"action"`
}

// LearnerOutput is the structured result of one learn_rules call.
type LearnerOutput struct {
	NewRules    []RuleSuggestion `json:"new_rules"`
	WeakenRules []string         `json:"weaken_rules"`
	RemoveRules []string         `json:"remove_rules"`
	Rationales  []string         `json:"rationales"`
}
