// Package rulebook holds the versioned rule set, its JSON persistence, and
// the filesystem watcher that feeds hot reloads.
package rulebook

import (
	"time"

	"github.com/google/uuid"

	"github.com/vigil-waf/vigil/internal/model"
)

// weakenFactor and weakenFloor govern confidence decay when the learner
// weakens a rule.
const (
	weakenFactor = 0.8
	weakenFloor  = 0.3
)

// Rule is one learned or hand-written detection rule.
type Rule struct {
	ID          string           `json:"id"`
	Pattern     string           `json:"pattern"`
	ThreatType  string           `json:"threat_type"`
	Confidence  float64          `json:"confidence"`
	Action      model.RuleAction `json:"action"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
	Description string           `json:"description,omitempty"`
}

// NewRule creates a rule with a fresh UUID and the current timestamp.
func NewRule(pattern, threatType string, confidence float64, action model.RuleAction, createdBy string) Rule {
	return Rule{
		ID:         uuid.NewString(),
		Pattern:    pattern,
		ThreatType: threatType,
		Confidence: confidence,
		Action:     action,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
	}
}

// Rulebook is the ordered rule sequence consulted by the judge. It is a
// value type: readers hold snapshots and the learner is the single writer.
type Rulebook struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Rules     []Rule    `json:"rules"`
}

// New returns an empty rulebook at version 1.
func New() Rulebook {
	return Rulebook{Version: 1, UpdatedAt: time.Now().UTC()}
}

// AddRule appends a rule, bumping the version.
func (rb *Rulebook) AddRule(r Rule) {
	rb.Rules = append(rb.Rules, r)
	rb.Version++
	rb.UpdatedAt = time.Now().UTC()
}

// RemoveRule drops the rule with the given id, bumping the version.
// Returns false when no rule matched.
func (rb *Rulebook) RemoveRule(id string) bool {
	for i, r := range rb.Rules {
		if r.ID == id {
			rb.Rules = append(rb.Rules[:i], rb.Rules[i+1:]...)
			rb.Version++
			rb.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// WeakenRule decays a rule's confidence by 20% with a floor of 0.3.
// Weakening does not bump the version; only add and remove do.
// Returns false when no rule matched.
func (rb *Rulebook) WeakenRule(id string) bool {
	for i := range rb.Rules {
		if rb.Rules[i].ID == id {
			c := rb.Rules[i].Confidence * weakenFactor
			if c < weakenFloor {
				c = weakenFloor
			}
			rb.Rules[i].Confidence = c
			return true
		}
	}
	return false
}

// GetRule returns the rule with the given id, or nil.
func (rb *Rulebook) GetRule(id string) *Rule {
	for i := range rb.Rules {
		if rb.Rules[i].ID == id {
			return &rb.Rules[i]
		}
	}
	return nil
}

// RulesByType returns all rules with the given threat type.
func (rb *Rulebook) RulesByType(threatType string) []Rule {
	var out []Rule
	for _, r := range rb.Rules {
		if r.ThreatType == threatType {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy so the learner can mutate without touching the
// snapshot readers hold.
func (rb Rulebook) Clone() Rulebook {
	cp := rb
	cp.Rules = make([]Rule, len(rb.Rules))
	copy(cp.Rules, rb.Rules)
	return cp
}
