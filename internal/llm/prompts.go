package llm

import (
	"fmt"
	"strings"

	"github.com/vigil-waf/vigil/internal/model"
	"github.com/vigil-waf/vigil/internal/rulebook"
)

// maxBodyChars caps the request body fragment embedded in the judge prompt.
const maxBodyChars = 500

// maxLearnerLogs caps how many flagged entries go into one learner prompt.
const maxLearnerLogs = 50

// judgePrompt renders the low-latency evaluation prompt. Kept short on
// purpose: the judge runs with temperature 0 and a small token budget.
func judgePrompt(p model.RequestPayload, rb rulebook.Rulebook) string {
	rulesSummary := "No existing rules yet."
	if len(rb.Rules) > 0 {
		lines := make([]string, 0, len(rb.Rules))
		for _, r := range rb.Rules {
			lines = append(lines, fmt.Sprintf("- %s (%s): %s [action: %s]",
				r.ThreatType, r.ID, r.Pattern, r.Action))
		}
		rulesSummary = strings.Join(lines, "\n")
	}

	bodyInfo := "Body: none"
	if p.Body != "" {
		bodyInfo = "Body: " + truncate(p.Body, maxBodyChars)
	}

	queryInfo := "Query params: none"
	if len(p.QueryParams) > 0 {
		queryInfo = fmt.Sprintf("Query params: %v", p.QueryParams)
	}

	return fmt.Sprintf(`WAF security expert: evaluate this request for threats.

REQUEST:
%s %s | %s | %s | Headers: %v

RULES: %s

Analyze: injection attacks (SQL/code/command), XSS, path manipulation, auth bypass, API abuse.

DECIDE:
- block (confidence > 0.8): definitive attack
- flag (0.5-0.8): suspicious
- allow (> 0.8): legitimate

Output: decision, confidence, reason, threat_level`,
		p.Method, p.Path, bodyInfo, queryInfo, p.Headers, rulesSummary)
}

// learnerPrompt renders the batch rule-learning prompt from flagged events
// and the current rules.
func learnerPrompt(logs []model.LogEntry, rb rulebook.Rulebook) string {
	shown := logs
	if len(shown) > maxLearnerLogs {
		shown = shown[:maxLearnerLogs]
	}
	logLines := make([]string, 0, len(shown))
	for _, e := range shown {
		reason := "none"
		if e.Reason != nil {
			reason = *e.Reason
		}
		hash := e.PayloadHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		logLines = append(logLines, fmt.Sprintf("- %s %s | Hash: %s | Reason: %s",
			e.Method, e.Path, hash, reason))
	}

	rulesSummary := "No existing rules."
	if len(rb.Rules) > 0 {
		lines := make([]string, 0, len(rb.Rules))
		for _, r := range rb.Rules {
			lines = append(lines, fmt.Sprintf("- ID: %s | Type: %s | Pattern: %s | Action: %s | Confidence: %v",
				r.ID, r.ThreatType, r.Pattern, r.Action, r.Confidence))
		}
		rulesSummary = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(`WAF rule learning system. Analyze flagged requests and suggest rule improvements.

FLAGGED REQUESTS (%d total):
%s

CURRENT RULES (%d total):
%s

Tasks:
1. Find patterns in flagged requests (3+ similar = new rule)
2. Suggest new rules for recurring threats
3. Weaken rules with consistent low confidence
4. Remove unused rules

Guidelines:
- Prefer "flag" over "block" initially
- High confidence (>0.8) for OWASP Top 10 patterns
- Low confidence (0.5-0.7) for emerging patterns`,
		len(logs), strings.Join(logLines, "\n"), len(rb.Rules), rulesSummary)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
