package policy

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Input struct {
	RiskLevel string
	Amount    decimal.Decimal
}

type Decision struct {
	Status        string
	RiskLevel     string
	RiskScore     uint64
	Reason        string
	MatchedRuleID string
	ReasonCodes   []string
	PolicyID      string
	PolicyVersion string
	PolicyHash    string
}

// Evaluate applies the first matching rule to input, otherwise defaults.
func Evaluate(p Policy, policyHash string, input Input) Decision {
	level := input.RiskLevel
	if level == "" {
		level = p.Defaults.RiskLevel
	}

	decision := Decision{
		Status:        p.Defaults.Status,
		RiskLevel:     level,
		RiskScore:     p.Defaults.RiskScore,
		PolicyID:      p.PolicyID,
		PolicyVersion: p.PolicyVersion,
		PolicyHash:    policyHash,
	}
	if score, ok := levelScore(p.Levels, level); ok {
		decision.RiskScore = score
	}

	for _, rule := range p.Rules {
		if !matchRule(rule.Match, level, input.Amount) {
			continue
		}

		decision.MatchedRuleID = rule.ID
		decision.ReasonCodes = append(decision.ReasonCodes, "POLICY_MATCH:"+rule.ID)

		if rule.Effect.Status != "" {
			decision.Status = rule.Effect.Status
		}
		if rule.Effect.RiskLevel != "" {
			decision.RiskLevel = rule.Effect.RiskLevel
		}
		if rule.Effect.RiskScore != nil {
			decision.RiskScore = *rule.Effect.RiskScore
		}
		if rule.Effect.Reason != "" {
			decision.Reason = rule.Effect.Reason
		}
		return decision
	}

	return decision
}

func matchRule(match PolicyMatch, level string, amount decimal.Decimal) bool {
	if match.RiskLevel != "" && !strings.EqualFold(match.RiskLevel, level) {
		return false
	}
	if match.MinAmount != nil && amount.LessThan(*match.MinAmount) {
		return false
	}
	return true
}

func levelScore(levels map[string]uint64, level string) (uint64, bool) {
	for name, score := range levels {
		if strings.EqualFold(name, level) {
			return score, true
		}
	}
	return 0, false
}
