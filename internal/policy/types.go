package policy

import "github.com/shopspring/decimal"

// Policy maps a counterparty risk level and transfer amount to a risk decision.
type Policy struct {
	PolicyID      string            `yaml:"policy_id"`
	PolicyVersion string            `yaml:"policy_version"`
	Defaults      PolicyDefaults    `yaml:"defaults"`
	Levels        map[string]uint64 `yaml:"levels"`
	Rules         []PolicyRule      `yaml:"rules"`
}

type PolicyDefaults struct {
	Status    string `yaml:"status"`
	RiskLevel string `yaml:"risk_level"`
	RiskScore uint64 `yaml:"risk_score"`
}

type PolicyRule struct {
	ID     string       `yaml:"id"`
	Match  PolicyMatch  `yaml:"match"`
	Effect PolicyEffect `yaml:"effect"`
}

type PolicyMatch struct {
	RiskLevel string           `yaml:"risk_level"`
	MinAmount *decimal.Decimal `yaml:"min_amount"`
}

type PolicyEffect struct {
	Status    string  `yaml:"status"`
	RiskLevel string  `yaml:"risk_level"`
	RiskScore *uint64 `yaml:"risk_score"`
	Reason    string  `yaml:"reason"`
}
