package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidahmann/truemoneyx/internal/policy"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/shopspring/decimal"
)

// LevelSource reports the risk level of a wallet.
type LevelSource interface {
	Level(ctx context.Context, address string) (string, error)
}

// PolicyScorer scores a transfer by the beneficiary's risk level and the
// amount, through a YAML policy.
type PolicyScorer struct {
	Levels     LevelSource
	Policy     policy.Policy
	PolicyHash string
}

func (s *PolicyScorer) Score(ctx context.Context, body types.AttestationBody) (policy.Decision, error) {
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("amount %q: %w", body.Amount, err)
	}
	level, err := s.Levels.Level(ctx, body.Beneficiary.WalletAddress)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("risk lookup: %w", err)
	}
	return policy.Evaluate(s.Policy, s.PolicyHash, policy.Input{RiskLevel: level, Amount: amount}), nil
}

// StaticLevels answers every lookup from a fixed table keyed by lowercase
// address. Unknown wallets get Default.
type StaticLevels struct {
	ByAddress map[string]string
	Default   string
}

func (s StaticLevels) Level(_ context.Context, address string) (string, error) {
	if level, ok := s.ByAddress[strings.ToLower(address)]; ok {
		return level, nil
	}
	return s.Default, nil
}
