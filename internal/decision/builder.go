package decision

import (
	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/internal/policy"
	"github.com/davidahmann/truemoneyx/pkg/types"
)

const DecisionSchema = "truemoneyx.risk_decision.v1"

// BuildRiskDecision turns a policy verdict for one attestation body into the
// decision the compliance kernel returns, and computes its id.
func BuildRiskDecision(body types.AttestationBody, verdict policy.Decision, policyHash string, now uint64) (types.RiskDecision, error) {
	record := types.RiskDecision{
		ExternalTransactionID: body.ExternalTransactionID,
		CustomerID:            body.CustomerID,
		Status:                types.RiskStatus(verdict.Status),
		RiskLevel:             types.RiskLevel(verdict.RiskLevel),
		RiskScore:             verdict.RiskScore,
		Reason:                verdict.Reason,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	signingView := map[string]any{
		"schema":                  DecisionSchema,
		"external_transaction_id": record.ExternalTransactionID,
		"customer_id":             record.CustomerID,
		"beneficiary":             body.Beneficiary.WalletAddress,
		"amount":                  body.Amount,
		"policy": map[string]any{
			"policy_id":      verdict.PolicyID,
			"policy_version": verdict.PolicyVersion,
			"policy_hash":    policyHash,
		},
		"status":       string(record.Status),
		"risk_level":   string(record.RiskLevel),
		"risk_score":   record.RiskScore,
		"reason_codes": verdict.ReasonCodes,
		"created_at":   record.CreatedAt,
	}

	canonical, err := crypto.Canonicalize(signingView)
	if err != nil {
		return types.RiskDecision{}, err
	}

	record.ID = crypto.DigestWithPrefix(canonical)
	return record, nil
}
