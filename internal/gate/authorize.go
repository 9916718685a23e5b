package gate

import (
	"errors"
	"math/big"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/krnl"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// authorize verifies that bundle was signed by the attester for exactly
// params and returns the approved decision it carries.
func (c *Contract) authorize(tx ledger.Tx, call Call, params []byte, bundle types.AuthorizationBundle) (types.RiskDecision, error) {
	if !bundle.Complete() {
		return types.RiskDecision{}, failure.WithReason(failure.KindAuthorizationMismatch, RevertInvalidAuth, "incomplete authorization bundle")
	}
	signer, auth, err := krnl.RecoverAuthSigner(c.Address, call.Sender, params, bundle)
	if err != nil {
		return types.RiskDecision{}, &failure.Error{Kind: failure.KindAuthorizationMismatch, Message: RevertInvalidAuth, Cause: err}
	}
	if signer != c.Attester {
		return types.RiskDecision{}, failure.New(failure.KindAuthorizationMismatch, RevertInvalidAuth)
	}

	if c.ReplayProtection {
		if err := tx.ConsumeAuth(auth.Nonce, call.TxHash, call.Timestamp); err != nil {
			if errors.Is(err, ledger.ErrAuthConsumed) {
				return types.RiskDecision{}, failure.New(failure.KindAuthorizationMismatch, RevertAuthUsed)
			}
			return types.RiskDecision{}, err
		}
	}

	responses, err := krnl.DecodeKernelResponses(bundle.KernelResponses)
	if err != nil {
		return types.RiskDecision{}, &failure.Error{Kind: failure.KindRiskDenied, Message: RevertRiskDenied, Cause: err}
	}
	decision, err := krnl.FindDecision(responses, c.kernelID())
	if err != nil {
		return types.RiskDecision{}, &failure.Error{Kind: failure.KindRiskDenied, Message: RevertRiskDenied, Cause: err}
	}
	if !c.CheckTransferAllowed(decision) {
		return decision, failure.WithReason(failure.KindRiskDenied, RevertRiskDenied, decision.Reason)
	}
	return decision, nil
}

func (c *Contract) kernelID() *big.Int {
	if c.KernelID == nil {
		return new(big.Int)
	}
	return c.KernelID
}

// AssessmentKey is keccak256(from ‖ to ‖ uint256(amount) ‖ uint256(timestamp)),
// the lookup key of a stored transfer assessment.
func AssessmentKey(from, to common.Address, amount *big.Int, timestamp uint64) common.Hash {
	return ethcrypto.Keccak256Hash(
		from.Bytes(),
		to.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(timestamp).Bytes(), 32),
	)
}

// RevertString renders err the way the contract's revert message reads.
func RevertString(err error) string {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return err.Error()
	}
	switch {
	case fe.Kind == failure.KindChainSubmission && fe.Reason != "":
		return fe.Reason
	case fe.Kind == failure.KindRiskDenied && fe.Reason != "":
		return fe.Message + ": " + fe.Reason
	default:
		return fe.Message
	}
}
