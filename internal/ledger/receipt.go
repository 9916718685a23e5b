package ledger

import (
	"fmt"

	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/pkg/types"
)

const ReceiptSchema = "truemoneyx.transfer_receipt.v1"

type Signer interface {
	KeyID() string
	SignEd25519(message []byte) ([]byte, error)
}

type MakeReceiptInput struct {
	Schema    string
	CreatedAt string

	Intent      types.ReceiptIntent
	Attestation types.ReceiptAttestation
	Decision    *types.ReceiptDecision
	Outcome     types.ReceiptOutcome
}

type StoredReceipt struct {
	ReceiptID  string
	BodyDigest string
	BodyJSON   []byte
	KeyID      string
	Sig        []byte

	ExternalTransactionID string
	CreatedAt             string
	OutcomeStatus         types.OutcomeStatus
	TxHash                *string
}

// MakeReceipt canonicalizes + hashes + signs a transfer receipt body.
func MakeReceipt(in MakeReceiptInput, signer Signer) (StoredReceipt, error) {
	if in.Schema == "" {
		in.Schema = ReceiptSchema
	}
	if in.Schema != ReceiptSchema {
		return StoredReceipt{}, fmt.Errorf("invalid schema: %s", in.Schema)
	}
	if in.Intent.ExternalTransactionID == "" || in.Intent.Sender == "" || in.Attestation.RequestDigest == "" {
		return StoredReceipt{}, fmt.Errorf("missing required receipt fields")
	}
	if !validOutcome(in.Outcome.Status) {
		return StoredReceipt{}, fmt.Errorf("invalid outcome status: %s", in.Outcome.Status)
	}

	body := map[string]any{
		"schema":      in.Schema,
		"created_at":  in.CreatedAt,
		"intent":      in.Intent,
		"attestation": in.Attestation,
		"decision":    in.Decision,
		"outcome":     in.Outcome,
	}

	canonical, err := crypto.CanonicalizeJSON(body)
	if err != nil {
		return StoredReceipt{}, err
	}

	digestBytes := crypto.DigestBytes(canonical)
	bodyDigest := crypto.DigestWithPrefix(canonical)

	sig, err := signer.SignEd25519(digestBytes)
	if err != nil {
		return StoredReceipt{}, err
	}

	var txHash *string
	if in.Outcome.TxHash != "" {
		txHash = &in.Outcome.TxHash
	}

	return StoredReceipt{
		ReceiptID:             bodyDigest,
		BodyDigest:            bodyDigest,
		BodyJSON:              canonical,
		KeyID:                 signer.KeyID(),
		Sig:                   sig,
		ExternalTransactionID: in.Intent.ExternalTransactionID,
		CreatedAt:             in.CreatedAt,
		OutcomeStatus:         in.Outcome.Status,
		TxHash:                txHash,
	}, nil
}

func validOutcome(status types.OutcomeStatus) bool {
	switch status {
	case types.OutcomeConfirmed,
		types.OutcomeRiskDenied,
		types.OutcomeAuthorizationMismatch,
		types.OutcomeKernelFailed,
		types.OutcomeSubmissionFailed:
		return true
	default:
		return false
	}
}
