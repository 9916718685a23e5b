package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/pkg/types"
)

var (
	ErrReceiptDigestMismatch = errors.New("receipt digest mismatch")
	ErrReceiptSignature      = errors.New("receipt signature invalid")
	ErrReceiptRecordMismatch = errors.New("receipt does not match its stored record")
)

type receiptBody struct {
	Schema    string               `json:"schema"`
	CreatedAt string               `json:"created_at"`
	Intent    types.ReceiptIntent  `json:"intent"`
	Outcome   types.ReceiptOutcome `json:"outcome"`
}

// VerifyReceipt checks that the receipt id is the digest of the signed body,
// that the signature verifies under publicKey, and that the indexed columns
// stored beside the body say what the body says.
func VerifyReceipt(receipt StoredReceipt, publicKey ed25519.PublicKey) error {
	digest := crypto.DigestWithPrefix(receipt.BodyJSON)
	if receipt.ReceiptID != digest || receipt.BodyDigest != digest {
		return ErrReceiptDigestMismatch
	}
	ok, err := crypto.VerifyEd25519(publicKey, crypto.DigestBytes(receipt.BodyJSON), receipt.Sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReceiptSignature
	}

	body, err := decodeReceiptBody(receipt.BodyJSON)
	if err != nil {
		return err
	}
	var txHash string
	if receipt.TxHash != nil {
		txHash = *receipt.TxHash
	}
	switch {
	case body.Schema != ReceiptSchema:
		return fmt.Errorf("%w: schema %q", ErrReceiptRecordMismatch, body.Schema)
	case body.Intent.ExternalTransactionID != receipt.ExternalTransactionID:
		return fmt.Errorf("%w: external_transaction_id", ErrReceiptRecordMismatch)
	case body.Outcome.Status != receipt.OutcomeStatus:
		return fmt.Errorf("%w: outcome status", ErrReceiptRecordMismatch)
	case body.Outcome.TxHash != txHash:
		return fmt.Errorf("%w: tx_hash", ErrReceiptRecordMismatch)
	case body.CreatedAt != receipt.CreatedAt:
		return fmt.Errorf("%w: created_at", ErrReceiptRecordMismatch)
	}
	return nil
}

// CheckReceiptIntent compares a verified receipt with the intent it closed.
// The intent must point back at the receipt and have finished the way the
// receipt's outcome says.
func CheckReceiptIntent(receipt StoredReceipt, rec IntentRecord) error {
	body, err := decodeReceiptBody(receipt.BodyJSON)
	if err != nil {
		return err
	}
	in := body.Intent
	var owner string
	if rec.Owner != nil {
		owner = *rec.Owner
	}
	wantStatus := "failed"
	if body.Outcome.Status == types.OutcomeConfirmed {
		wantStatus = "confirmed"
	}

	switch {
	case rec.ReceiptID == nil || *rec.ReceiptID != receipt.ReceiptID:
		return fmt.Errorf("%w: intent %s is not closed by this receipt", ErrReceiptRecordMismatch, rec.ExternalTransactionID)
	case in.ExternalTransactionID != rec.ExternalTransactionID:
		return fmt.Errorf("%w: external_transaction_id", ErrReceiptRecordMismatch)
	case in.Kind != rec.Kind:
		return fmt.Errorf("%w: kind", ErrReceiptRecordMismatch)
	case in.Sender != rec.Sender || in.Owner != owner || in.Recipient != rec.Recipient:
		return fmt.Errorf("%w: parties", ErrReceiptRecordMismatch)
	case in.Amount != rec.Amount:
		return fmt.Errorf("%w: amount", ErrReceiptRecordMismatch)
	case rec.Status != wantStatus:
		return fmt.Errorf("%w: intent status %s for outcome %s", ErrReceiptRecordMismatch, rec.Status, body.Outcome.Status)
	}
	return nil
}

func decodeReceiptBody(raw []byte) (receiptBody, error) {
	var body receiptBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return receiptBody{}, fmt.Errorf("decode receipt body: %w", err)
	}
	return body, nil
}
