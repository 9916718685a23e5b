package ledger

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/pkg/types"
)

func testReceiptInput(status types.OutcomeStatus) MakeReceiptInput {
	return MakeReceiptInput{
		Schema:    ReceiptSchema,
		CreatedAt: "2026-10-19T09:00:00Z",
		Intent: types.ReceiptIntent{
			Kind:                  "transfer",
			Sender:                "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			Recipient:             "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
			Amount:                "10",
			AmountUnits:           "10000000000000000000",
			ExternalTransactionID: "tx-1760864400000-abcd1234",
		},
		Attestation: types.ReceiptAttestation{
			RequestDigest: "sha256:req",
			ParamsDigest:  "sha256:params",
		},
		Decision: &types.ReceiptDecision{ID: "sha256:dec", Status: "approved", RiskLevel: "Low", RiskScore: 15},
		Outcome: types.ReceiptOutcome{
			Status:      status,
			TxHash:      "0xabc",
			BlockNumber: 7,
		},
	}
}

func TestMakeReceiptAndVerify(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, 32)
	priv, pub, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	signer := crypto.Ed25519Signer{ID: "test-key", Priv: priv}

	receipt, err := MakeReceipt(testReceiptInput(types.OutcomeConfirmed), signer)
	if err != nil {
		t.Fatalf("make receipt: %v", err)
	}

	if receipt.ReceiptID == "" || receipt.BodyDigest == "" {
		t.Fatalf("missing digest")
	}
	if receipt.ReceiptID != receipt.BodyDigest {
		t.Fatalf("receipt id should equal body digest")
	}
	if receipt.TxHash == nil || *receipt.TxHash != "0xabc" {
		t.Fatalf("expected tx hash to be carried")
	}
	if !strings.Contains(string(receipt.BodyJSON), `"external_transaction_id":"tx-1760864400000-abcd1234"`) {
		t.Fatalf("body missing intent: %s", receipt.BodyJSON)
	}

	if err := VerifyReceipt(receipt, pub); err != nil {
		t.Fatalf("verify receipt: %v", err)
	}

	tampered := receipt
	tampered.BodyJSON = bytes.Replace(receipt.BodyJSON, []byte(`"amount":"10"`), []byte(`"amount":"99"`), 1)
	if err := VerifyReceipt(tampered, pub); err != ErrReceiptDigestMismatch {
		t.Fatalf("expected digest mismatch, got %v", err)
	}

	_, otherPub, _ := crypto.KeyPairFromSeed(bytes.Repeat([]byte{0x02}, 32))
	if err := VerifyReceipt(receipt, otherPub); err != ErrReceiptSignature {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestMakeReceiptRejectsOutcome(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x01}, 32))
	signer := crypto.Ed25519Signer{ID: "test-key", Priv: priv}

	if _, err := MakeReceipt(testReceiptInput(types.OutcomeStatus("invalid")), signer); err == nil {
		t.Fatalf("expected error for invalid outcome")
	}

	in := testReceiptInput(types.OutcomeRiskDenied)
	in.Intent.ExternalTransactionID = ""
	if _, err := MakeReceipt(in, signer); err == nil {
		t.Fatalf("expected error for missing fields")
	}

	in = testReceiptInput(types.OutcomeRiskDenied)
	in.Schema = "other.v1"
	if _, err := MakeReceipt(in, signer); err == nil {
		t.Fatalf("expected error for schema")
	}
}

func TestVerifyReceiptChecksStoredColumns(t *testing.T) {
	priv, pub, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{0x03}, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	receipt, err := MakeReceipt(testReceiptInput(types.OutcomeConfirmed), crypto.Ed25519Signer{ID: "k", Priv: priv})
	if err != nil {
		t.Fatalf("make receipt: %v", err)
	}

	otherHash := "0xdef"
	cases := map[string]func(*StoredReceipt){
		"external id": func(r *StoredReceipt) { r.ExternalTransactionID = "tx-other" },
		"outcome":     func(r *StoredReceipt) { r.OutcomeStatus = types.OutcomeRiskDenied },
		"tx hash":     func(r *StoredReceipt) { r.TxHash = &otherHash },
		"no tx hash":  func(r *StoredReceipt) { r.TxHash = nil },
		"created at":  func(r *StoredReceipt) { r.CreatedAt = "2026-10-20T00:00:00Z" },
	}
	for name, mutate := range cases {
		r := receipt
		mutate(&r)
		if err := VerifyReceipt(r, pub); !errors.Is(err, ErrReceiptRecordMismatch) {
			t.Fatalf("%s: expected record mismatch, got %v", name, err)
		}
	}
}

func TestCheckReceiptIntent(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x04}, 32))
	in := testReceiptInput(types.OutcomeConfirmed)
	receipt, err := MakeReceipt(in, crypto.Ed25519Signer{ID: "k", Priv: priv})
	if err != nil {
		t.Fatalf("make receipt: %v", err)
	}

	intent := func() IntentRecord {
		id := receipt.ReceiptID
		return IntentRecord{
			ExternalTransactionID: in.Intent.ExternalTransactionID,
			Kind:                  in.Intent.Kind,
			Status:                "confirmed",
			Sender:                in.Intent.Sender,
			Recipient:             in.Intent.Recipient,
			Amount:                in.Intent.Amount,
			ReceiptID:             &id,
		}
	}
	if err := CheckReceiptIntent(receipt, intent()); err != nil {
		t.Fatalf("matching intent: %v", err)
	}

	other := "sha256:other"
	owner := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	cases := map[string]func(*IntentRecord){
		"receipt link":    func(r *IntentRecord) { r.ReceiptID = &other },
		"unlinked":        func(r *IntentRecord) { r.ReceiptID = nil },
		"amount":          func(r *IntentRecord) { r.Amount = "11" },
		"recipient":       func(r *IntentRecord) { r.Recipient = owner },
		"owner":           func(r *IntentRecord) { r.Owner = &owner },
		"kind":            func(r *IntentRecord) { r.Kind = "unstake" },
		"failed status":   func(r *IntentRecord) { r.Status = "failed" },
		"still in flight": func(r *IntentRecord) { r.Status = "submitted" },
	}
	for name, mutate := range cases {
		rec := intent()
		mutate(&rec)
		if err := CheckReceiptIntent(receipt, rec); !errors.Is(err, ErrReceiptRecordMismatch) {
			t.Fatalf("%s: expected record mismatch, got %v", name, err)
		}
	}
}
