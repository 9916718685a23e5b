package api

import (
	"fmt"
	"time"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
)

// IntentTracker records each transfer intent's progress in the ledger,
// keyed by external transaction id.
type IntentTracker struct {
	Store ledger.Store
	Clock func() time.Time
}

func NewIntentTracker(store ledger.Store) *IntentTracker {
	return &IntentTracker{Store: store, Clock: time.Now}
}

func (t *IntentTracker) Get(externalTransactionID string) (ledger.IntentRecord, bool) {
	return t.Store.GetIntent(externalTransactionID)
}

// Begin records a freshly built intent. An id that was already used, in any
// status, is rejected: retries must mint a new intent.
func (t *IntentTracker) Begin(intent types.TransferIntent) error {
	now := t.now()
	rec := ledger.IntentRecord{
		ExternalTransactionID: intent.ExternalTransactionID,
		Kind:                  string(intent.Kind),
		Status:                string(IntentBuilt),
		Sender:                intent.Sender.Hex(),
		Recipient:             intent.Recipient.Hex(),
		Amount:                intent.Amount.String(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if intent.Owner != nil {
		owner := intent.Owner.Hex()
		rec.Owner = &owner
	}
	return t.Store.WithTx(func(tx ledger.Tx) error {
		if existing, ok := tx.GetIntent(intent.ExternalTransactionID); ok {
			return failure.Validation(fmt.Sprintf("external transaction id %s already used (status %s)", existing.ExternalTransactionID, existing.Status))
		}
		return tx.PutIntent(rec)
	})
}

// Advance moves a non-terminal intent forward.
func (t *IntentTracker) Advance(externalTransactionID string, to IntentStatus) error {
	return t.Store.WithTx(func(tx ledger.Tx) error {
		rec, err := t.load(tx, externalTransactionID, to)
		if err != nil {
			return err
		}
		rec.Status = string(to)
		rec.UpdatedAt = t.now()
		return tx.PutIntent(rec)
	})
}

// Finish stores the receipt and the intent's terminal status together.
func (t *IntentTracker) Finish(externalTransactionID string, to IntentStatus, txHash string, receipt ledger.StoredReceipt, cause error) error {
	return t.Store.WithTx(func(tx ledger.Tx) error {
		rec, err := t.load(tx, externalTransactionID, to)
		if err != nil {
			return err
		}
		if err := tx.PutReceipt(receipt); err != nil {
			return err
		}
		rec.Status = string(to)
		rec.UpdatedAt = t.now()
		rec.ReceiptID = &receipt.ReceiptID
		if txHash != "" {
			rec.TxHash = &txHash
		}
		if cause != nil {
			code, msg := ErrorCode(cause), cause.Error()
			rec.ErrorCode = &code
			rec.ErrorMessage = &msg
		}
		return tx.PutIntent(rec)
	})
}

func (t *IntentTracker) load(tx ledger.Tx, externalTransactionID string, to IntentStatus) (ledger.IntentRecord, error) {
	rec, ok := tx.GetIntent(externalTransactionID)
	if !ok {
		return ledger.IntentRecord{}, fmt.Errorf("intent %s not found", externalTransactionID)
	}
	from := IntentStatus(rec.Status)
	if !CanTransition(from, to) {
		return ledger.IntentRecord{}, fmt.Errorf("intent %s: invalid transition %s -> %s", externalTransactionID, from, to)
	}
	return rec, nil
}

func (t *IntentTracker) now() string {
	clock := t.Clock
	if clock == nil {
		clock = time.Now
	}
	return clock().UTC().Format(time.RFC3339)
}
