package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

func TestTransferConfirmed(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res, err := s.service.Transfer(ctx, TransferRequest{Sender: aliceHex, Recipient: bobHex, Amount: "10"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != IntentConfirmed || res.Outcome != types.OutcomeConfirmed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TxHash == "" || res.BlockNumber == 0 || res.ReceiptID == "" {
		t.Fatalf("missing chain or receipt data: %+v", res)
	}
	if res.Decision == nil || res.Decision.Status != "approved" {
		t.Fatalf("expected approved decision, got %+v", res.Decision)
	}

	alice, err := s.service.Balance(ctx, aliceHex)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if alice.Tokens != "90" {
		t.Fatalf("expected alice 90, got %s", alice.Tokens)
	}
	bob, _ := s.service.Balance(ctx, bobHex)
	if bob.Tokens != "10" {
		t.Fatalf("expected bob 10, got %s", bob.Tokens)
	}

	rec, ok := s.service.Intents.Get(res.ExternalTransactionID)
	if !ok {
		t.Fatalf("intent not recorded")
	}
	if rec.Status != string(IntentConfirmed) || rec.TxHash == nil || *rec.TxHash != res.TxHash {
		t.Fatalf("unexpected intent record: %+v", rec)
	}
	if rec.ReceiptID == nil || *rec.ReceiptID != res.ReceiptID {
		t.Fatalf("intent receipt id not linked")
	}

	receipt, ok, err := s.service.VerifyReceipt(res.ReceiptID)
	if !ok || err != nil {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	var body map[string]any
	if err := json.Unmarshal(receipt.BodyJSON, &body); err != nil {
		t.Fatalf("receipt body: %v", err)
	}
	if body["schema"] != "truemoneyx.transfer_receipt.v1" {
		t.Fatalf("unexpected schema: %v", body["schema"])
	}
	outcome := body["outcome"].(map[string]any)
	if outcome["status"] != "confirmed" {
		t.Fatalf("unexpected outcome: %v", outcome)
	}
}

func TestTransferRiskDenied(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res, err := s.service.Transfer(ctx, TransferRequest{Sender: aliceHex, Recipient: carolHex, Amount: "5", ExternalTransactionID: "tx-denied"})
	if !failure.Is(err, failure.KindRiskDenied) {
		t.Fatalf("expected risk denied, got %v", err)
	}
	if res.Outcome != types.OutcomeRiskDenied || res.Status != IntentFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if failure.ReasonOf(err) != "high risk counterparty" {
		t.Fatalf("expected decision reason, got %q", failure.ReasonOf(err))
	}

	alice, _ := s.service.Balance(ctx, aliceHex)
	if alice.Tokens != "100" {
		t.Fatalf("balance moved on denial: %s", alice.Tokens)
	}

	rec, ok := s.service.Intents.Get("tx-denied")
	if !ok || rec.Status != string(IntentFailed) {
		t.Fatalf("unexpected intent: %+v", rec)
	}
	if rec.ErrorCode == nil || *rec.ErrorCode != "risk_denied" {
		t.Fatalf("expected risk_denied code, got %v", rec.ErrorCode)
	}
	if _, ok, err := s.service.VerifyReceipt(res.ReceiptID); !ok || err != nil {
		t.Fatalf("denial receipt should verify: ok=%v err=%v", ok, err)
	}
}

func TestTransferRejectsReusedExternalID(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	req := TransferRequest{Sender: aliceHex, Recipient: bobHex, Amount: "1", ExternalTransactionID: "tx-once"}
	if _, err := s.service.Transfer(ctx, req); err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	_, err := s.service.Transfer(ctx, req)
	if !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}

	alice, _ := s.service.Balance(ctx, aliceHex)
	if alice.Tokens != "99" {
		t.Fatalf("reused id moved funds: %s", alice.Tokens)
	}

	changed := req
	changed.Amount = "2"
	_, err = s.service.Transfer(ctx, changed)
	if !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation failure for changed amount, got %v", err)
	}
	alice, _ = s.service.Balance(ctx, aliceHex)
	bob, _ := s.service.Balance(ctx, bobHex)
	if alice.Tokens != "99" || bob.Tokens != "1" {
		t.Fatalf("reused id with new amount moved funds: alice=%s bob=%s", alice.Tokens, bob.Tokens)
	}
	rec, _ := s.service.Intents.Get("tx-once")
	if rec.Amount != "1" || rec.Status != string(IntentConfirmed) {
		t.Fatalf("stored intent was overwritten: %+v", rec)
	}
}

// stuckIntentStore refuses to record one intent status.
type stuckIntentStore struct {
	ledger.Store
	status IntentStatus
}

func (s stuckIntentStore) WithTx(fn func(ledger.Tx) error) error {
	return s.Store.WithTx(func(tx ledger.Tx) error {
		return fn(stuckIntentTx{Tx: tx, status: s.status})
	})
}

type stuckIntentTx struct {
	ledger.Tx
	status IntentStatus
}

func (t stuckIntentTx) PutIntent(rec ledger.IntentRecord) error {
	if rec.Status == string(t.status) {
		return errors.New("intent store unavailable")
	}
	return t.Tx.PutIntent(rec)
}

func TestTransferFailsIntentWhenStatusCannotBeRecorded(t *testing.T) {
	for _, status := range []IntentStatus{IntentAttested, IntentSubmitted} {
		t.Run(string(status), func(t *testing.T) {
			s := newStack(t)
			ctx := context.Background()
			s.service.Intents.Store = stuckIntentStore{Store: s.store, status: status}

			res, err := s.service.Transfer(ctx, TransferRequest{Sender: aliceHex, Recipient: bobHex, Amount: "1", ExternalTransactionID: "tx-stuck"})
			if err == nil {
				t.Fatalf("expected failure")
			}
			if res.Status != IntentFailed || res.ReceiptID == "" {
				t.Fatalf("expected failed intent with receipt, got %+v", res)
			}

			rec, ok := s.store.GetIntent("tx-stuck")
			if !ok || rec.Status != string(IntentFailed) {
				t.Fatalf("intent left in flight: %+v", rec)
			}
			if rec.ErrorCode == nil || *rec.ErrorCode != "internal_error" {
				t.Fatalf("unexpected error code: %v", rec.ErrorCode)
			}
			if _, ok, err := s.service.VerifyReceipt(res.ReceiptID); !ok || err != nil {
				t.Fatalf("receipt should verify: ok=%v err=%v", ok, err)
			}
			if latest, _ := s.store.LatestChainTx(); latest.BlockNumber != 1 {
				t.Fatalf("no chain call expected, latest block %d", latest.BlockNumber)
			}
		})
	}
}

func TestTransferKernelUnavailable(t *testing.T) {
	s := newStack(t)
	s.kernel.Close()

	res, err := s.service.Transfer(context.Background(), TransferRequest{Sender: aliceHex, Recipient: bobHex, Amount: "1", ExternalTransactionID: "tx-down"})
	if !failure.Is(err, failure.KindKernelUnavailable) {
		t.Fatalf("expected kernel unavailable, got %v", err)
	}
	if res.Outcome != types.OutcomeKernelFailed || res.TxHash != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := s.store.LatestChainTx(); !ok {
		t.Fatalf("genesis tx missing")
	}
	if latest, _ := s.store.LatestChainTx(); latest.BlockNumber != 1 {
		t.Fatalf("no chain call expected after kernel failure, latest block %d", latest.BlockNumber)
	}
}

func TestTransferValidation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	cases := []TransferRequest{
		{Sender: "0x123", Recipient: bobHex, Amount: "1"},
		{Sender: aliceHex, Recipient: bobHex, Amount: "0"},
		{Sender: aliceHex, Recipient: bobHex, Amount: "1", Owner: bobHex},
		{Kind: types.TransferFrom, Sender: aliceHex, Recipient: bobHex, Amount: "1"},
		{Kind: "mint", Sender: aliceHex, Recipient: bobHex, Amount: "1"},
	}
	for _, req := range cases {
		if _, err := s.service.Transfer(ctx, req); !failure.Is(err, failure.KindValidation) {
			t.Fatalf("%+v: expected validation failure, got %v", req, err)
		}
	}
}

func TestTransferFromWithAllowance(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, err := s.service.Approve(ctx, aliceHex, bobHex, "20"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	allowance, err := s.service.Allowance(ctx, aliceHex, bobHex)
	if err != nil || allowance != "20" {
		t.Fatalf("allowance: %s %v", allowance, err)
	}

	res, err := s.service.Transfer(ctx, TransferRequest{Kind: types.TransferFrom, Sender: bobHex, Owner: aliceHex, Recipient: bobHex, Amount: "15"})
	if err != nil {
		t.Fatalf("transfer_from: %v", err)
	}
	if res.Kind != types.TransferFrom {
		t.Fatalf("unexpected kind %s", res.Kind)
	}
	allowance, _ = s.service.Allowance(ctx, aliceHex, bobHex)
	if allowance != "5" {
		t.Fatalf("expected allowance 5, got %s", allowance)
	}
	bob, _ := s.service.Balance(ctx, bobHex)
	if bob.Tokens != "15" {
		t.Fatalf("expected bob 15, got %s", bob.Tokens)
	}
}

func TestStakeAndUnstake(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, err := s.service.Stake(ctx, aliceHex, "2"); err != nil {
		t.Fatalf("stake: %v", err)
	}
	contract, err := s.service.ContractBalance(ctx)
	if err != nil || contract != "2" {
		t.Fatalf("contract balance: %s %v", contract, err)
	}

	res, err := s.service.Transfer(ctx, TransferRequest{Kind: types.TransferUnstake, Sender: aliceHex, Recipient: aliceHex, Amount: "1.5"})
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if res.Decision == nil || res.Decision.Status != "approved" {
		t.Fatalf("unexpected decision: %+v", res.Decision)
	}
	alice, _ := s.service.Balance(ctx, aliceHex)
	if alice.Staked != "0.5" {
		t.Fatalf("expected 0.5 staked, got %s", alice.Staked)
	}
}

func TestAssessmentLookup(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, _, err := s.service.Assessment(ctx, "0x1234"); !failure.Is(err, failure.KindValidation) {
		t.Fatalf("expected validation failure for short key, got %v", err)
	}
	_, ok, err := s.service.Assessment(ctx, common.Hash{1}.Hex())
	if err != nil || ok {
		t.Fatalf("expected missing assessment, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyReceiptDetectsEditedIntent(t *testing.T) {
	s := newStack(t)
	res, err := s.service.Transfer(context.Background(), TransferRequest{Sender: aliceHex, Recipient: bobHex, Amount: "3", ExternalTransactionID: "tx-edit"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if err := s.store.WithTx(func(tx ledger.Tx) error {
		rec, _ := tx.GetIntent("tx-edit")
		rec.Amount = "30"
		return tx.PutIntent(rec)
	}); err != nil {
		t.Fatalf("edit intent: %v", err)
	}

	_, ok, err := s.service.VerifyReceipt(res.ReceiptID)
	if !ok || !errors.Is(err, ledger.ErrReceiptRecordMismatch) {
		t.Fatalf("expected record mismatch, got ok=%v err=%v", ok, err)
	}
}
