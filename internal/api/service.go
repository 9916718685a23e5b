package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/davidahmann/truemoneyx/internal/attest"
	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/krnl"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/internal/relay"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Kernel obtains an authorization bundle for an attestation request.
type Kernel interface {
	Submit(ctx context.Context, req types.AttestationRequest, encodedParams []byte) (types.AuthorizationBundle, error)
}

// Chain is the relay surface the service drives. *relay.Relay satisfies it.
type Chain interface {
	Submit(ctx context.Context, intent types.TransferIntent, bundle types.AuthorizationBundle) (relay.Receipt, error)
	Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) (relay.Receipt, error)
	Stake(ctx context.Context, sender common.Address, value *big.Int) (relay.Receipt, error)

	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	StakerBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	ContractBalance(ctx context.Context) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransferAssessment(ctx context.Context, key common.Hash) (types.TransferAssessment, bool, error)
}

// TransferService runs the authorize-then-transfer flow: build, attest,
// submit. Each step runs once; any failure ends the intent.
type TransferService struct {
	Builder   *attest.Builder
	Kernel    Kernel
	Chain     Chain
	Store     ledger.Store
	Intents   *IntentTracker
	Signer    ledger.Signer
	PublicKey ed25519.PublicKey
	KernelID  *big.Int
	Clock     func() time.Time
	Logger    *slog.Logger
}

type NewTransferServiceInput struct {
	Builder   *attest.Builder
	Kernel    Kernel
	Chain     Chain
	Store     ledger.Store
	Signer    ledger.Signer
	PublicKey ed25519.PublicKey
	KernelID  *big.Int
	Logger    *slog.Logger
}

func NewTransferService(in NewTransferServiceInput) (*TransferService, error) {
	switch {
	case in.Builder == nil:
		return nil, errors.New("builder is required")
	case in.Kernel == nil:
		return nil, errors.New("kernel client is required")
	case in.Chain == nil:
		return nil, errors.New("chain relay is required")
	case in.Store == nil:
		return nil, errors.New("store is required")
	case in.Signer == nil:
		return nil, errors.New("receipt signer is required")
	case in.KernelID == nil || in.KernelID.Sign() <= 0:
		return nil, errors.New("kernel id must be positive")
	}
	logger := in.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TransferService{
		Builder:   in.Builder,
		Kernel:    in.Kernel,
		Chain:     in.Chain,
		Store:     in.Store,
		Intents:   NewIntentTracker(in.Store),
		Signer:    in.Signer,
		PublicKey: in.PublicKey,
		KernelID:  new(big.Int).Set(in.KernelID),
		Clock:     time.Now,
		Logger:    logger,
	}, nil
}

type TransferRequest struct {
	Kind                  types.TransferKind `json:"kind,omitempty"`
	Sender                string             `json:"sender"`
	Owner                 string             `json:"owner,omitempty"`
	Recipient             string             `json:"recipient"`
	Amount                string             `json:"amount"`
	ExternalTransactionID string             `json:"external_transaction_id,omitempty"`
}

type TransferResult struct {
	ExternalTransactionID string                 `json:"external_transaction_id"`
	Kind                  types.TransferKind     `json:"kind"`
	Status                IntentStatus           `json:"status"`
	Outcome               types.OutcomeStatus    `json:"outcome"`
	TxHash                string                 `json:"tx_hash,omitempty"`
	BlockNumber           uint64                 `json:"block_number,omitempty"`
	ReceiptID             string                 `json:"receipt_id,omitempty"`
	Decision              *types.ReceiptDecision `json:"decision,omitempty"`
}

// Transfer executes one intent end to end. The result is returned alongside
// the error for attempts that got far enough to be recorded.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	built, err := s.build(req)
	if err != nil {
		return TransferResult{}, err
	}
	intent := built.Intent
	log := s.Logger.With(
		slog.String("external_transaction_id", intent.ExternalTransactionID),
		slog.String("kind", string(intent.Kind)))

	if err := s.Intents.Begin(intent); err != nil {
		return TransferResult{}, err
	}

	att, err := attestationOf(built)
	if err != nil {
		return s.finish(log, intent, att, nil, relay.Receipt{}, err)
	}

	bundle, err := s.Kernel.Submit(ctx, built.Request, built.EncodedParams)
	if err != nil {
		log.Warn("kernel attestation failed", slog.String("error", err.Error()))
		return s.finish(log, intent, att, nil, relay.Receipt{}, err)
	}
	digest, err := crypto.CanonicalizeJSON(bundle)
	if err != nil {
		return s.finish(log, intent, att, nil, relay.Receipt{}, failure.Wrap(failure.KindKernelResponseMalformed, "canonicalize authorization bundle", err))
	}
	att.BundleDigest = crypto.DigestWithPrefix(digest)
	decision := s.decisionOf(bundle)
	if err := s.Intents.Advance(intent.ExternalTransactionID, IntentAttested); err != nil {
		return s.finish(log, intent, att, decision, relay.Receipt{}, fmt.Errorf("record attested intent: %w", err))
	}
	log.Debug("intent attested")

	if err := s.Intents.Advance(intent.ExternalTransactionID, IntentSubmitted); err != nil {
		return s.finish(log, intent, att, decision, relay.Receipt{}, fmt.Errorf("record submitted intent: %w", err))
	}
	rcpt, err := s.Chain.Submit(ctx, intent, bundle)
	return s.finish(log, intent, att, decision, rcpt, err)
}

func (s *TransferService) build(req TransferRequest) (attest.Built, error) {
	in := attest.Input{
		Sender:                req.Sender,
		Owner:                 req.Owner,
		Recipient:             req.Recipient,
		Amount:                req.Amount,
		ExternalTransactionID: req.ExternalTransactionID,
	}
	switch req.Kind {
	case "", types.TransferDirect:
		if req.Owner != "" {
			return attest.Built{}, failure.Validation("owner is only valid for transfer_from")
		}
		return s.Builder.Build(in)
	case types.TransferFrom:
		if req.Owner == "" {
			return attest.Built{}, failure.Validation("owner is required for transfer_from")
		}
		return s.Builder.BuildTransferFrom(in)
	case types.TransferUnstake:
		return s.Builder.BuildUnstake(in)
	default:
		return attest.Built{}, failure.Validation("unknown transfer kind " + string(req.Kind))
	}
}

func (s *TransferService) finish(log *slog.Logger, intent types.TransferIntent, att types.ReceiptAttestation, decision *types.ReceiptDecision, rcpt relay.Receipt, cause error) (TransferResult, error) {
	status := IntentConfirmed
	outcome := types.ReceiptOutcome{Status: OutcomeFor(cause), BlockNumber: rcpt.BlockNumber}
	if rcpt.TxHash != (common.Hash{}) {
		outcome.TxHash = rcpt.TxHash.Hex()
	}
	if cause != nil {
		status = IntentFailed
		outcome.Error = &types.ReceiptError{Code: ErrorCode(cause), Msg: cause.Error()}
	}

	receipt, err := ledger.MakeReceipt(ledger.MakeReceiptInput{
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
		Intent:      receiptIntent(intent),
		Attestation: att,
		Decision:    decision,
		Outcome:     outcome,
	}, s.Signer)
	if err != nil {
		return TransferResult{}, err
	}
	if err := s.Intents.Finish(intent.ExternalTransactionID, status, outcome.TxHash, receipt, cause); err != nil {
		return TransferResult{}, err
	}

	result := TransferResult{
		ExternalTransactionID: intent.ExternalTransactionID,
		Kind:                  intent.Kind,
		Status:                status,
		Outcome:               outcome.Status,
		TxHash:                outcome.TxHash,
		BlockNumber:           outcome.BlockNumber,
		ReceiptID:             receipt.ReceiptID,
		Decision:              decision,
	}
	if cause != nil {
		log.Info("transfer failed", slog.String("outcome", string(outcome.Status)), slog.String("receipt_id", receipt.ReceiptID))
		return result, cause
	}
	log.Info("transfer confirmed", slog.String("tx_hash", outcome.TxHash), slog.String("receipt_id", receipt.ReceiptID))
	return result, nil
}

// decisionOf extracts the compliance decision carried in the bundle, if any.
func (s *TransferService) decisionOf(bundle types.AuthorizationBundle) *types.ReceiptDecision {
	responses, err := krnl.DecodeKernelResponses(bundle.KernelResponses)
	if err != nil {
		return nil
	}
	d, err := krnl.FindDecision(responses, s.KernelID)
	if err != nil {
		return nil
	}
	return &types.ReceiptDecision{
		ID:        d.ID,
		Status:    string(d.Status),
		RiskLevel: string(d.RiskLevel),
		RiskScore: d.RiskScore,
		Reason:    d.Reason,
	}
}

func attestationOf(built attest.Built) (types.ReceiptAttestation, error) {
	att := types.ReceiptAttestation{ParamsDigest: crypto.DigestWithPrefix(built.EncodedParams)}
	digest, err := krnl.RequestDigest(built.Request)
	if err != nil {
		return att, failure.Wrap(failure.KindValidation, "request digest", err)
	}
	att.RequestDigest = digest.Hex()
	return att, nil
}

func receiptIntent(intent types.TransferIntent) types.ReceiptIntent {
	ri := types.ReceiptIntent{
		Kind:                  string(intent.Kind),
		Sender:                intent.Sender.Hex(),
		Recipient:             intent.Recipient.Hex(),
		Amount:                intent.Amount.String(),
		AmountUnits:           intent.AmountUnits.String(),
		ExternalTransactionID: intent.ExternalTransactionID,
	}
	if intent.Owner != nil {
		ri.Owner = intent.Owner.Hex()
	}
	return ri
}

type ChainResult struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	Status      string `json:"status"`
}

func chainResult(rcpt relay.Receipt) ChainResult {
	return ChainResult{TxHash: rcpt.TxHash.Hex(), BlockNumber: rcpt.BlockNumber, Status: string(rcpt.Status)}
}

// Approve sets spender's allowance over owner's tokens. Approvals are not gated.
func (s *TransferService) Approve(ctx context.Context, owner, spender, amount string) (ChainResult, error) {
	ownerAddr, err := attest.ParseAddress("owner", owner)
	if err != nil {
		return ChainResult{}, err
	}
	spenderAddr, err := attest.ParseAddress("spender", spender)
	if err != nil {
		return ChainResult{}, err
	}
	_, units, err := attest.ParseAmount(amount)
	if err != nil {
		return ChainResult{}, err
	}
	rcpt, err := s.Chain.Approve(ctx, ownerAddr, spenderAddr, units)
	if err != nil {
		return ChainResult{}, err
	}
	return chainResult(rcpt), nil
}

// Stake deposits native value into the contract for sender.
func (s *TransferService) Stake(ctx context.Context, sender, amount string) (ChainResult, error) {
	senderAddr, err := attest.ParseAddress("sender", sender)
	if err != nil {
		return ChainResult{}, err
	}
	_, units, err := attest.ParseAmount(amount)
	if err != nil {
		return ChainResult{}, err
	}
	rcpt, err := s.Chain.Stake(ctx, senderAddr, units)
	if err != nil {
		return ChainResult{}, err
	}
	return chainResult(rcpt), nil
}

type Balance struct {
	Address     string `json:"address"`
	Tokens      string `json:"tokens"`
	TokensUnits string `json:"tokens_units"`
	Staked      string `json:"staked"`
	StakedUnits string `json:"staked_units"`
}

func (s *TransferService) Balance(ctx context.Context, address string) (Balance, error) {
	addr, err := attest.ParseAddress("address", address)
	if err != nil {
		return Balance{}, err
	}
	tokens, err := s.Chain.BalanceOf(ctx, addr)
	if err != nil {
		return Balance{}, err
	}
	staked, err := s.Chain.StakerBalance(ctx, addr)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Address:     addr.Hex(),
		Tokens:      attest.FormatUnits(tokens),
		TokensUnits: tokens.String(),
		Staked:      attest.FormatUnits(staked),
		StakedUnits: staked.String(),
	}, nil
}

func (s *TransferService) Allowance(ctx context.Context, owner, spender string) (string, error) {
	ownerAddr, err := attest.ParseAddress("owner", owner)
	if err != nil {
		return "", err
	}
	spenderAddr, err := attest.ParseAddress("spender", spender)
	if err != nil {
		return "", err
	}
	units, err := s.Chain.Allowance(ctx, ownerAddr, spenderAddr)
	if err != nil {
		return "", err
	}
	return attest.FormatUnits(units), nil
}

func (s *TransferService) ContractBalance(ctx context.Context) (string, error) {
	units, err := s.Chain.ContractBalance(ctx)
	if err != nil {
		return "", err
	}
	return attest.FormatUnits(units), nil
}

func (s *TransferService) Assessment(ctx context.Context, key string) (types.TransferAssessment, bool, error) {
	b, err := parseHash(key)
	if err != nil {
		return types.TransferAssessment{}, false, err
	}
	return s.Chain.TransferAssessment(ctx, b)
}

// VerifyReceipt checks a stored receipt's digest and signature, then checks
// it against the intent record it closed.
func (s *TransferService) VerifyReceipt(receiptID string) (ledger.StoredReceipt, bool, error) {
	receipt, ok := s.Store.GetReceipt(receiptID)
	if !ok {
		return ledger.StoredReceipt{}, false, nil
	}
	if s.PublicKey == nil {
		return receipt, true, errors.New("public key not configured")
	}
	if err := ledger.VerifyReceipt(receipt, s.PublicKey); err != nil {
		return receipt, true, err
	}
	rec, ok := s.Store.GetIntent(receipt.ExternalTransactionID)
	if !ok {
		return receipt, true, fmt.Errorf("%w: no intent %s", ledger.ErrReceiptRecordMismatch, receipt.ExternalTransactionID)
	}
	return receipt, true, ledger.CheckReceiptIntent(receipt, rec)
}

func parseHash(raw string) (common.Hash, error) {
	if len(raw) != 66 || raw[:2] != "0x" {
		return common.Hash{}, failure.Validation("assessment key must be a 0x-prefixed 32-byte hex string")
	}
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		return common.Hash{}, failure.Validation("assessment key must be a 0x-prefixed 32-byte hex string")
	}
	return common.BytesToHash(b), nil
}

func (s *TransferService) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}
