// Package relay reads token state and submits authorized calls to the chain,
// returning once the call is confirmed.
package relay

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/gate"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Receipt identifies a confirmed (or reverted) call.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      ledger.ChainTxStatus
}

// Backend is a chain that hosts the gate contract.
type Backend interface {
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	StakerBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	ContractBalance(ctx context.Context) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransferAssessment(ctx context.Context, key common.Hash) (types.TransferAssessment, bool, error)

	SendTransfer(ctx context.Context, sender, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) (Receipt, error)
	SendTransferFrom(ctx context.Context, sender, from, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) (Receipt, error)
	SendApprove(ctx context.Context, owner, spender common.Address, amount *big.Int) (Receipt, error)
	SendStake(ctx context.Context, sender common.Address, value *big.Int) (Receipt, error)
	SendUnstake(ctx context.Context, sender common.Address, bundle types.AuthorizationBundle, externalTransactionID string, amount *big.Int, beneficiary common.Address) (Receipt, error)
}

type Relay struct {
	Backend Backend
	Logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{Backend: backend, Logger: logger}
}

func (r *Relay) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := r.Backend.BalanceOf(ctx, addr)
	return bal, wrap(err)
}

func (r *Relay) StakerBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := r.Backend.StakerBalance(ctx, addr)
	return bal, wrap(err)
}

func (r *Relay) ContractBalance(ctx context.Context) (*big.Int, error) {
	bal, err := r.Backend.ContractBalance(ctx)
	return bal, wrap(err)
}

func (r *Relay) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	v, err := r.Backend.Allowance(ctx, owner, spender)
	return v, wrap(err)
}

func (r *Relay) TransferAssessment(ctx context.Context, key common.Hash) (types.TransferAssessment, bool, error) {
	a, ok, err := r.Backend.TransferAssessment(ctx, key)
	return a, ok, wrap(err)
}

// Submit sends the gated call matching intent.Kind with bundle attached and
// waits for confirmation. The receipt is returned for reverted calls too.
func (r *Relay) Submit(ctx context.Context, intent types.TransferIntent, bundle types.AuthorizationBundle) (Receipt, error) {
	var (
		rcpt Receipt
		err  error
	)
	switch intent.Kind {
	case types.TransferDirect:
		rcpt, err = r.Backend.SendTransfer(ctx, intent.Sender, intent.Recipient, intent.AmountUnits, bundle)
	case types.TransferFrom:
		if intent.Owner == nil {
			return Receipt{}, failure.Validation("transfer_from intent has no owner")
		}
		rcpt, err = r.Backend.SendTransferFrom(ctx, intent.Sender, *intent.Owner, intent.Recipient, intent.AmountUnits, bundle)
	case types.TransferUnstake:
		rcpt, err = r.Backend.SendUnstake(ctx, intent.Sender, bundle, intent.ExternalTransactionID, intent.AmountUnits, intent.Recipient)
	default:
		return Receipt{}, failure.Validation("unknown transfer kind " + string(intent.Kind))
	}
	if err != nil {
		r.Logger.Warn("chain call failed",
			slog.String("kind", string(intent.Kind)),
			slog.String("external_transaction_id", intent.ExternalTransactionID),
			slog.String("tx_hash", hashOrEmpty(rcpt.TxHash)),
			slog.String("error", err.Error()))
		return rcpt, wrap(err)
	}
	r.Logger.Info("chain call confirmed",
		slog.String("kind", string(intent.Kind)),
		slog.String("external_transaction_id", intent.ExternalTransactionID),
		slog.String("tx_hash", rcpt.TxHash.Hex()),
		slog.Uint64("block", rcpt.BlockNumber))
	return rcpt, nil
}

func (r *Relay) Approve(ctx context.Context, owner, spender common.Address, amount *big.Int) (Receipt, error) {
	rcpt, err := r.Backend.SendApprove(ctx, owner, spender, amount)
	return rcpt, wrap(err)
}

func (r *Relay) Stake(ctx context.Context, sender common.Address, value *big.Int) (Receipt, error) {
	rcpt, err := r.Backend.SendStake(ctx, sender, value)
	return rcpt, wrap(err)
}

// wrap keeps classified failures and turns everything else into a chain
// submission failure.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if failure.KindOf(err) != "" {
		return err
	}
	return failure.Wrap(failure.KindChainSubmission, "chain submission failed", err)
}

// Classify maps a revert string surfaced by a chain back to a failure kind.
func Classify(reason string, cause error) error {
	kind := failure.KindChainSubmission
	msg := "execution reverted"
	switch {
	case strings.HasPrefix(reason, gate.RevertRiskDenied):
		kind, msg = failure.KindRiskDenied, gate.RevertRiskDenied
		reason = strings.TrimPrefix(strings.TrimPrefix(reason, gate.RevertRiskDenied), ": ")
	case reason == gate.RevertInvalidAuth, reason == gate.RevertAuthUsed, reason == gate.RevertExternalTxIDDiff:
		kind, msg = failure.KindAuthorizationMismatch, reason
		reason = ""
	case reason == "":
		msg = "transaction failed"
	}
	return &failure.Error{Kind: kind, Message: msg, Reason: reason, Cause: cause}
}

func hashOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
