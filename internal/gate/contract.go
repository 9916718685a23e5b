// Package gate executes the gated token and staking contract against ledger
// state. Every mutating method runs inside one ledger.Tx: a returned error
// is a revert and the caller discards the transaction.
package gate

import (
	"math/big"
	"strings"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/krnl"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

const (
	RevertRiskDenied       = "Transfer denied due to risk assessment"
	RevertInvalidAuth      = "Invalid KRNL authorization"
	RevertAuthUsed         = "KRNL authorization already used"
	RevertLegacyTransfer   = "Direct transfers are disabled; use transferWithKRNL"
	RevertLegacyFrom       = "Direct transferFrom is disabled; use transferFromWithKRNL"
	RevertBalance          = "ERC20: transfer amount exceeds balance"
	RevertAllowance        = "ERC20: insufficient allowance"
	RevertZeroAddress      = "ERC20: transfer to the zero address"
	RevertZeroAmount       = "Amount must be greater than zero"
	RevertNotOwner         = "Ownable: caller is not the owner"
	RevertStakeBalance     = "Insufficient staked balance"
	RevertNativeBalance    = "Insufficient native balance"
	RevertExternalTxIDDiff = "External transaction id does not match authorization"
)

// Contract is the gate configuration. KernelID names the compliance kernel
// whose response carries the risk decision.
type Contract struct {
	Address          common.Address
	Owner            common.Address
	Attester         common.Address
	KernelID         *big.Int
	MaxRiskScore     uint64
	DeniedRiskLevels []string
	ReplayProtection bool
}

// Call is the execution context of one contract call.
type Call struct {
	Sender      common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	Timestamp   uint64
}

// CheckTransferAllowed reports whether d permits a transfer. Only an exact
// "approved" status passes; the optional thresholds narrow it further.
func (c *Contract) CheckTransferAllowed(d types.RiskDecision) bool {
	if d.Status != types.RiskApproved {
		return false
	}
	if c.MaxRiskScore > 0 && d.RiskScore > c.MaxRiskScore {
		return false
	}
	for _, level := range c.DeniedRiskLevels {
		if strings.EqualFold(level, string(d.RiskLevel)) {
			return false
		}
	}
	return true
}

func (c *Contract) TransferWithKRNL(tx ledger.Tx, call Call, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) error {
	if err := checkTransferArgs(to, amount); err != nil {
		return err
	}
	params, err := krnl.EncodeTransferParams(to, amount)
	if err != nil {
		return err
	}
	decision, err := c.authorize(tx, call, params, bundle)
	if err != nil {
		return err
	}
	return c.move(tx, call, call.Sender, to, amount, decision)
}

func (c *Contract) TransferFromWithKRNL(tx ledger.Tx, call Call, from, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) error {
	if err := checkTransferArgs(to, amount); err != nil {
		return err
	}
	params, err := krnl.EncodeTransferFromParams(from, to, amount)
	if err != nil {
		return err
	}
	decision, err := c.authorize(tx, call, params, bundle)
	if err != nil {
		return err
	}
	allowance, err := tx.Allowance(from, call.Sender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return revert(RevertAllowance)
	}
	if err := tx.SetAllowance(from, call.Sender, new(big.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	return c.move(tx, call, from, to, amount, decision)
}

func (c *Contract) Approve(tx ledger.Tx, call Call, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return revert(RevertZeroAmount)
	}
	if spender == (common.Address{}) {
		return revert("ERC20: approve to the zero address")
	}
	if err := tx.SetAllowance(call.Sender, spender, amount); err != nil {
		return err
	}
	return tx.AppendEvent(types.AuditEvent{
		Name:        types.EventApproval,
		TxHash:      call.TxHash,
		BlockNumber: call.BlockNumber,
		From:        call.Sender,
		To:          spender,
		Amount:      new(big.Int).Set(amount),
		Timestamp:   call.Timestamp,
	})
}

// Stake moves call.Value of native currency from the sender into the
// contract and credits the sender's stake.
func (c *Contract) Stake(tx ledger.Tx, call Call) error {
	if call.Value == nil || call.Value.Sign() <= 0 {
		return revert(RevertZeroAmount)
	}
	native, err := tx.NativeBalanceOf(call.Sender)
	if err != nil {
		return err
	}
	if native.Cmp(call.Value) < 0 {
		return revert(RevertNativeBalance)
	}
	held, err := tx.NativeBalanceOf(c.Address)
	if err != nil {
		return err
	}
	stake, err := tx.StakeOf(call.Sender)
	if err != nil {
		return err
	}
	if err := tx.SetNativeBalance(call.Sender, native.Sub(native, call.Value)); err != nil {
		return err
	}
	if err := tx.SetNativeBalance(c.Address, held.Add(held, call.Value)); err != nil {
		return err
	}
	if err := tx.SetStake(call.Sender, stake.Add(stake, call.Value)); err != nil {
		return err
	}
	return tx.AppendEvent(types.AuditEvent{
		Name:        types.EventStaked,
		TxHash:      call.TxHash,
		BlockNumber: call.BlockNumber,
		From:        call.Sender,
		To:          c.Address,
		Amount:      new(big.Int).Set(call.Value),
		Timestamp:   call.Timestamp,
	})
}

// Unstake releases amount of the sender's stake to beneficiary. Like a
// transfer it needs an approved decision bound to these exact arguments.
func (c *Contract) Unstake(tx ledger.Tx, call Call, bundle types.AuthorizationBundle, externalTransactionID string, amount *big.Int, beneficiary common.Address) error {
	if err := checkTransferArgs(beneficiary, amount); err != nil {
		return err
	}
	params, err := krnl.EncodeUnstakeParams(externalTransactionID, amount, beneficiary)
	if err != nil {
		return err
	}
	decision, err := c.authorize(tx, call, params, bundle)
	if err != nil {
		return err
	}
	if decision.ExternalTransactionID != externalTransactionID {
		return failure.WithReason(failure.KindAuthorizationMismatch, RevertExternalTxIDDiff, externalTransactionID)
	}
	stake, err := tx.StakeOf(call.Sender)
	if err != nil {
		return err
	}
	if stake.Cmp(amount) < 0 {
		return revert(RevertStakeBalance)
	}
	held, err := tx.NativeBalanceOf(c.Address)
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return revert(RevertNativeBalance)
	}
	native, err := tx.NativeBalanceOf(beneficiary)
	if err != nil {
		return err
	}
	if err := tx.SetStake(call.Sender, stake.Sub(stake, amount)); err != nil {
		return err
	}
	if err := tx.SetNativeBalance(c.Address, held.Sub(held, amount)); err != nil {
		return err
	}
	if err := tx.SetNativeBalance(beneficiary, native.Add(native, amount)); err != nil {
		return err
	}
	if err := c.assess(tx, call, call.Sender, beneficiary, amount, decision); err != nil {
		return err
	}
	return tx.AppendEvent(types.AuditEvent{
		Name:        types.EventUnstaked,
		TxHash:      call.TxHash,
		BlockNumber: call.BlockNumber,
		From:        call.Sender,
		To:          beneficiary,
		Amount:      new(big.Int).Set(amount),
		Timestamp:   call.Timestamp,
	})
}

// Mint credits tokens out of thin air. Owner only; used for genesis.
func (c *Contract) Mint(tx ledger.Tx, call Call, to common.Address, amount *big.Int) error {
	if call.Sender != c.Owner {
		return revert(RevertNotOwner)
	}
	if err := checkTransferArgs(to, amount); err != nil {
		return err
	}
	bal, err := tx.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := tx.SetBalance(to, bal.Add(bal, amount)); err != nil {
		return err
	}
	return tx.AppendEvent(types.AuditEvent{
		Name:        types.EventTransfer,
		TxHash:      call.TxHash,
		BlockNumber: call.BlockNumber,
		To:          to,
		Amount:      new(big.Int).Set(amount),
		Timestamp:   call.Timestamp,
	})
}

// Transfer is the ungated ERC-20 entry point. It always reverts.
func (c *Contract) Transfer(ledger.Tx, Call, common.Address, *big.Int) error {
	return revert(RevertLegacyTransfer)
}

// TransferFrom is the ungated ERC-20 entry point. It always reverts.
func (c *Contract) TransferFrom(ledger.Tx, Call, common.Address, common.Address, *big.Int) error {
	return revert(RevertLegacyFrom)
}

func (c *Contract) BalanceOf(r ledger.Reader, addr common.Address) (*big.Int, error) {
	return r.BalanceOf(addr)
}

func (c *Contract) Allowance(r ledger.Reader, owner, spender common.Address) (*big.Int, error) {
	return r.Allowance(owner, spender)
}

func (c *Contract) GetStakerBalance(r ledger.Reader, staker common.Address) (*big.Int, error) {
	return r.StakeOf(staker)
}

// GetContractBalance is the native currency held by the contract.
func (c *Contract) GetContractBalance(r ledger.Reader) (*big.Int, error) {
	return r.NativeBalanceOf(c.Address)
}

func (c *Contract) GetTransferAssessment(r ledger.Reader, key common.Hash) (types.TransferAssessment, bool) {
	return r.GetAssessment(key)
}

func (c *Contract) move(tx ledger.Tx, call Call, from, to common.Address, amount *big.Int, decision types.RiskDecision) error {
	fromBal, err := tx.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return revert(RevertBalance)
	}
	if err := tx.SetBalance(from, fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	// read after the debit so a self-transfer nets to zero
	toBal, err := tx.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := tx.SetBalance(to, toBal.Add(toBal, amount)); err != nil {
		return err
	}
	if err := c.assess(tx, call, from, to, amount, decision); err != nil {
		return err
	}
	return tx.AppendEvent(types.AuditEvent{
		Name:        types.EventTransfer,
		TxHash:      call.TxHash,
		BlockNumber: call.BlockNumber,
		From:        from,
		To:          to,
		Amount:      new(big.Int).Set(amount),
		Timestamp:   call.Timestamp,
	})
}

func (c *Contract) assess(tx ledger.Tx, call Call, from, to common.Address, amount *big.Int, decision types.RiskDecision) error {
	key := AssessmentKey(from, to, amount, call.Timestamp)
	err := tx.PutAssessment(types.TransferAssessment{
		Key:         key,
		From:        from,
		To:          to,
		Amount:      new(big.Int).Set(amount),
		Decision:    decision,
		Allowed:     true,
		Timestamp:   call.Timestamp,
		BlockNumber: call.BlockNumber,
	})
	if err != nil {
		return err
	}
	return tx.AppendEvent(types.AuditEvent{
		Name:        types.EventTransferAssessed,
		TxHash:      call.TxHash,
		BlockNumber: call.BlockNumber,
		From:        from,
		To:          to,
		Amount:      new(big.Int).Set(amount),
		Status:      string(decision.Status),
		Allowed:     true,
		Timestamp:   call.Timestamp,
	})
}

func checkTransferArgs(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return revert(RevertZeroAddress)
	}
	if amount == nil || amount.Sign() <= 0 {
		return revert(RevertZeroAmount)
	}
	return nil
}

// revert is a generic contract revert, surfaced as a chain submission failure.
func revert(reason string) error {
	return failure.WithReason(failure.KindChainSubmission, "execution reverted", reason)
}
