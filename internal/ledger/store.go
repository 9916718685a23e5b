package ledger

import (
	"errors"
	"math/big"

	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNegativeAmount = errors.New("negative amount")
	ErrAuthConsumed   = errors.New("authorization already consumed")
)

// Reader is the read side of the ledger. Missing balances read as zero.
type Reader interface {
	BalanceOf(addr common.Address) (*big.Int, error)
	NativeBalanceOf(addr common.Address) (*big.Int, error)
	Allowance(owner, spender common.Address) (*big.Int, error)
	StakeOf(addr common.Address) (*big.Int, error)

	GetAssessment(key common.Hash) (types.TransferAssessment, bool)
	AuthConsumed(nonce common.Hash) (bool, error)
	ListEvents(txHash common.Hash) ([]types.AuditEvent, error)

	GetChainTx(txHash common.Hash) (ChainTxRecord, bool)
	LatestChainTx() (ChainTxRecord, bool)

	GetIntent(externalTransactionID string) (IntentRecord, bool)
	GetReceipt(receiptID string) (StoredReceipt, bool)
}

// Tx is one atomic unit of ledger mutation. Returning an error from the
// WithTx callback discards every write made through the Tx.
type Tx interface {
	Reader

	SetBalance(addr common.Address, amount *big.Int) error
	SetNativeBalance(addr common.Address, amount *big.Int) error
	SetAllowance(owner, spender common.Address, amount *big.Int) error
	SetStake(addr common.Address, amount *big.Int) error

	PutAssessment(a types.TransferAssessment) error
	AppendEvent(ev types.AuditEvent) error
	ConsumeAuth(nonce, txHash common.Hash, at uint64) error

	PutChainTx(rec ChainTxRecord) error
	PutIntent(rec IntentRecord) error
	PutReceipt(rec StoredReceipt) error
}

type Store interface {
	Reader
	WithTx(fn func(Tx) error) error
}

type ChainTxStatus string

const (
	ChainTxSuccess  ChainTxStatus = "success"
	ChainTxReverted ChainTxStatus = "reverted"
)

// ChainTxRecord is the local chain's receipt for one executed call.
type ChainTxRecord struct {
	TxHash       common.Hash
	BlockNumber  uint64
	Timestamp    uint64
	Method       string
	Sender       common.Address
	Status       ChainTxStatus
	RevertReason string
}

// IntentRecord tracks one transfer intent through the flow, keyed by its
// external transaction id.
type IntentRecord struct {
	ExternalTransactionID string
	Kind                  string
	Status                string
	Sender                string
	Owner                 *string
	Recipient             string
	Amount                string
	TxHash                *string
	ReceiptID             *string
	ErrorCode             *string
	ErrorMessage          *string
	CreatedAt             string
	UpdatedAt             string
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	return nil
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
