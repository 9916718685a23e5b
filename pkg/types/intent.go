package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed-point scale of token amounts on chain.
const TokenDecimals = 18

type TransferKind string

const (
	TransferDirect  TransferKind = "transfer"
	TransferFrom    TransferKind = "transfer_from"
	TransferUnstake TransferKind = "unstake"
)

// TransferIntent is immutable once handed to the kernel client.
type TransferIntent struct {
	Kind                  TransferKind    `json:"kind"`
	Sender                common.Address  `json:"sender"`
	Owner                 *common.Address `json:"owner,omitempty"`
	Recipient             common.Address  `json:"recipient"`
	Amount                decimal.Decimal `json:"amount"`
	AmountUnits           *big.Int        `json:"amount_units"`
	ExternalTransactionID string          `json:"external_transaction_id"`
}

// From returns the address whose balance is debited.
func (i TransferIntent) From() common.Address {
	if i.Owner != nil {
		return *i.Owner
	}
	return i.Sender
}
