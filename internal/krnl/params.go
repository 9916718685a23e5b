package krnl

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EncodeTransferParams returns abi.encode(address to, uint256 amount).
func EncodeTransferParams(to common.Address, amount *big.Int) ([]byte, error) {
	return transferArgs.Pack(to, amount)
}

func DecodeTransferParams(blob []byte) (common.Address, *big.Int, error) {
	values, err := transferArgs.Unpack(blob)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: transfer params: %v", ErrMalformed, err)
	}
	to, ok1 := values[0].(common.Address)
	amount, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return common.Address{}, nil, fmt.Errorf("%w: transfer params", ErrMalformed)
	}
	return to, amount, nil
}

// EncodeTransferFromParams returns abi.encode(address from, address to, uint256 amount).
func EncodeTransferFromParams(from, to common.Address, amount *big.Int) ([]byte, error) {
	return transferFromArgs.Pack(from, to, amount)
}

func DecodeTransferFromParams(blob []byte) (common.Address, common.Address, *big.Int, error) {
	values, err := transferFromArgs.Unpack(blob)
	if err != nil {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: transferFrom params: %v", ErrMalformed, err)
	}
	from, ok1 := values[0].(common.Address)
	to, ok2 := values[1].(common.Address)
	amount, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return common.Address{}, common.Address{}, nil, fmt.Errorf("%w: transferFrom params", ErrMalformed)
	}
	return from, to, amount, nil
}

// EncodeUnstakeParams returns abi.encode(string externalTransactionId, uint256 amount, address beneficiary).
func EncodeUnstakeParams(externalTransactionID string, amount *big.Int, beneficiary common.Address) ([]byte, error) {
	return unstakeArgs.Pack(externalTransactionID, amount, beneficiary)
}

func DecodeUnstakeParams(blob []byte) (string, *big.Int, common.Address, error) {
	values, err := unstakeArgs.Unpack(blob)
	if err != nil {
		return "", nil, common.Address{}, fmt.Errorf("%w: unstake params: %v", ErrMalformed, err)
	}
	extID, ok1 := values[0].(string)
	amount, ok2 := values[1].(*big.Int)
	beneficiary, ok3 := values[2].(common.Address)
	if !ok1 || !ok2 || !ok3 {
		return "", nil, common.Address{}, fmt.Errorf("%w: unstake params", ErrMalformed)
	}
	return extID, amount, beneficiary, nil
}
