package relay

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/davidahmann/truemoneyx/internal/gate"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// GenesisAccount seeds a local chain.
type GenesisAccount struct {
	Address common.Address
	Tokens  *big.Int
	Native  *big.Int
}

// LocalChain runs gate calls one at a time against a ledger store. Each call
// is its own block and is confirmed when it returns.
type LocalChain struct {
	store    ledger.Store
	contract *gate.Contract
	clock    func() time.Time
	mu       sync.Mutex
}

func NewLocalChain(store ledger.Store, contract *gate.Contract) *LocalChain {
	return &LocalChain{store: store, contract: contract, clock: time.Now}
}

// WithClock replaces the block timestamp source.
func (l *LocalChain) WithClock(clock func() time.Time) *LocalChain {
	l.clock = clock
	return l
}

// Genesis mints the initial allocation. It is a no-op on a chain that
// already has blocks.
func (l *LocalChain) Genesis(ctx context.Context, accounts []GenesisAccount) error {
	if _, ok := l.store.LatestChainTx(); ok {
		return nil
	}
	_, err := l.exec(ctx, "genesis", l.contract.Owner, nil, func(tx ledger.Tx, call gate.Call) error {
		for _, acct := range accounts {
			if acct.Tokens != nil && acct.Tokens.Sign() > 0 {
				if err := l.contract.Mint(tx, call, acct.Address, acct.Tokens); err != nil {
					return err
				}
			}
			if acct.Native != nil && acct.Native.Sign() > 0 {
				native, err := tx.NativeBalanceOf(acct.Address)
				if err != nil {
					return err
				}
				if err := tx.SetNativeBalance(acct.Address, native.Add(native, acct.Native)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return err
}

func (l *LocalChain) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.contract.BalanceOf(l.store, addr)
}

func (l *LocalChain) StakerBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.contract.GetStakerBalance(l.store, addr)
}

func (l *LocalChain) ContractBalance(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.contract.GetContractBalance(l.store)
}

func (l *LocalChain) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.contract.Allowance(l.store, owner, spender)
}

func (l *LocalChain) TransferAssessment(ctx context.Context, key common.Hash) (types.TransferAssessment, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.TransferAssessment{}, false, err
	}
	a, ok := l.contract.GetTransferAssessment(l.store, key)
	return a, ok, nil
}

func (l *LocalChain) SendTransfer(ctx context.Context, sender, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) (Receipt, error) {
	return l.exec(ctx, "transferWithKRNL", sender, nil, func(tx ledger.Tx, call gate.Call) error {
		return l.contract.TransferWithKRNL(tx, call, to, amount, bundle)
	})
}

func (l *LocalChain) SendTransferFrom(ctx context.Context, sender, from, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) (Receipt, error) {
	return l.exec(ctx, "transferFromWithKRNL", sender, nil, func(tx ledger.Tx, call gate.Call) error {
		return l.contract.TransferFromWithKRNL(tx, call, from, to, amount, bundle)
	})
}

func (l *LocalChain) SendApprove(ctx context.Context, owner, spender common.Address, amount *big.Int) (Receipt, error) {
	return l.exec(ctx, "approve", owner, nil, func(tx ledger.Tx, call gate.Call) error {
		return l.contract.Approve(tx, call, spender, amount)
	})
}

func (l *LocalChain) SendStake(ctx context.Context, sender common.Address, value *big.Int) (Receipt, error) {
	return l.exec(ctx, "stake", sender, value, func(tx ledger.Tx, call gate.Call) error {
		return l.contract.Stake(tx, call)
	})
}

func (l *LocalChain) SendUnstake(ctx context.Context, sender common.Address, bundle types.AuthorizationBundle, externalTransactionID string, amount *big.Int, beneficiary common.Address) (Receipt, error) {
	return l.exec(ctx, "unstake", sender, nil, func(tx ledger.Tx, call gate.Call) error {
		return l.contract.Unstake(tx, call, bundle, externalTransactionID, amount, beneficiary)
	})
}

// exec mines one block holding a single call. A failing call leaves no
// state change besides its reverted chain tx record.
func (l *LocalChain) exec(ctx context.Context, method string, sender common.Address, value *big.Int, fn func(ledger.Tx, gate.Call) error) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var parent ledger.ChainTxRecord
	if latest, ok := l.store.LatestChainTx(); ok {
		parent = latest
	}
	number := parent.BlockNumber + 1
	ts := uint64(l.clock().Unix())
	if ts <= parent.Timestamp {
		ts = parent.Timestamp + 1
	}
	call := gate.Call{
		Sender:      sender,
		Value:       value,
		TxHash:      localTxHash(method, sender, number, ts),
		BlockNumber: number,
		Timestamp:   ts,
	}
	rec := ledger.ChainTxRecord{
		TxHash:      call.TxHash,
		BlockNumber: number,
		Timestamp:   ts,
		Method:      method,
		Sender:      sender,
		Status:      ledger.ChainTxSuccess,
	}

	err := l.store.WithTx(func(tx ledger.Tx) error {
		if err := fn(tx, call); err != nil {
			return err
		}
		return tx.PutChainTx(rec)
	})
	if err == nil {
		return Receipt{TxHash: call.TxHash, BlockNumber: number, Status: ledger.ChainTxSuccess}, nil
	}

	rec.Status = ledger.ChainTxReverted
	rec.RevertReason = gate.RevertString(err)
	if recordErr := l.store.WithTx(func(tx ledger.Tx) error { return tx.PutChainTx(rec) }); recordErr != nil {
		return Receipt{}, recordErr
	}
	return Receipt{TxHash: call.TxHash, BlockNumber: number, Status: ledger.ChainTxReverted}, err
}

func localTxHash(method string, sender common.Address, number, ts uint64) common.Hash {
	return ethcrypto.Keccak256Hash(
		[]byte(method),
		sender.Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(number).Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(ts).Bytes(), 32),
	)
}
