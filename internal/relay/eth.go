package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// GateABI is the deployed contract's call surface.
const GateABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getStakerBalance","stateMutability":"view","inputs":[{"name":"staker","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getContractBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getTransferAssessment","stateMutability":"view","inputs":[{"name":"assessmentHash","type":"bytes32"}],"outputs":[
  {"name":"","type":"tuple","components":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},
    {"name":"status","type":"string"},{"name":"riskLevel","type":"string"},{"name":"riskScore","type":"uint256"},
    {"name":"reason","type":"string"},{"name":"allowed","type":"bool"},{"name":"timestamp","type":"uint256"}]}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"stake","stateMutability":"payable","inputs":[],"outputs":[]},
{"type":"function","name":"transferWithKRNL","stateMutability":"nonpayable","inputs":[
  {"name":"to","type":"address"},{"name":"amount","type":"uint256"},
  {"name":"krnlPayload","type":"tuple","components":[{"name":"auth","type":"bytes"},{"name":"kernelResponses","type":"bytes"},{"name":"kernelParams","type":"bytes"}]}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferFromWithKRNL","stateMutability":"nonpayable","inputs":[
  {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},
  {"name":"krnlPayload","type":"tuple","components":[{"name":"auth","type":"bytes"},{"name":"kernelResponses","type":"bytes"},{"name":"kernelParams","type":"bytes"}]}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"unstake","stateMutability":"nonpayable","inputs":[
  {"name":"krnlPayload","type":"tuple","components":[{"name":"auth","type":"bytes"},{"name":"kernelResponses","type":"bytes"},{"name":"kernelParams","type":"bytes"}]},
  {"name":"externalTransactionId","type":"string"},{"name":"amount","type":"uint256"},{"name":"beneficiary","type":"address"}],"outputs":[]}
]`

// krnlPayload mirrors the contract's KrnlPayload struct.
type krnlPayload struct {
	Auth            []byte
	KernelResponses []byte
	KernelParams    []byte
}

type assessmentTuple struct {
	From      common.Address
	To        common.Address
	Amount    *big.Int
	Status    string
	RiskLevel string
	RiskScore *big.Int
	Reason    string
	Allowed   bool
	Timestamp *big.Int
}

// chainClient is the part of ethclient.Client the backend uses.
type chainClient interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// EthChain talks to a deployed gate contract over JSON-RPC. All writes are
// signed by one key.
type EthChain struct {
	client   chainClient
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
}

func DialEthChain(ctx context.Context, rpcURL string, contract common.Address, key *ecdsa.PrivateKey) (*EthChain, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chain, err := NewEthChain(ctx, client, contract, key)
	if err != nil {
		client.Close()
		return nil, err
	}
	return chain, nil
}

func NewEthChain(ctx context.Context, client chainClient, contract common.Address, key *ecdsa.PrivateKey) (*EthChain, error) {
	parsed, err := abi.JSON(strings.NewReader(GateABI))
	if err != nil {
		return nil, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &EthChain{
		client:   client,
		contract: bind.NewBoundContract(contract, parsed, client, client, client),
		address:  contract,
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
	}, nil
}

// Signer is the address every write is sent from.
func (e *EthChain) Signer() common.Address {
	return e.from
}

func (e *EthChain) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return e.callUint(ctx, "balanceOf", addr)
}

func (e *EthChain) StakerBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return e.callUint(ctx, "getStakerBalance", addr)
}

func (e *EthChain) ContractBalance(ctx context.Context) (*big.Int, error) {
	return e.callUint(ctx, "getContractBalance")
}

func (e *EthChain) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return e.callUint(ctx, "allowance", owner, spender)
}

func (e *EthChain) TransferAssessment(ctx context.Context, key common.Hash) (types.TransferAssessment, bool, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getTransferAssessment", key); err != nil {
		return types.TransferAssessment{}, false, err
	}
	if len(out) != 1 {
		return types.TransferAssessment{}, false, errors.New("unexpected getTransferAssessment output")
	}
	row := *abi.ConvertType(out[0], new(assessmentTuple)).(*assessmentTuple)
	if row.From == (common.Address{}) && row.To == (common.Address{}) {
		return types.TransferAssessment{}, false, nil
	}
	return types.TransferAssessment{
		Key:    key,
		From:   row.From,
		To:     row.To,
		Amount: row.Amount,
		Decision: types.RiskDecision{
			Status:    types.RiskStatus(row.Status),
			RiskLevel: types.RiskLevel(row.RiskLevel),
			RiskScore: uint64OrZero(row.RiskScore),
			Reason:    row.Reason,
		},
		Allowed:   row.Allowed,
		Timestamp: uint64OrZero(row.Timestamp),
	}, true, nil
}

func (e *EthChain) SendTransfer(ctx context.Context, sender, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) (Receipt, error) {
	return e.transact(ctx, sender, nil, "transferWithKRNL", to, amount, payload(bundle))
}

func (e *EthChain) SendTransferFrom(ctx context.Context, sender, from, to common.Address, amount *big.Int, bundle types.AuthorizationBundle) (Receipt, error) {
	return e.transact(ctx, sender, nil, "transferFromWithKRNL", from, to, amount, payload(bundle))
}

func (e *EthChain) SendApprove(ctx context.Context, owner, spender common.Address, amount *big.Int) (Receipt, error) {
	return e.transact(ctx, owner, nil, "approve", spender, amount)
}

func (e *EthChain) SendStake(ctx context.Context, sender common.Address, value *big.Int) (Receipt, error) {
	return e.transact(ctx, sender, value, "stake")
}

func (e *EthChain) SendUnstake(ctx context.Context, sender common.Address, bundle types.AuthorizationBundle, externalTransactionID string, amount *big.Int, beneficiary common.Address) (Receipt, error) {
	return e.transact(ctx, sender, nil, "unstake", payload(bundle), externalTransactionID, amount, beneficiary)
}

func (e *EthChain) callUint(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s output", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, out[0])
	}
	return v, nil
}

// transact sends one call and blocks until it is mined. A failed receipt is
// replayed as eth_call at its block to recover the revert string.
func (e *EthChain) transact(ctx context.Context, sender common.Address, value *big.Int, method string, params ...interface{}) (Receipt, error) {
	if sender != e.from {
		return Receipt{}, failure.Validation(fmt.Sprintf("sender %s does not match chain signer %s", sender.Hex(), e.from.Hex()))
	}
	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return Receipt{}, err
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := e.contract.Transact(opts, method, params...)
	if err != nil {
		// gas estimation runs the call, so reverts usually surface here
		if reason, ok := RevertReason(err); ok {
			return Receipt{}, Classify(reason, err)
		}
		return Receipt{}, failure.Wrap(failure.KindChainSubmission, "send "+method, err)
	}
	mined, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return Receipt{TxHash: tx.Hash()}, failure.Wrap(failure.KindChainSubmission, "wait for "+method, err)
	}
	rcpt := Receipt{TxHash: tx.Hash(), BlockNumber: mined.BlockNumber.Uint64(), Status: ledger.ChainTxSuccess}
	if mined.Status == ethtypes.ReceiptStatusSuccessful {
		return rcpt, nil
	}
	rcpt.Status = ledger.ChainTxReverted

	msg := ethereum.CallMsg{From: e.from, To: &e.address, Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	_, callErr := e.client.CallContract(ctx, msg, mined.BlockNumber)
	reason, _ := RevertReason(callErr)
	return rcpt, Classify(reason, callErr)
}

// RevertReason extracts the Error(string) payload from a JSON-RPC error.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	// nodes that omit the data field still put the reason in the message
	const prefix = "execution reverted: "
	if i := strings.Index(err.Error(), prefix); i >= 0 {
		return err.Error()[i+len(prefix):], true
	}
	return "", false
}

func payload(b types.AuthorizationBundle) krnlPayload {
	return krnlPayload{Auth: b.Auth, KernelResponses: b.KernelResponses, KernelParams: b.KernelParams}
}

func uint64OrZero(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
