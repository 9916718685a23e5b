// Package attest builds attestation requests and the ABI-encoded function
// params that travel with them to the kernel. Construction is pure: no I/O,
// and the same intent always yields the same encoded params.
package attest

import (
	"crypto/rand"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/krnl"
	"github.com/davidahmann/truemoneyx/internal/risk"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Metadata is the fixed demonstration data embedded in each request body.
type Metadata struct {
	CustomerID      string
	Currency        string
	OriginatorName  string
	BeneficiaryName string
	Country         string
	NetworkFee      string
	ServiceFee      string
}

type Builder struct {
	KernelID string
	Metadata Metadata
	Clock    func() time.Time
	Rand     io.Reader
}

type Input struct {
	Sender                string
	Owner                 string
	Recipient             string
	Amount                string
	ExternalTransactionID string
}

type Built struct {
	Intent        types.TransferIntent
	Request       types.AttestationRequest
	EncodedParams []byte
}

func NewBuilder(kernelID string, meta Metadata) *Builder {
	return &Builder{KernelID: kernelID, Metadata: meta, Clock: time.Now, Rand: rand.Reader}
}

// Build prepares a direct transferWithKRNL(recipient, amount) call.
func (b *Builder) Build(in Input) (Built, error) {
	intent, err := b.intent(types.TransferDirect, in)
	if err != nil {
		return Built{}, err
	}
	params, err := krnl.EncodeTransferParams(intent.Recipient, intent.AmountUnits)
	if err != nil {
		return Built{}, failure.Wrap(failure.KindValidation, "encode transfer params", err)
	}
	return b.finish(intent, params)
}

// BuildTransferFrom prepares transferFromWithKRNL(owner, recipient, amount)
// sent by a spender holding an allowance.
func (b *Builder) BuildTransferFrom(in Input) (Built, error) {
	if in.Owner == "" {
		return Built{}, failure.Validation("owner address is required")
	}
	intent, err := b.intent(types.TransferFrom, in)
	if err != nil {
		return Built{}, err
	}
	params, err := krnl.EncodeTransferFromParams(*intent.Owner, intent.Recipient, intent.AmountUnits)
	if err != nil {
		return Built{}, failure.Wrap(failure.KindValidation, "encode transferFrom params", err)
	}
	return b.finish(intent, params)
}

// BuildUnstake prepares unstake(bundle, externalTransactionId, amount,
// beneficiary). The id in the params is the one in the request body.
func (b *Builder) BuildUnstake(in Input) (Built, error) {
	intent, err := b.intent(types.TransferUnstake, in)
	if err != nil {
		return Built{}, err
	}
	params, err := krnl.EncodeUnstakeParams(intent.ExternalTransactionID, intent.AmountUnits, intent.Recipient)
	if err != nil {
		return Built{}, failure.Wrap(failure.KindValidation, "encode unstake params", err)
	}
	return b.finish(intent, params)
}

func (b *Builder) intent(kind types.TransferKind, in Input) (types.TransferIntent, error) {
	sender, err := ParseAddress("sender", in.Sender)
	if err != nil {
		return types.TransferIntent{}, err
	}
	recipient, err := ParseAddress("recipient", in.Recipient)
	if err != nil {
		return types.TransferIntent{}, err
	}
	amount, units, err := ParseAmount(in.Amount)
	if err != nil {
		return types.TransferIntent{}, err
	}

	intent := types.TransferIntent{
		Kind:                  kind,
		Sender:                sender,
		Recipient:             recipient,
		Amount:                amount,
		AmountUnits:           units,
		ExternalTransactionID: in.ExternalTransactionID,
	}
	if in.Owner != "" {
		owner, err := ParseAddress("owner", in.Owner)
		if err != nil {
			return types.TransferIntent{}, err
		}
		intent.Owner = &owner
	}
	if intent.ExternalTransactionID == "" {
		id, err := NewExternalTransactionID(b.now(), b.rand())
		if err != nil {
			return types.TransferIntent{}, err
		}
		intent.ExternalTransactionID = id
	}
	return intent, nil
}

func (b *Builder) finish(intent types.TransferIntent, params []byte) (Built, error) {
	return Built{
		Intent:        intent,
		Request:       b.request(intent),
		EncodedParams: params,
	}, nil
}

func (b *Builder) request(intent types.TransferIntent) types.AttestationRequest {
	meta := b.Metadata
	networkFee := feeOrZero(meta.NetworkFee)
	serviceFee := feeOrZero(meta.ServiceFee)

	body := types.AttestationBody{
		ExternalTransactionID: intent.ExternalTransactionID,
		CustomerID:            meta.CustomerID,
		TransactionType:       string(intent.Kind),
		Amount:                intent.Amount.String(),
		Currency:              meta.Currency,
		Originator: types.Counterparty{
			WalletAddress: intent.From().Hex(),
			Name:          meta.OriginatorName,
			Country:       meta.Country,
		},
		Beneficiary: types.Counterparty{
			WalletAddress: intent.Recipient.Hex(),
			Name:          meta.BeneficiaryName,
			Country:       meta.Country,
		},
		Fees: types.FeeBreakdown{
			NetworkFee: networkFee.String(),
			ServiceFee: serviceFee.String(),
			TotalFee:   networkFee.Add(serviceFee).String(),
		},
		CreatedAt: b.now().UTC().Format(time.RFC3339),
	}

	return types.AttestationRequest{
		SenderAddress: intent.Sender.Hex(),
		KernelPayload: map[string]types.KernelPayload{
			b.KernelID: {Parameters: types.KernelParameters{
				Query:  map[string]string{"waitForWebhook": "true"},
				Header: map[string]string{},
				Body:   body,
			}},
		},
	}
}

func (b *Builder) now() time.Time {
	if b.Clock == nil {
		return time.Now()
	}
	return b.Clock()
}

func (b *Builder) rand() io.Reader {
	if b.Rand == nil {
		return rand.Reader
	}
	return b.Rand
}

func feeOrZero(raw string) decimal.Decimal {
	fee, err := decimal.NewFromString(raw)
	if err != nil || fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

// KernelIDString formats a numeric kernel id as the kernelPayload key.
func KernelIDString(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// ParseAddress accepts only 0x-prefixed 20-byte hex addresses.
func ParseAddress(field, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, failure.Validation(field + " address is required")
	}
	if !risk.ValidAddress(value) {
		return common.Address{}, failure.Validation(field + " address is not a valid 0x address")
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, failure.Validation(field + " address must not be the zero address")
	}
	return addr, nil
}

// ParseAmount parses a decimal token amount and scales it to 18-decimal units.
func ParseAmount(raw string) (decimal.Decimal, *big.Int, error) {
	if raw == "" {
		return decimal.Decimal{}, nil, failure.Validation("amount is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, nil, failure.Validation("amount is not a decimal number")
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, nil, failure.Validation("amount must be greater than zero")
	}
	scaled := amount.Shift(types.TokenDecimals)
	if !scaled.IsInteger() {
		return decimal.Decimal{}, nil, failure.Validation("amount has more than 18 fractional digits")
	}
	return amount, scaled.BigInt(), nil
}

// FormatUnits renders 18-decimal units as a token amount.
func FormatUnits(units *big.Int) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -types.TokenDecimals).String()
}
