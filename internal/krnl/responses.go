package krnl

import (
	"fmt"
	"math/big"

	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// KernelResponse is one entry of the kernel_responses array.
type KernelResponse struct {
	KernelID *big.Int
	Result   []byte
	Err      string
}

// kernelResponseABI matches the field names the abi package derives from
// tuple(uint256 kernelId, bytes result, string err).
type kernelResponseABI struct {
	KernelId *big.Int `json:"kernelId"`
	Result   []byte   `json:"result"`
	Err      string   `json:"err"`
}

func EncodeKernelResponses(responses []KernelResponse) ([]byte, error) {
	rows := make([]kernelResponseABI, len(responses))
	for i, r := range responses {
		id := r.KernelID
		if id == nil {
			id = new(big.Int)
		}
		result := r.Result
		if result == nil {
			result = []byte{}
		}
		rows[i] = kernelResponseABI{KernelId: id, Result: result, Err: r.Err}
	}
	return responsesArgs.Pack(rows)
}

func DecodeKernelResponses(blob []byte) ([]KernelResponse, error) {
	values, err := responsesArgs.Unpack(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: kernel responses: %v", ErrMalformed, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: kernel responses", ErrMalformed)
	}
	rows, ok := abi.ConvertType(values[0], new([]kernelResponseABI)).(*[]kernelResponseABI)
	if !ok {
		return nil, fmt.Errorf("%w: kernel responses", ErrMalformed)
	}
	out := make([]KernelResponse, len(*rows))
	for i, row := range *rows {
		out[i] = KernelResponse{KernelID: row.KernelId, Result: row.Result, Err: row.Err}
	}
	return out, nil
}

// FindDecision returns the risk decision carried by the first response
// tagged with kernelID.
func FindDecision(responses []KernelResponse, kernelID *big.Int) (types.RiskDecision, error) {
	for _, r := range responses {
		if r.KernelID == nil || r.KernelID.Cmp(kernelID) != 0 {
			continue
		}
		if r.Err != "" {
			return types.RiskDecision{}, fmt.Errorf("%w: %s", ErrKernelResultErr, r.Err)
		}
		return DecodeRiskDecision(r.Result)
	}
	return types.RiskDecision{}, ErrKernelNotFound
}

func EncodeRiskDecision(d types.RiskDecision) ([]byte, error) {
	return decisionArgs.Pack(
		d.ID,
		d.ExternalTransactionID,
		d.CustomerID,
		string(d.Status),
		string(d.RiskLevel),
		new(big.Int).SetUint64(d.RiskScore),
		d.Reason,
		new(big.Int).SetUint64(d.CreatedAt),
		new(big.Int).SetUint64(d.UpdatedAt),
	)
}

func DecodeRiskDecision(blob []byte) (types.RiskDecision, error) {
	values, err := decisionArgs.Unpack(blob)
	if err != nil {
		return types.RiskDecision{}, fmt.Errorf("%w: risk decision: %v", ErrMalformed, err)
	}
	strs := make([]string, 0, 6)
	ints := make([]uint64, 0, 3)
	for i, v := range values {
		switch x := v.(type) {
		case string:
			strs = append(strs, x)
		case *big.Int:
			if !x.IsUint64() {
				return types.RiskDecision{}, fmt.Errorf("%w: risk decision field %d overflows", ErrMalformed, i)
			}
			ints = append(ints, x.Uint64())
		default:
			return types.RiskDecision{}, fmt.Errorf("%w: risk decision field %d", ErrMalformed, i)
		}
	}
	if len(strs) != 6 || len(ints) != 3 {
		return types.RiskDecision{}, fmt.Errorf("%w: risk decision shape", ErrMalformed)
	}
	return types.RiskDecision{
		ID:                    strs[0],
		ExternalTransactionID: strs[1],
		CustomerID:            strs[2],
		Status:                types.RiskStatus(strs[3]),
		RiskLevel:             types.RiskLevel(strs[4]),
		RiskScore:             ints[0],
		Reason:                strs[5],
		CreatedAt:             ints[1],
		UpdatedAt:             ints[2],
	}, nil
}
