// Package krnl holds the byte-level protocol shared by the kernel attester,
// the kernel client and the contract gate: ABI layouts of the function
// parameters, the kernel responses, the embedded risk decision and the
// attester's authorization.
//
// Every encoding here is deterministic. The gate re-derives the same bytes
// from the call it executes, so any divergence is an authorization mismatch.
package krnl

import (
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	ErrMalformed       = errors.New("malformed kernel payload")
	ErrInvalidSigLen   = errors.New("invalid signature length")
	ErrKernelNotFound  = errors.New("compliance kernel response not found")
	ErrKernelResultErr = errors.New("compliance kernel reported an error")
)

var (
	addressT = mustType("address", nil)
	uint256T = mustType("uint256", nil)
	bytes32T = mustType("bytes32", nil)
	bytesT   = mustType("bytes", nil)
	stringT  = mustType("string", nil)

	kernelResponsesT = mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "kernelId", Type: "uint256"},
		{Name: "result", Type: "bytes"},
		{Name: "err", Type: "string"},
	})
)

var (
	transferArgs     = args(addressT, uint256T)
	transferFromArgs = args(addressT, addressT, uint256T)
	unstakeArgs      = args(stringT, uint256T, addressT)
	authArgs         = args(bytes32T, bytesT)
	authDigestArgs   = args(addressT, addressT, bytes32T, bytes32T, bytes32T, bytes32T)
	kernelParamsArgs = args(uint256T, bytes32T)
	responsesArgs    = args(kernelResponsesT)
	decisionArgs     = args(stringT, stringT, stringT, stringT, stringT, uint256T, stringT, uint256T, uint256T)
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

func args(types ...abi.Type) abi.Arguments {
	out := make(abi.Arguments, len(types))
	for i, t := range types {
		out[i] = abi.Argument{Type: t}
	}
	return out
}
