// Package kernel is the JSON-RPC boundary to the off-chain kernel service:
// the client that submits attestation requests and a development attester
// that answers them.
package kernel

import (
	"encoding/json"

	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	MethodExecuteKernels = "krnl_executeKernels"
	jsonRPCVersion       = "2.0"
)

// JSON-RPC error codes returned by the attester.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeUnauthorized   = -32001
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// ExecuteParams is the single positional parameter of krnl_executeKernels.
type ExecuteParams struct {
	EntryID        string                   `json:"entryId"`
	AccessToken    string                   `json:"accessToken"`
	RequestBody    types.AttestationRequest `json:"requestBody"`
	FunctionParams hexutil.Bytes            `json:"functionParams"`
}

// executeResult keeps the fields optional so a missing one can be told apart
// from an empty one.
type executeResult struct {
	Auth            *hexutil.Bytes `json:"auth"`
	KernelResponses *hexutil.Bytes `json:"kernel_responses"`
	KernelParams    *hexutil.Bytes `json:"kernel_params"`
}
