package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/pkg/types"
)

// Client submits attestation requests to one kernel endpoint. It holds no
// per-request state and is safe for concurrent use.
type Client struct {
	URL         string
	EntryID     string
	AccessToken string
	HTTPClient  *http.Client

	nextID atomic.Uint64
}

func NewClient(url, entryID, accessToken string, timeout time.Duration) *Client {
	return &Client{
		URL:         url,
		EntryID:     entryID,
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

// ExecuteInput overrides the client's credentials for one call.
type ExecuteInput struct {
	EntryID        string
	AccessToken    string
	Request        types.AttestationRequest
	FunctionParams []byte
}

// Submit runs the kernels for req with the client's credentials.
func (c *Client) Submit(ctx context.Context, req types.AttestationRequest, encodedParams []byte) (types.AuthorizationBundle, error) {
	return c.Execute(ctx, ExecuteInput{
		EntryID:        c.EntryID,
		AccessToken:    c.AccessToken,
		Request:        req,
		FunctionParams: encodedParams,
	})
}

// Execute performs exactly one krnl_executeKernels round trip. Transport,
// HTTP and JSON-RPC errors are KernelUnavailable; a result without all three
// bundle parts is KernelResponseMalformed.
func (c *Client) Execute(ctx context.Context, in ExecuteInput) (types.AuthorizationBundle, error) {
	params, err := json.Marshal(ExecuteParams{
		EntryID:        in.EntryID,
		AccessToken:    in.AccessToken,
		RequestBody:    in.Request,
		FunctionParams: in.FunctionParams,
	})
	if err != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindValidation, "encode kernel request", err)
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      json.RawMessage(id),
		Method:  MethodExecuteKernels,
		Params:  []json.RawMessage{params},
	})
	if err != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindValidation, "encode kernel request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindKernelUnavailable, "kernel request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindKernelUnavailable, "kernel unavailable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindKernelUnavailable, "read kernel response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindKernelUnavailable, "kernel unavailable",
			fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindKernelResponseMalformed, "kernel response is not json-rpc", err)
	}
	if envelope.Error != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindKernelUnavailable, "kernel error",
			fmt.Errorf("code %d: %w", envelope.Error.Code, envelope.Error))
	}
	return decodeBundle(envelope.Result)
}

func decodeBundle(raw json.RawMessage) (types.AuthorizationBundle, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return types.AuthorizationBundle{}, failure.New(failure.KindKernelResponseMalformed, "kernel response has no result")
	}
	var result executeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return types.AuthorizationBundle{}, failure.Wrap(failure.KindKernelResponseMalformed, "kernel result", err)
	}
	switch {
	case result.Auth == nil || len(*result.Auth) == 0:
		return types.AuthorizationBundle{}, failure.New(failure.KindKernelResponseMalformed, "kernel result is missing auth")
	case result.KernelResponses == nil || len(*result.KernelResponses) == 0:
		return types.AuthorizationBundle{}, failure.New(failure.KindKernelResponseMalformed, "kernel result is missing kernel_responses")
	case result.KernelParams == nil || len(*result.KernelParams) == 0:
		return types.AuthorizationBundle{}, failure.New(failure.KindKernelResponseMalformed, "kernel result is missing kernel_params")
	}
	return types.AuthorizationBundle{
		Auth:            *result.Auth,
		KernelResponses: *result.KernelResponses,
		KernelParams:    *result.KernelParams,
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
