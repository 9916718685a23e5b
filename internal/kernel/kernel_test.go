package kernel

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidahmann/truemoneyx/internal/attest"
	"github.com/davidahmann/truemoneyx/internal/failure"
	"github.com/davidahmann/truemoneyx/internal/gate"
	"github.com/davidahmann/truemoneyx/internal/krnl"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/internal/policy"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	bob   = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	carol = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
)

var gateAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testPolicy() policy.Policy {
	return policy.Policy{
		PolicyID:      "risk",
		PolicyVersion: "1",
		Defaults:      policy.PolicyDefaults{Status: "approved", RiskLevel: "Low", RiskScore: 15},
		Levels:        map[string]uint64{"Low": 15, "High": 85},
		Rules: []policy.PolicyRule{
			{ID: "high", Match: policy.PolicyMatch{RiskLevel: "High"}, Effect: policy.PolicyEffect{Status: "rejected", Reason: "high risk counterparty"}},
		},
	}
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, types.AttestationBody) (policy.Decision, error) {
	return policy.Decision{}, errors.New("risk api down")
}

type harness struct {
	attester *Attester
	client   *Client
	builder  *attest.Builder
	contract *gate.Contract
}

func newHarness(t *testing.T, scorer Scorer) *harness {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	a := &Attester{
		Key:         key,
		Gate:        gateAddr,
		KernelID:    big.NewInt(1557),
		EntryID:     "entry-1",
		AccessToken: "secret",
		Scorer:      scorer,
		PolicyHash:  "sha256:policy",
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
		Rand:        bytes.NewReader(bytes.Repeat([]byte{9}, 64)),
	}
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(srv.Close)

	return &harness{
		attester: a,
		client:   NewClient(srv.URL, "entry-1", "secret", 5*time.Second),
		builder: attest.NewBuilder("1557", attest.Metadata{
			CustomerID: "cust-1",
			Currency:   "TMX",
			Country:    "TH",
		}),
		contract: &gate.Contract{
			Address:  gateAddr,
			Attester: ethcrypto.PubkeyToAddress(key.PublicKey),
			KernelID: big.NewInt(1557),
		},
	}
}

func defaultScorer() *PolicyScorer {
	return &PolicyScorer{
		Levels: StaticLevels{
			ByAddress: map[string]string{"0x90f79bf6eb2c4f870365e785982e1f101e93b906": "High"},
			Default:   "Low",
		},
		Policy:     testPolicy(),
		PolicyHash: "sha256:policy",
	}
}

func execute(t *testing.T, h *harness, bundle types.AuthorizationBundle, built attest.Built) error {
	t.Helper()
	store := ledger.NewInMemoryStore()
	require.NoError(t, store.WithTx(func(tx ledger.Tx) error {
		return tx.SetBalance(built.Intent.Sender, big.NewInt(1e18))
	}))
	return store.WithTx(func(tx ledger.Tx) error {
		return h.contract.TransferWithKRNL(tx, gate.Call{Sender: built.Intent.Sender, Timestamp: 1}, built.Intent.Recipient, built.Intent.AmountUnits, bundle)
	})
}

func TestSubmitApprovedBundlePassesGate(t *testing.T) {
	h := newHarness(t, defaultScorer())
	built, err := h.builder.Build(attest.Input{Sender: alice, Recipient: bob, Amount: "0.5"})
	require.NoError(t, err)

	bundle, err := h.client.Submit(context.Background(), built.Request, built.EncodedParams)
	require.NoError(t, err)
	require.True(t, bundle.Complete())

	responses, err := krnl.DecodeKernelResponses(bundle.KernelResponses)
	require.NoError(t, err)
	d, err := krnl.FindDecision(responses, big.NewInt(1557))
	require.NoError(t, err)
	assert.Equal(t, types.RiskApproved, d.Status)
	assert.Equal(t, built.Intent.ExternalTransactionID, d.ExternalTransactionID)
	assert.Equal(t, uint64(1700000000), d.CreatedAt)

	kernelID, digest, err := krnl.DecodeKernelParams(bundle.KernelParams)
	require.NoError(t, err)
	assert.Equal(t, int64(1557), kernelID.Int64())
	want, err := krnl.RequestDigest(built.Request)
	require.NoError(t, err)
	assert.Equal(t, want, digest)

	require.NoError(t, execute(t, h, bundle, built))
}

func TestSubmitRejectedBundleIsDenied(t *testing.T) {
	h := newHarness(t, defaultScorer())
	built, err := h.builder.Build(attest.Input{Sender: alice, Recipient: carol, Amount: "1"})
	require.NoError(t, err)

	bundle, err := h.client.Submit(context.Background(), built.Request, built.EncodedParams)
	require.NoError(t, err)

	err = execute(t, h, bundle, built)
	assert.True(t, failure.Is(err, failure.KindRiskDenied))
	assert.Equal(t, "Transfer denied due to risk assessment: high risk counterparty", gate.RevertString(err))
}

func TestScorerFailureIsCarriedInKernelResponse(t *testing.T) {
	h := newHarness(t, failingScorer{})
	built, err := h.builder.Build(attest.Input{Sender: alice, Recipient: bob, Amount: "1"})
	require.NoError(t, err)

	bundle, err := h.client.Submit(context.Background(), built.Request, built.EncodedParams)
	require.NoError(t, err)
	responses, err := krnl.DecodeKernelResponses(bundle.KernelResponses)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "risk api down", responses[0].Err)

	err = execute(t, h, bundle, built)
	assert.True(t, failure.Is(err, failure.KindRiskDenied))
}

func TestExecuteRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, defaultScorer())
	built, err := h.builder.Build(attest.Input{Sender: alice, Recipient: bob, Amount: "1"})
	require.NoError(t, err)

	_, err = h.client.Execute(context.Background(), ExecuteInput{
		EntryID:        "entry-1",
		AccessToken:    "wrong",
		Request:        built.Request,
		FunctionParams: built.EncodedParams,
	})
	assert.True(t, failure.Is(err, failure.KindKernelUnavailable))
	assert.Contains(t, err.Error(), "invalid entry id or access token")
}

func TestExecuteRejectsMissingKernelPayload(t *testing.T) {
	h := newHarness(t, defaultScorer())
	built, err := attest.NewBuilder("42", attest.Metadata{}).Build(attest.Input{Sender: alice, Recipient: bob, Amount: "1"})
	require.NoError(t, err)

	_, err = h.client.Submit(context.Background(), built.Request, built.EncodedParams)
	assert.True(t, failure.Is(err, failure.KindKernelUnavailable))
	assert.Contains(t, err.Error(), "no payload for kernel 1557")
}

func TestClientFailureKinds(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		kind    failure.Kind
	}{
		{
			name: "http error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "bad gateway", http.StatusBadGateway)
			},
			kind: failure.KindKernelUnavailable,
		},
		{
			name: "rpc error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"kernel busy"}}`))
			},
			kind: failure.KindKernelUnavailable,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			kind: failure.KindKernelResponseMalformed,
		},
		{
			name: "missing kernel params",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"auth":"0x01","kernel_responses":"0x02"}}`))
			},
			kind: failure.KindKernelResponseMalformed,
		},
		{
			name: "empty auth",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"auth":"0x","kernel_responses":"0x02","kernel_params":"0x03"}}`))
			},
			kind: failure.KindKernelResponseMalformed,
		},
		{
			name: "bad hex",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"auth":"zz","kernel_responses":"0x02","kernel_params":"0x03"}}`))
			},
			kind: failure.KindKernelResponseMalformed,
		},
		{
			name: "null result",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
			},
			kind: failure.KindKernelResponseMalformed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL, "e", "t", time.Second).Submit(context.Background(), types.AttestationRequest{}, []byte{1})
			require.Error(t, err)
			assert.Equal(t, tc.kind, failure.KindOf(err))
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "e", "t", time.Second).Submit(context.Background(), types.AttestationRequest{}, nil)
	assert.True(t, failure.Is(err, failure.KindKernelUnavailable))
}

func TestClientSendsOneRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "e", "t", time.Second).Submit(context.Background(), types.AttestationRequest{}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteRefusesParamsForAnotherTransfer(t *testing.T) {
	h := newHarness(t, defaultScorer())
	built, err := h.builder.Build(attest.Input{Sender: alice, Recipient: bob, Amount: "1"})
	require.NoError(t, err)
	hundred, _ := new(big.Int).SetString("100000000000000000000", 10)

	direct := func(to common.Address, amount *big.Int) []byte {
		blob, err := krnl.EncodeTransferParams(to, amount)
		require.NoError(t, err)
		return blob
	}
	cases := map[string][]byte{
		"beneficiary": direct(common.HexToAddress(carol), built.Intent.AmountUnits),
		"amount":      direct(built.Intent.Recipient, hundred),
		"both":        direct(common.HexToAddress(carol), hundred),
		"truncated":   built.EncodedParams[:40],
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			bundle, err := h.client.Submit(context.Background(), built.Request, params)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindKernelUnavailable))
			assert.False(t, bundle.Complete())

			_, err = h.attester.Execute(context.Background(), ExecuteParams{
				EntryID:        "entry-1",
				AccessToken:    "secret",
				RequestBody:    built.Request,
				FunctionParams: params,
			})
			var rpcErr *RPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, CodeInvalidParams, rpcErr.Code)
		})
	}
}

func TestExecuteChecksTransferFromOwner(t *testing.T) {
	h := newHarness(t, defaultScorer())
	built, err := h.builder.BuildTransferFrom(attest.Input{Sender: bob, Owner: alice, Recipient: bob, Amount: "2"})
	require.NoError(t, err)

	bundle, err := h.client.Submit(context.Background(), built.Request, built.EncodedParams)
	require.NoError(t, err)
	require.True(t, bundle.Complete())

	forged, err := krnl.EncodeTransferFromParams(common.HexToAddress(carol), built.Intent.Recipient, built.Intent.AmountUnits)
	require.NoError(t, err)
	_, err = h.client.Submit(context.Background(), built.Request, forged)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "originator does not match")
}

func TestExecuteChecksUnstakeExternalID(t *testing.T) {
	h := newHarness(t, defaultScorer())
	built, err := h.builder.BuildUnstake(attest.Input{Sender: alice, Recipient: alice, Amount: "1", ExternalTransactionID: "tx-unstake-1"})
	require.NoError(t, err)

	bundle, err := h.client.Submit(context.Background(), built.Request, built.EncodedParams)
	require.NoError(t, err)
	require.True(t, bundle.Complete())

	forged, err := krnl.EncodeUnstakeParams("tx-unstake-2", built.Intent.AmountUnits, built.Intent.Recipient)
	require.NoError(t, err)
	_, err = h.client.Submit(context.Background(), built.Request, forged)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "externalTransactionId does not match")
}
