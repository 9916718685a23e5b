package kernel

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/davidahmann/truemoneyx/internal/attest"
	"github.com/davidahmann/truemoneyx/internal/decision"
	"github.com/davidahmann/truemoneyx/internal/krnl"
	"github.com/davidahmann/truemoneyx/internal/policy"
	"github.com/davidahmann/truemoneyx/internal/risk"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

// Scorer produces the policy verdict for one attestation body.
type Scorer interface {
	Score(ctx context.Context, body types.AttestationBody) (policy.Decision, error)
}

// Attester is a development stand-in for the kernel service. It scores the
// compliance kernel payload and signs an authorization for the function
// params, which must encode the same transfer as the scored payload.
type Attester struct {
	Key         *ecdsa.PrivateKey
	Gate        common.Address
	KernelID    *big.Int
	EntryID     string
	AccessToken string
	Scorer      Scorer
	PolicyHash  string
	Clock       func() time.Time
	Rand        io.Reader
	Logger      *slog.Logger
}

// Routes serves JSON-RPC on POST /.
func (a *Attester) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", a.serveRPC)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (a *Attester) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeRPC(w, nil, nil, &RPCError{Code: CodeParseError, Message: "parse error"})
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeRPC(w, req.ID, nil, &RPCError{Code: CodeInvalidRequest, Message: "invalid request"})
		return
	}
	if req.Method != MethodExecuteKernels {
		writeRPC(w, req.ID, nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method})
		return
	}
	if len(req.Params) != 1 {
		writeRPC(w, req.ID, nil, &RPCError{Code: CodeInvalidParams, Message: "expected one parameter"})
		return
	}
	var params ExecuteParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeRPC(w, req.ID, nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()})
		return
	}

	bundle, err := a.Execute(r.Context(), params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: CodeInternal, Message: err.Error()}
		}
		a.logger().Warn("execute kernels failed", slog.Int("code", rpcErr.Code), slog.String("error", rpcErr.Message))
		writeRPC(w, req.ID, nil, rpcErr)
		return
	}
	writeRPC(w, req.ID, map[string]any{
		"auth":             bundle.Auth,
		"kernel_responses": bundle.KernelResponses,
		"kernel_params":    bundle.KernelParams,
	}, nil)
}

// Execute answers one krnl_executeKernels call. A scoring failure is
// reported inside the kernel response, which the gate treats as a denial.
func (a *Attester) Execute(ctx context.Context, params ExecuteParams) (types.AuthorizationBundle, error) {
	if params.EntryID != a.EntryID || params.AccessToken != a.AccessToken {
		return types.AuthorizationBundle{}, &RPCError{Code: CodeUnauthorized, Message: "invalid entry id or access token"}
	}
	req := params.RequestBody
	if !risk.ValidAddress(req.SenderAddress) {
		return types.AuthorizationBundle{}, &RPCError{Code: CodeInvalidParams, Message: "invalid senderAddress"}
	}
	body, ok := req.Body(a.KernelID.String())
	if !ok {
		return types.AuthorizationBundle{}, &RPCError{Code: CodeInvalidParams, Message: "no payload for kernel " + a.KernelID.String()}
	}
	if err := checkFunctionParams(req.SenderAddress, body, params.FunctionParams); err != nil {
		return types.AuthorizationBundle{}, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}

	response := krnl.KernelResponse{KernelID: a.KernelID}
	verdict, err := a.Scorer.Score(ctx, body)
	if err != nil {
		response.Err = err.Error()
	} else {
		record, err := decision.BuildRiskDecision(body, verdict, a.PolicyHash, uint64(a.now().Unix()))
		if err != nil {
			return types.AuthorizationBundle{}, err
		}
		result, err := krnl.EncodeRiskDecision(record)
		if err != nil {
			return types.AuthorizationBundle{}, err
		}
		response.Result = result
		a.logger().Info("risk decision",
			slog.String("external_transaction_id", record.ExternalTransactionID),
			slog.String("status", string(record.Status)),
			slog.String("risk_level", string(record.RiskLevel)),
			slog.Uint64("risk_score", record.RiskScore),
			slog.String("rule", verdict.MatchedRuleID))
	}

	responses, err := krnl.EncodeKernelResponses([]krnl.KernelResponse{response})
	if err != nil {
		return types.AuthorizationBundle{}, err
	}
	digest, err := krnl.RequestDigest(req)
	if err != nil {
		return types.AuthorizationBundle{}, err
	}
	kernelParams, err := krnl.EncodeKernelParams(a.KernelID, digest)
	if err != nil {
		return types.AuthorizationBundle{}, err
	}
	var nonce common.Hash
	if _, err := io.ReadFull(a.rand(), nonce[:]); err != nil {
		return types.AuthorizationBundle{}, err
	}
	auth, err := krnl.SignAuth(a.Key, a.Gate, common.HexToAddress(req.SenderAddress), params.FunctionParams, responses, kernelParams, nonce)
	if err != nil {
		return types.AuthorizationBundle{}, err
	}
	return types.AuthorizationBundle{Auth: auth, KernelResponses: responses, KernelParams: kernelParams}, nil
}

// checkFunctionParams decodes the call params by transaction type and
// requires them to carry the parties, amount and id of the scored body.
func checkFunctionParams(sender string, body types.AttestationBody, blob []byte) error {
	if !risk.ValidAddress(body.Originator.WalletAddress) || !risk.ValidAddress(body.Beneficiary.WalletAddress) {
		return errors.New("payload counterparties must be 0x addresses")
	}
	originator := common.HexToAddress(body.Originator.WalletAddress)
	beneficiary := common.HexToAddress(body.Beneficiary.WalletAddress)
	_, units, err := attest.ParseAmount(body.Amount)
	if err != nil {
		return fmt.Errorf("payload amount: %w", err)
	}

	var from, to common.Address
	var amount *big.Int
	switch types.TransferKind(body.TransactionType) {
	case types.TransferDirect:
		from = common.HexToAddress(sender)
		to, amount, err = krnl.DecodeTransferParams(blob)
	case types.TransferFrom:
		from, to, amount, err = krnl.DecodeTransferFromParams(blob)
	case types.TransferUnstake:
		var extID string
		from = common.HexToAddress(sender)
		extID, amount, to, err = krnl.DecodeUnstakeParams(blob)
		if err == nil && extID != body.ExternalTransactionID {
			return errors.New("function params externalTransactionId does not match payload")
		}
	default:
		return fmt.Errorf("unsupported transactionType %q", body.TransactionType)
	}
	if err != nil {
		return fmt.Errorf("decode function params: %w", err)
	}

	switch {
	case from != originator:
		return errors.New("function params originator does not match payload")
	case to != beneficiary:
		return errors.New("function params beneficiary does not match payload")
	case amount.Cmp(units) != 0:
		return errors.New("function params amount does not match payload")
	}
	return nil
}

func (a *Attester) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

func (a *Attester) rand() io.Reader {
	if a.Rand != nil {
		return a.Rand
	}
	return rand.Reader
}

func (a *Attester) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *RPCError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	resp := map[string]any{"jsonrpc": jsonRPCVersion, "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
