package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/davidahmann/truemoneyx/internal/auth"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

var errWalletMismatch = errors.New("token is bound to a different wallet")

type Handler struct {
	Auth    auth.Authenticator
	Service *TransferService
	RiskAPI http.Handler
	Logger  *slog.Logger
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Kind == types.TransferUnstake {
		h.writeError(w, r, http.StatusBadRequest, "validation_failed", "use /v1/unstake for unstake intents", nil)
		return
	}
	h.runTransfer(w, r, req)
}

type unstakeRequest struct {
	Sender                string `json:"sender"`
	Beneficiary           string `json:"beneficiary"`
	Amount                string `json:"amount"`
	ExternalTransactionID string `json:"external_transaction_id,omitempty"`
}

func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	var req unstakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	beneficiary := req.Beneficiary
	if beneficiary == "" {
		beneficiary = req.Sender
	}
	h.runTransfer(w, r, TransferRequest{
		Kind:                  types.TransferUnstake,
		Sender:                req.Sender,
		Recipient:             beneficiary,
		Amount:                req.Amount,
		ExternalTransactionID: req.ExternalTransactionID,
	})
}

func (h *Handler) runTransfer(w http.ResponseWriter, r *http.Request, req TransferRequest) {
	if !h.ownsWallet(w, r, req.Sender) {
		return
	}
	result, err := h.Service.Transfer(r.Context(), req)
	if err != nil {
		var details any
		if result.ExternalTransactionID != "" {
			details = result
		}
		h.writeFailure(w, r, err, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.Service.Intents.Get(id)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "not_found", "transfer not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, intentView(rec))
}

type approveRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.ownsWallet(w, r, req.Owner) {
		return
	}
	res, err := h.Service.Approve(r.Context(), req.Owner, req.Spender, req.Amount)
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type stakeRequest struct {
	Sender string `json:"sender"`
	Amount string `json:"amount"`
}

func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	var req stakeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.ownsWallet(w, r, req.Sender) {
		return
	}
	res, err := h.Service.Stake(r.Context(), req.Sender, req.Amount)
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Service.Balance(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handler) Allowance(w http.ResponseWriter, r *http.Request) {
	owner, spender := chi.URLParam(r, "owner"), chi.URLParam(r, "spender")
	amount, err := h.Service.Allowance(r.Context(), owner, spender)
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner, "spender": spender, "allowance": amount})
}

func (h *Handler) ContractBalance(w http.ResponseWriter, r *http.Request) {
	amount, err := h.Service.ContractBalance(r.Context())
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": amount})
}

func (h *Handler) Assessment(w http.ResponseWriter, r *http.Request) {
	a, ok, err := h.Service.Assessment(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		h.writeFailure(w, r, err, nil)
		return
	}
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "not_found", "assessment not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	receiptID := chi.URLParam(r, "receipt_id")
	receipt, ok, err := h.Service.VerifyReceipt(receiptID)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "not_found", "receipt not found", nil)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"receipt_id": receiptID,
			"valid":      false,
			"error":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt_id": receiptID,
		"valid":      true,
		"key_id":     receipt.KeyID,
		"receipt":    json.RawMessage(receipt.BodyJSON),
	})
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ownsWallet rejects requests whose token is bound to another wallet.
func (h *Handler) ownsWallet(w http.ResponseWriter, r *http.Request, address string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.Wallet == "" || strings.EqualFold(claims.Wallet, address) {
		return true
	}
	h.writeError(w, r, http.StatusForbidden, "forbidden", errWalletMismatch.Error(), nil)
	return false
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid json: "+err.Error(), nil)
		return false
	}
	return true
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	h.writeError(w, r, status, ErrorCode(err), err.Error(), details)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, _ *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"request_id": NewRequestID(),
		"error":      errorBody{Code: code, Message: message, Details: details},
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func NewRequestID() string {
	return "req_" + uuid.NewString()
}

type IntentView struct {
	ExternalTransactionID string  `json:"external_transaction_id"`
	Kind                  string  `json:"kind"`
	Status                string  `json:"status"`
	Sender                string  `json:"sender"`
	Owner                 *string `json:"owner,omitempty"`
	Recipient             string  `json:"recipient"`
	Amount                string  `json:"amount"`
	TxHash                *string `json:"tx_hash,omitempty"`
	ReceiptID             *string `json:"receipt_id,omitempty"`
	ErrorCode             *string `json:"error_code,omitempty"`
	ErrorMessage          *string `json:"error_message,omitempty"`
	NextAction            string  `json:"next_action"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
}

func intentView(rec ledger.IntentRecord) IntentView {
	return IntentView{
		ExternalTransactionID: rec.ExternalTransactionID,
		Kind:                  rec.Kind,
		Status:                rec.Status,
		Sender:                rec.Sender,
		Owner:                 rec.Owner,
		Recipient:             rec.Recipient,
		Amount:                rec.Amount,
		TxHash:                rec.TxHash,
		ReceiptID:             rec.ReceiptID,
		ErrorCode:             rec.ErrorCode,
		ErrorMessage:          rec.ErrorMessage,
		NextAction:            string(DetermineNextAction(IntentStatus(rec.Status))),
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
