package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/truemoneyx/internal/auth"
)

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", res.Body.String(), err)
	}
	return out
}

func TestTransfersRequireAuth(t *testing.T) {
	s := newStack(t)

	res := do(t, s.router, http.MethodPost, "/v1/transfers", `{"sender":"`+aliceHex+`","recipient":"`+bobHex+`","amount":"1"}`, "")
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if !strings.HasPrefix(body["request_id"].(string), "req_") {
		t.Fatalf("missing request id: %v", body)
	}
	if body["error"].(map[string]any)["code"] != "unauthorized" {
		t.Fatalf("unexpected error body: %v", body)
	}

	res = do(t, s.router, http.MethodPost, "/v1/transfers", `{}`, "wrong")
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	s := newStack(t)
	res := do(t, s.router, http.MethodGet, "/healthz", "", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestTransferEndpointFlow(t *testing.T) {
	s := newStack(t)

	res := do(t, s.router, http.MethodPost, "/v1/transfers", `{"sender":"`+aliceHex+`","recipient":"`+bobHex+`","amount":"2.5","external_transaction_id":"tx-http"}`, devToken)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody(t, res)
	if body["status"] != "confirmed" || body["external_transaction_id"] != "tx-http" {
		t.Fatalf("unexpected body: %v", body)
	}
	receiptID := body["receipt_id"].(string)

	res = do(t, s.router, http.MethodGet, "/v1/transfers/tx-http", "", devToken)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	intent := decodeBody(t, res)
	if intent["status"] != "confirmed" || intent["next_action"] != "return_final" || intent["amount"] != "2.5" {
		t.Fatalf("unexpected intent: %v", intent)
	}

	res = do(t, s.router, http.MethodGet, "/v1/verify/"+receiptID, "", devToken)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if decodeBody(t, res)["valid"] != true {
		t.Fatalf("receipt should verify: %s", res.Body.String())
	}

	res = do(t, s.router, http.MethodGet, "/v1/balances/"+bobHex, "", devToken)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if decodeBody(t, res)["tokens"] != "2.5" {
		t.Fatalf("unexpected balance: %s", res.Body.String())
	}
}

func TestTransferEndpointDenied(t *testing.T) {
	s := newStack(t)

	res := do(t, s.router, http.MethodPost, "/v1/transfers", `{"sender":"`+aliceHex+`","recipient":"`+carolHex+`","amount":"1"}`, devToken)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.Code, res.Body.String())
	}
	errBody := decodeBody(t, res)["error"].(map[string]any)
	if errBody["code"] != "risk_denied" {
		t.Fatalf("unexpected error: %v", errBody)
	}
	details, ok := errBody["details"].(map[string]any)
	if !ok || details["outcome"] != "risk_denied" || details["receipt_id"] == "" {
		t.Fatalf("expected failure details, got %v", errBody["details"])
	}
}

func TestTransferEndpointRejectsBadInput(t *testing.T) {
	s := newStack(t)

	cases := []struct {
		body string
		code string
	}{
		{`{"sender":`, "invalid_json"},
		{`{"sender":"` + aliceHex + `","recipient":"` + bobHex + `","amount":"1","extra":true}`, "invalid_json"},
		{`{"sender":"nope","recipient":"` + bobHex + `","amount":"1"}`, "validation_failed"},
		{`{"kind":"unstake","sender":"` + aliceHex + `","recipient":"` + bobHex + `","amount":"1"}`, "validation_failed"},
	}
	for _, tc := range cases {
		res := do(t, s.router, http.MethodPost, "/v1/transfers", tc.body, devToken)
		if res.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.body, res.Code)
		}
		if got := decodeBody(t, res)["error"].(map[string]any)["code"]; got != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.body, tc.code, got)
		}
	}
}

func TestWalletBoundToken(t *testing.T) {
	s := newStack(t)
	secret := []byte("jwt-secret")
	h := &Handler{Auth: auth.New("", string(secret)), Service: s.service}
	router := NewRouter(h)

	token, err := auth.IssueToken(secret, "truemoneyx", "user-1", bobHex, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	res := do(t, router, http.MethodPost, "/v1/transfers", `{"sender":"`+aliceHex+`","recipient":"`+bobHex+`","amount":"1"}`, token)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign wallet, got %d", res.Code)
	}
	if got := decodeBody(t, res)["error"].(map[string]any)["code"]; got != "forbidden" {
		t.Fatalf("unexpected code %v", got)
	}
}

func TestStakeUnstakeAndApprovalEndpoints(t *testing.T) {
	s := newStack(t)

	res := do(t, s.router, http.MethodPost, "/v1/stake", `{"sender":"`+aliceHex+`","amount":"3"}`, devToken)
	if res.Code != http.StatusOK {
		t.Fatalf("stake: %d %s", res.Code, res.Body.String())
	}
	if decodeBody(t, res)["status"] != "success" {
		t.Fatalf("unexpected stake result: %s", res.Body.String())
	}

	res = do(t, s.router, http.MethodPost, "/v1/unstake", `{"sender":"`+aliceHex+`","amount":"1"}`, devToken)
	if res.Code != http.StatusOK {
		t.Fatalf("unstake: %d %s", res.Code, res.Body.String())
	}

	res = do(t, s.router, http.MethodGet, "/v1/contract/balance", "", devToken)
	if decodeBody(t, res)["balance"] != "2" {
		t.Fatalf("unexpected contract balance: %s", res.Body.String())
	}

	res = do(t, s.router, http.MethodPost, "/v1/approvals", `{"owner":"`+aliceHex+`","spender":"`+bobHex+`","amount":"4"}`, devToken)
	if res.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", res.Code, res.Body.String())
	}
	res = do(t, s.router, http.MethodGet, "/v1/allowances/"+aliceHex+"/"+bobHex, "", devToken)
	if decodeBody(t, res)["allowance"] != "4" {
		t.Fatalf("unexpected allowance: %s", res.Body.String())
	}
}

func TestNotFoundEndpoints(t *testing.T) {
	s := newStack(t)

	for _, path := range []string{
		"/v1/transfers/tx-missing",
		"/v1/verify/sha256:missing",
		"/v1/assessments/0x" + strings.Repeat("ab", 32),
	} {
		res := do(t, s.router, http.MethodGet, path, "", devToken)
		if res.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, res.Code)
		}
	}
}
