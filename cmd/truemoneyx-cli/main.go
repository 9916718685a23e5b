package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/davidahmann/truemoneyx/internal/policy"
	"github.com/shopspring/decimal"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "transfer":
		return handleTransfer(args[2:], stdout, stderr)
	case "balance":
		return handleBalance(args[2:], stdout, stderr)
	case "assessment":
		return handleAssessment(args[2:], stdout, stderr)
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	case "risk":
		return handleRisk(args[2:], stdout, stderr)
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

type clientFlags struct {
	addr  *string
	token *string
	json  *bool
}

func newFlags(name string, stderr io.Writer) (*flag.FlagSet, clientFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs, clientFlags{
		addr:  fs.String("addr", envOrDefault("TMX_ADDR", defaultAddr), "gateway address"),
		token: fs.String("token", envOrDefault("TMX_TOKEN", os.Getenv("TMX_DEV_TOKEN")), "bearer token"),
		json:  fs.Bool("json", false, "print raw JSON response"),
	}
}

// apiError is the gateway's error envelope.
type apiError struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func describeError(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Code == "" {
		return strings.TrimSpace(string(body))
	}
	return fmt.Sprintf("%s: %s (request_id=%s)", e.Error.Code, e.Error.Message, e.RequestID)
}

func handleTransfer(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, cf := newFlags("transfer", stderr)
	from := fs.String("from", "", "sender address")
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "token amount, e.g. 12.5")
	owner := fs.String("owner", "", "owner address for transfer_from")
	id := fs.String("id", "", "external transaction id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if *from == "" || *to == "" || *amount == "" {
		fmt.Fprintln(stderr, "transfer requires --from, --to and --amount")
		fs.Usage()
		return 2
	}
	if d, err := decimal.NewFromString(*amount); err != nil || !d.IsPositive() {
		fmt.Fprintf(stderr, "invalid amount %q\n", *amount)
		return 2
	}

	req := map[string]string{
		"sender":    *from,
		"recipient": *to,
		"amount":    *amount,
	}
	if *owner != "" {
		req["kind"] = "transfer_from"
		req["owner"] = *owner
	}
	if *id != "" {
		req["external_transaction_id"] = *id
	}

	respBody, status, err := httpPostJSON(http.DefaultClient, *cf.addr+"/v1/transfers", *cf.token, req)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if *cf.json {
		_, _ = stdout.Write(respBody)
		if status != http.StatusOK {
			return 1
		}
		return 0
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "transfer failed: %s\n", describeError(respBody))
		return 1
	}

	var payload struct {
		ExternalTransactionID string `json:"external_transaction_id"`
		Status                string `json:"status"`
		TxHash                string `json:"tx_hash"`
		ReceiptID             string `json:"receipt_id"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "status=%s external_transaction_id=%s tx_hash=%s receipt_id=%s\n",
		payload.Status, payload.ExternalTransactionID, payload.TxHash, payload.ReceiptID)
	return 0
}

func handleBalance(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, cf := newFlags("balance", stderr)
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "balance requires <address>")
		fs.Usage()
		return 2
	}

	respBody, status, err := httpGet(http.DefaultClient, *cf.addr+"/v1/balances/"+fs.Arg(0), *cf.token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "balance failed: %s\n", describeError(respBody))
		return 1
	}
	if *cf.json {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var payload struct {
		Address string `json:"address"`
		Tokens  string `json:"tokens"`
		Staked  string `json:"staked"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "address=%s tokens=%s staked=%s\n", payload.Address, payload.Tokens, payload.Staked)
	return 0
}

func handleAssessment(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, cf := newFlags("assessment", stderr)
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "assessment requires <hash>")
		fs.Usage()
		return 2
	}

	respBody, status, err := httpGet(http.DefaultClient, *cf.addr+"/v1/assessments/"+fs.Arg(0), *cf.token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "assessment failed: %s\n", describeError(respBody))
		return 1
	}
	return printJSON(stdout, stderr, respBody)
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, cf := newFlags("verify", stderr)
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify requires <receipt_id>")
		fs.Usage()
		return 2
	}
	receiptID := fs.Arg(0)

	respBody, status, err := httpGet(http.DefaultClient, *cf.addr+"/v1/verify/"+receiptID, *cf.token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if *cf.json {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var payload struct {
		ReceiptID string `json:"receipt_id"`
		Valid     bool   `json:"valid"`
		Error     string `json:"error,omitempty"`
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "verify failed: %s\n", describeError(respBody))
		return 1
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}

	if payload.Valid {
		fmt.Fprintf(stdout, "valid=true receipt_id=%s\n", payload.ReceiptID)
		return 0
	}
	fmt.Fprintf(stdout, "valid=false receipt_id=%s error=%s\n", payload.ReceiptID, payload.Error)
	return 1
}

func handleRisk(args []string, stdout io.Writer, stderr io.Writer) int {
	fs, cf := newFlags("risk", stderr)
	register := fs.Bool("register", false, "register the address instead of looking it up")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "risk requires <address> [address...]")
		fs.Usage()
		return 2
	}

	var (
		respBody []byte
		status   int
		err      error
	)
	switch {
	case fs.NArg() > 1:
		respBody, status, err = httpPostJSON(http.DefaultClient, *cf.addr+"/api/wallet/analyze/bulk", *cf.token,
			map[string][]string{"addresses": fs.Args()})
	case *register:
		respBody, status, err = httpPostJSON(http.DefaultClient, *cf.addr+"/api/risk/v2/entities", *cf.token,
			map[string]string{"address": fs.Arg(0)})
	default:
		respBody, status, err = httpGet(http.DefaultClient, *cf.addr+"/api/risk/v2/entities/"+fs.Arg(0), *cf.token)
	}
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "risk failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	return printJSON(stdout, stderr, respBody)
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("policy lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <policy_path>")
			fs.Usage()
			return 2
		}
		loaded, err := policy.LoadPolicy(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok policy_id=%s rules=%d policy_hash=%s\n", loaded.Policy.PolicyID, len(loaded.Policy.Rules), loaded.Hash)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func printJSON(stdout io.Writer, stderr io.Writer, body []byte) int {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	out.WriteByte('\n')
	_, _ = stdout.Write(out.Bytes())
	return 0
}

func httpGet(client *http.Client, url string, token string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	return do(client, req, token)
}

func httpPostJSON(client *http.Client, url string, token string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, req, token)
}

func do(client *http.Client, req *http.Request, token string) ([]byte, int, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `TrueMoneyX CLI

Usage:
  truemoneyx transfer --from ADDR --to ADDR --amount N [--owner ADDR] [--id TX_ID] [--addr URL] [--token TOKEN] [--json]
  truemoneyx balance <address> [--addr URL] [--token TOKEN] [--json]
  truemoneyx assessment <hash> [--addr URL] [--token TOKEN]
  truemoneyx verify <receipt_id> [--addr URL] [--json] [--token TOKEN]
  truemoneyx risk <address> [address...] [--register] [--addr URL]
  truemoneyx policy lint <policy_path>
`)
}
