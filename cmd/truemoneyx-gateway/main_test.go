package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/truemoneyx/internal/config"
)

const (
	alice    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	attester = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

func init() {
	logOutput = io.Discard
}

func requiredEnv(overrides map[string]string) envFn {
	env := map[string]string{
		"KRNL_RPC_URL":         "http://127.0.0.1:8545",
		"KRNL_ENTRY_ID":        "entry-1",
		"KRNL_ACCESS_TOKEN":    "secret",
		"KRNL_KERNEL_ID":       "1557",
		"TMX_CONTRACT_ADDRESS": contract,
		"RISK_API_BASE_URL":    "http://127.0.0.1:9000",
		"RISK_API_TOKEN":       "risk-token",
	}
	for k, v := range overrides {
		env[k] = v
	}
	return func(key string) string { return env[key] }
}

func validConfig() config.Config {
	cfg := config.Config{
		Kernel:   config.KernelConfig{RPCURL: "http://127.0.0.1:8545", EntryID: "entry-1", AccessToken: "secret", KernelID: 1557},
		Contract: config.ContractConfig{Address: contract, AttesterAddress: attester},
		RiskAPI:  config.RiskAPIConfig{BaseURL: "http://127.0.0.1:9000", Token: "risk-token"},
		Auth:     config.AuthConfig{DevToken: "dev-token"},
		Chain: config.ChainConfig{Genesis: []config.GenesisAccount{
			{Address: alice, Tokens: "100", Native: "1"},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestRunRejectsMissingConfig(t *testing.T) {
	factory := func(config.Config, *slog.Logger) (*http.Server, func(), error) {
		t.Fatalf("factory must not be called with an invalid config")
		return nil, nil, nil
	}
	listen := func(*http.Server) error { return nil }

	err := run(nil, func(string) string { return "" }, listen, factory)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestRunAppliesEnv(t *testing.T) {
	var got config.Config
	factory := func(cfg config.Config, _ *slog.Logger) (*http.Server, func(), error) {
		got = cfg
		return &http.Server{Addr: cfg.ListenAddr}, func() {}, nil
	}
	listen := func(*http.Server) error { return http.ErrServerClosed }

	env := requiredEnv(map[string]string{
		"TMX_LISTEN_ADDR": "127.0.0.1:1234",
		"KRNL_KERNEL_ID":  "42",
		"RISK_API_TOKEN":  "from-env",
		"TMX_DEV_TOKEN":   "dev",
	})
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("contract:\n  attester_address: \""+attester+"\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := run([]string{"--config", path}, env, listen, factory); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ListenAddr != "127.0.0.1:1234" {
		t.Fatalf("expected listen addr from env, got %s", got.ListenAddr)
	}
	if got.Kernel.KernelID != 42 || got.RiskAPI.Token != "from-env" || got.Auth.DevToken != "dev" {
		t.Fatalf("env overrides not applied: %+v", got)
	}
	if got.Chain.Mode != config.ChainLocal {
		t.Fatalf("expected default local chain, got %s", got.Chain.Mode)
	}
}

func TestRunListenError(t *testing.T) {
	listenErr := errors.New("listen failed")
	closed := false
	factory := func(cfg config.Config, _ *slog.Logger) (*http.Server, func(), error) {
		return &http.Server{Addr: cfg.ListenAddr}, func() { closed = true }, nil
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("contract:\n  attester_address: \""+attester+"\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := requiredEnv(map[string]string{"TRUEMONEYX_CONFIG_PATH": path})
	if err := run(nil, env, func(*http.Server) error { return listenErr }, factory); !errors.Is(err, listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
	if !closed {
		t.Fatalf("expected cleanup to run")
	}
}

func TestRunFactoryError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("contract:\n  attester_address: \""+attester+"\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	factory := func(config.Config, *slog.Logger) (*http.Server, func(), error) {
		return nil, nil, errors.New("boom")
	}
	if err := run([]string{"--config", path}, requiredEnv(nil), func(*http.Server) error { return nil }, factory); err == nil {
		t.Fatalf("expected factory error")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger(io.Discard, "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := newLogger(io.Discard, "debug"); err != nil {
		t.Fatalf("debug level: %v", err)
	}
}

func TestNewServerLocalChain(t *testing.T) {
	cfg := validConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, cleanup, err := newServer(cfg, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer cleanup()

	res := httptest.NewRecorder()
	srv.Handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("healthz: %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/balances/"+alice, nil)
	req.Header.Set("Authorization", "Bearer dev-token")
	res = httptest.NewRecorder()
	srv.Handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("balance: %d %s", res.Code, res.Body.String())
	}
	var bal map[string]string
	if err := json.Unmarshal(res.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bal["tokens"] != "100" {
		t.Fatalf("expected genesis balance, got %v", bal)
	}
}

func TestNewServerSQLiteStore(t *testing.T) {
	cfg := validConfig()
	cfg.DB = config.DBConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, cleanup, err := newServer(cfg, logger)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	cleanup()

	// a restart finds existing blocks and skips genesis
	_, cleanup, err = newServer(cfg, logger)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	cleanup()
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, _, err := openStore(config.DBConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestGenesisAccountsRejectsBadAmount(t *testing.T) {
	if _, err := genesisAccounts([]config.GenesisAccount{{Address: alice, Tokens: "-1"}}); err == nil {
		t.Fatalf("expected error for negative tokens")
	}
	accts, err := genesisAccounts([]config.GenesisAccount{{Address: alice, Tokens: "1.5"}})
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if accts[0].Tokens.String() != "1500000000000000000" || accts[0].Native != nil {
		t.Fatalf("unexpected account: %+v", accts[0])
	}
}
