// Command krnl-devnode serves krnl_executeKernels for local development. It
// scores transfers with a YAML risk policy and signs authorizations with a
// configured secp256k1 key, so a gateway can run without the real kernel.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/truemoneyx/internal/config"
	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/internal/kernel"
	"github.com/davidahmann/truemoneyx/internal/policy"
	"github.com/davidahmann/truemoneyx/internal/risk"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const defaultPolicyPath = "policies/risk.yaml"

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe); err != nil {
		fatalf("devnode error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf
var logOutput io.Writer = os.Stderr

type listenFn func(*http.Server) error

func run(args []string, getenv func(string) string, listen listenFn) error {
	fs := flag.NewFlagSet("krnl-devnode", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to truemoneyx config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg config.Config
	if path := firstNonEmpty(*configPath, getenv("TRUEMONEYX_CONFIG_PATH")); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return err
	}
	if key := getenv("KRNL_ATTESTER_KEY"); key != "" {
		cfg.DevNode.AttesterKey = key
	}

	logger := slog.New(slog.NewTextHandler(logOutput, nil))
	attester, err := newAttester(cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.DevNode.ListenAddr,
		Handler:           attester.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("krnl-devnode listening",
		slog.String("addr", server.Addr),
		slog.String("attester", ethcrypto.PubkeyToAddress(attester.Key.PublicKey).Hex()),
		slog.String("kernel_id", attester.KernelID.String()))
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newAttester(cfg config.Config, logger *slog.Logger) (*kernel.Attester, error) {
	switch {
	case cfg.DevNode.AttesterKey == "":
		return nil, fmt.Errorf("devnode.attester_key is required")
	case cfg.Kernel.EntryID == "" || cfg.Kernel.AccessToken == "":
		return nil, fmt.Errorf("kernel.entry_id and kernel.access_token are required")
	case cfg.Kernel.KernelID == 0:
		return nil, fmt.Errorf("kernel.kernel_id is required")
	case !common.IsHexAddress(cfg.Contract.Address):
		return nil, fmt.Errorf("contract.address is not a hex address: %q", cfg.Contract.Address)
	}

	key, err := crypto.LoadSecp256k1PrivateKey(cfg.DevNode.AttesterKey)
	if err != nil {
		return nil, fmt.Errorf("devnode.attester_key: %w", err)
	}
	loaded, err := policy.LoadPolicy(firstNonEmpty(cfg.DevNode.PolicyPath, defaultPolicyPath))
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	var levels kernel.LevelSource
	if cfg.RiskAPI.BaseURL != "" {
		levels = risk.New(cfg.RiskAPI.BaseURL, cfg.RiskAPI.Token, cfg.RiskAPI.Timeout)
	} else {
		logger.Warn("risk_api.base_url not set; every wallet scores as Low")
		levels = kernel.StaticLevels{Default: "Low"}
	}

	return &kernel.Attester{
		Key:         key,
		Gate:        common.HexToAddress(cfg.Contract.Address),
		KernelID:    new(big.Int).SetUint64(cfg.Kernel.KernelID),
		EntryID:     cfg.Kernel.EntryID,
		AccessToken: cfg.Kernel.AccessToken,
		Scorer:      &kernel.PolicyScorer{Levels: levels, Policy: loaded.Policy, PolicyHash: loaded.Hash},
		PolicyHash:  loaded.Hash,
		Logger:      logger.With(slog.String("component", "attester")),
	}, nil
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
