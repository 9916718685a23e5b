package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/davidahmann/truemoneyx/internal/api"
	"github.com/davidahmann/truemoneyx/internal/attest"
	"github.com/davidahmann/truemoneyx/internal/auth"
	"github.com/davidahmann/truemoneyx/internal/config"
	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/internal/gate"
	"github.com/davidahmann/truemoneyx/internal/kernel"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/internal/ledger/pgstore"
	"github.com/davidahmann/truemoneyx/internal/ledger/sqlstore"
	"github.com/davidahmann/truemoneyx/internal/relay"
	"github.com/davidahmann/truemoneyx/internal/risk"
	"github.com/davidahmann/truemoneyx/internal/riskproxy"
	"github.com/ethereum/go-ethereum/common"
)

// newServer assembles the gateway from a validated config. The returned
// cleanup closes the store.
func newServer(cfg config.Config, logger *slog.Logger) (*http.Server, func(), error) {
	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	fail := func(err error) (*http.Server, func(), error) {
		closeStore()
		return nil, nil, err
	}

	backend, err := newBackend(cfg, store, logger)
	if err != nil {
		return fail(err)
	}

	signer, pub, err := loadSigner(cfg.SigningKey, logger)
	if err != nil {
		return fail(err)
	}

	kernelID := new(big.Int).SetUint64(cfg.Kernel.KernelID)
	builder := attest.NewBuilder(attest.KernelIDString(cfg.Kernel.KernelID), attest.Metadata{
		CustomerID:      cfg.Attestation.CustomerID,
		Currency:        cfg.Attestation.Currency,
		OriginatorName:  cfg.Attestation.OriginatorName,
		BeneficiaryName: cfg.Attestation.BeneficiaryName,
		Country:         cfg.Attestation.Country,
		NetworkFee:      cfg.Attestation.NetworkFee,
		ServiceFee:      cfg.Attestation.ServiceFee,
	})

	service, err := api.NewTransferService(api.NewTransferServiceInput{
		Builder:   builder,
		Kernel:    kernel.NewClient(cfg.Kernel.RPCURL, cfg.Kernel.EntryID, cfg.Kernel.AccessToken, cfg.Kernel.Timeout),
		Chain:     relay.New(backend, logger.With(slog.String("component", "relay"))),
		Store:     store,
		Signer:    signer,
		PublicKey: pub,
		KernelID:  kernelID,
		Logger:    logger.With(slog.String("component", "transfers")),
	})
	if err != nil {
		return fail(err)
	}

	proxy := &riskproxy.Handler{
		Upstream:        risk.New(cfg.RiskAPI.BaseURL, cfg.RiskAPI.Token, cfg.RiskAPI.Timeout),
		BulkLimit:       cfg.RiskAPI.BulkLimit,
		BulkConcurrency: cfg.RiskAPI.BulkConcurrency,
		Logger:          logger.With(slog.String("component", "riskproxy")),
	}

	h := &api.Handler{
		Auth:    auth.New(cfg.Auth.DevToken, cfg.Auth.JWTSecret),
		Service: service,
		RiskAPI: proxy.Routes(),
		Logger:  logger,
	}
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}, closeStore, nil
}

func openStore(cfg config.DBConfig) (ledger.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := ledger.Migrate(s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported db.driver %q", cfg.Driver)
	}
}

func newBackend(cfg config.Config, store ledger.Store, logger *slog.Logger) (relay.Backend, error) {
	contractAddr := common.HexToAddress(cfg.Contract.Address)

	switch cfg.Chain.Mode {
	case config.ChainEthereum:
		key, err := crypto.LoadSecp256k1PrivateKey(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("chain.private_key: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		eth, err := relay.DialEthChain(ctx, cfg.Chain.RPCURL, contractAddr, key)
		if err != nil {
			return nil, fmt.Errorf("dial chain: %w", err)
		}
		logger.Info("ethereum chain connected", slog.String("signer", eth.Signer().Hex()))
		return eth, nil
	default:
		contract := &gate.Contract{
			Address:          contractAddr,
			Owner:            contractAddr,
			Attester:         common.HexToAddress(cfg.Contract.AttesterAddress),
			KernelID:         new(big.Int).SetUint64(cfg.Kernel.KernelID),
			MaxRiskScore:     cfg.Contract.MaxRiskScore,
			DeniedRiskLevels: cfg.Contract.DeniedRiskLevels,
			ReplayProtection: cfg.Contract.ReplayProtection,
		}
		chain := relay.NewLocalChain(store, contract)
		accounts, err := genesisAccounts(cfg.Chain.Genesis)
		if err != nil {
			return nil, err
		}
		if err := chain.Genesis(context.Background(), accounts); err != nil {
			return nil, fmt.Errorf("genesis: %w", err)
		}
		return chain, nil
	}
}

func genesisAccounts(in []config.GenesisAccount) ([]relay.GenesisAccount, error) {
	out := make([]relay.GenesisAccount, 0, len(in))
	for _, acct := range in {
		g := relay.GenesisAccount{Address: common.HexToAddress(acct.Address)}
		if acct.Tokens != "" {
			_, units, err := attest.ParseAmount(acct.Tokens)
			if err != nil {
				return nil, fmt.Errorf("genesis %s tokens: %w", acct.Address, err)
			}
			g.Tokens = units
		}
		if acct.Native != "" {
			_, units, err := attest.ParseAmount(acct.Native)
			if err != nil {
				return nil, fmt.Errorf("genesis %s native: %w", acct.Address, err)
			}
			g.Native = units
		}
		out = append(out, g)
	}
	return out, nil
}

// loadSigner reads the receipt signing key. Without one configured an
// ephemeral key is generated and receipts only verify for this process.
func loadSigner(cfg config.SigningKeyConfig, logger *slog.Logger) (ledger.Signer, ed25519.PublicKey, error) {
	if cfg.PrivateKeyPath != "" {
		priv, pub, err := crypto.LoadEd25519PrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("signing_key: %w", err)
		}
		return crypto.Ed25519Signer{ID: cfg.KeyID, Priv: priv}, pub, nil
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, err
	}
	priv, pub, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		return nil, nil, err
	}
	logger.Warn("no signing_key.private_key_path configured; using an ephemeral receipt key")
	return crypto.Ed25519Signer{ID: cfg.KeyID, Priv: priv}, pub, nil
}
