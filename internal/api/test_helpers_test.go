package api

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/davidahmann/truemoneyx/internal/attest"
	"github.com/davidahmann/truemoneyx/internal/auth"
	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/internal/gate"
	"github.com/davidahmann/truemoneyx/internal/kernel"
	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/internal/policy"
	"github.com/davidahmann/truemoneyx/internal/relay"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	ownerHex = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	aliceHex = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	bobHex   = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	carolHex = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"

	devToken = "test-token"
)

var gateAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

type stack struct {
	service *TransferService
	store   *ledger.InMemoryStore
	chain   *relay.LocalChain
	router  http.Handler
	kernel  *httptest.Server
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

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

func newStack(t *testing.T) *stack {
	t.Helper()

	attesterKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("attester key: %v", err)
	}
	kernelID := big.NewInt(1557)
	clock := func() time.Time { return time.Unix(1700000000, 0) }

	att := &kernel.Attester{
		Key:         attesterKey,
		Gate:        gateAddr,
		KernelID:    kernelID,
		EntryID:     "entry-1",
		AccessToken: "secret",
		Scorer: &kernel.PolicyScorer{
			Levels: kernel.StaticLevels{
				ByAddress: map[string]string{"0x90f79bf6eb2c4f870365e785982e1f101e93b906": "High"},
				Default:   "Low",
			},
			Policy:     testPolicy(),
			PolicyHash: "sha256:policy",
		},
		PolicyHash: "sha256:policy",
		Clock:      clock,
	}
	srv := httptest.NewServer(att.Routes())
	t.Cleanup(srv.Close)

	contract := &gate.Contract{
		Address:  gateAddr,
		Owner:    common.HexToAddress(ownerHex),
		Attester: ethcrypto.PubkeyToAddress(attesterKey.PublicKey),
		KernelID: kernelID,
	}
	store := ledger.NewInMemoryStore()
	chain := relay.NewLocalChain(store, contract).WithClock(clock)
	if err := chain.Genesis(context.Background(), []relay.GenesisAccount{
		{Address: common.HexToAddress(aliceHex), Tokens: tokens(100), Native: tokens(10)},
	}); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	priv, pub, err := crypto.KeyPairFromSeed(make([]byte, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}

	builder := attest.NewBuilder("1557", attest.Metadata{CustomerID: "cust-1", Currency: "TMX", Country: "TH"})
	builder.Clock = clock

	service, err := NewTransferService(NewTransferServiceInput{
		Builder:   builder,
		Kernel:    kernel.NewClient(srv.URL, "entry-1", "secret", 5*time.Second),
		Chain:     relay.New(chain, nil),
		Store:     store,
		Signer:    crypto.Ed25519Signer{ID: "test", Priv: priv},
		PublicKey: pub,
		KernelID:  kernelID,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	service.Clock = clock

	h := &Handler{Auth: auth.New(devToken, ""), Service: service}
	return &stack{service: service, store: store, chain: chain, router: NewRouter(h), kernel: srv}
}
