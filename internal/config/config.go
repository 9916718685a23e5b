package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	ChainLocal    = "local"
	ChainEthereum = "ethereum"
)

type Config struct {
	ListenAddr  string            `yaml:"listen_addr"`
	LogLevel    string            `yaml:"log_level"`
	Kernel      KernelConfig      `yaml:"kernel"`
	Contract    ContractConfig    `yaml:"contract"`
	Chain       ChainConfig       `yaml:"chain"`
	RiskAPI     RiskAPIConfig     `yaml:"risk_api"`
	DB          DBConfig          `yaml:"db"`
	SigningKey  SigningKeyConfig  `yaml:"signing_key"`
	Auth        AuthConfig        `yaml:"auth"`
	Attestation AttestationConfig `yaml:"attestation"`
	DevNode     DevNodeConfig     `yaml:"devnode"`
}

type KernelConfig struct {
	RPCURL      string        `yaml:"rpc_url"`
	EntryID     string        `yaml:"entry_id"`
	AccessToken string        `yaml:"access_token"`
	KernelID    uint64        `yaml:"kernel_id"`
	Timeout     time.Duration `yaml:"timeout"`
}

type ContractConfig struct {
	Address          string   `yaml:"address"`
	AttesterAddress  string   `yaml:"attester_address"`
	ReplayProtection bool     `yaml:"replay_protection"`
	MaxRiskScore     uint64   `yaml:"max_risk_score"`
	DeniedRiskLevels []string `yaml:"denied_risk_levels"`
}

type ChainConfig struct {
	Mode       string           `yaml:"mode"`
	RPCURL     string           `yaml:"rpc_url"`
	PrivateKey string           `yaml:"private_key"`
	Genesis    []GenesisAccount `yaml:"genesis"`
}

// GenesisAccount seeds the local chain. Amounts are decimal token units.
type GenesisAccount struct {
	Address string `yaml:"address"`
	Tokens  string `yaml:"tokens"`
	Native  string `yaml:"native"`
}

type RiskAPIConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout"`
	BulkLimit       int           `yaml:"bulk_limit"`
	BulkConcurrency int           `yaml:"bulk_concurrency"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type AuthConfig struct {
	DevToken  string `yaml:"dev_token"`
	JWTSecret string `yaml:"jwt_secret"`
}

// AttestationConfig is the fixed demonstration metadata embedded in every
// attestation request body.
type AttestationConfig struct {
	CustomerID      string `yaml:"customer_id"`
	Currency        string `yaml:"currency"`
	OriginatorName  string `yaml:"originator_name"`
	BeneficiaryName string `yaml:"beneficiary_name"`
	Country         string `yaml:"country"`
	NetworkFee      string `yaml:"network_fee"`
	ServiceFee      string `yaml:"service_fee"`
}

type DevNodeConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	AttesterKey string `yaml:"attester_key"`
	PolicyPath  string `yaml:"policy_path"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overrides the required protocol settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString(&c.Kernel.RPCURL, getenv("KRNL_RPC_URL"))
	setString(&c.Kernel.EntryID, getenv("KRNL_ENTRY_ID"))
	setString(&c.Kernel.AccessToken, getenv("KRNL_ACCESS_TOKEN"))
	setString(&c.Contract.Address, getenv("TMX_CONTRACT_ADDRESS"))
	setString(&c.RiskAPI.BaseURL, getenv("RISK_API_BASE_URL"))
	setString(&c.RiskAPI.Token, getenv("RISK_API_TOKEN"))
	setString(&c.Chain.PrivateKey, getenv("TMX_CHAIN_PRIVATE_KEY"))
	setString(&c.Auth.DevToken, getenv("TMX_DEV_TOKEN"))
	if raw := getenv("KRNL_KERNEL_ID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("KRNL_KERNEL_ID: %w", err)
		}
		c.Kernel.KernelID = id
	}
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Chain.Mode == "" {
		c.Chain.Mode = ChainLocal
	}
	if c.Kernel.Timeout == 0 {
		c.Kernel.Timeout = 60 * time.Second
	}
	if c.RiskAPI.Timeout == 0 {
		c.RiskAPI.Timeout = 15 * time.Second
	}
	if c.RiskAPI.BulkLimit == 0 {
		c.RiskAPI.BulkLimit = 50
	}
	if c.RiskAPI.BulkConcurrency == 0 {
		c.RiskAPI.BulkConcurrency = 5
	}
	if c.Attestation.CustomerID == "" {
		c.Attestation.CustomerID = "truemoneyx-demo-customer"
	}
	if c.Attestation.Currency == "" {
		c.Attestation.Currency = "TMX"
	}
	if c.Attestation.Country == "" {
		c.Attestation.Country = "TH"
	}
	if c.SigningKey.KeyID == "" {
		c.SigningKey.KeyID = "dev"
	}
	if c.DevNode.ListenAddr == "" {
		c.DevNode.ListenAddr = ":8545"
	}
}

func (c Config) Validate() error {
	if c.Kernel.RPCURL == "" {
		return fmt.Errorf("kernel.rpc_url is required")
	}
	if c.Kernel.EntryID == "" {
		return fmt.Errorf("kernel.entry_id is required")
	}
	if c.Kernel.AccessToken == "" {
		return fmt.Errorf("kernel.access_token is required")
	}
	if c.Kernel.KernelID == 0 {
		return fmt.Errorf("kernel.kernel_id is required")
	}
	if c.Contract.Address == "" {
		return fmt.Errorf("contract.address is required")
	}
	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("contract.address is not a hex address: %q", c.Contract.Address)
	}
	if c.RiskAPI.BaseURL == "" {
		return fmt.Errorf("risk_api.base_url is required")
	}
	if c.RiskAPI.Token == "" {
		return fmt.Errorf("risk_api.token is required")
	}

	switch c.Chain.Mode {
	case ChainLocal:
		if c.Contract.AttesterAddress == "" || !common.IsHexAddress(c.Contract.AttesterAddress) {
			return fmt.Errorf("contract.attester_address is required for chain.mode=local")
		}
	case ChainEthereum:
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required when chain.mode=ethereum")
		}
		if c.Chain.PrivateKey == "" {
			return fmt.Errorf("chain.private_key is required when chain.mode=ethereum")
		}
	default:
		return fmt.Errorf("unsupported chain.mode: %q", c.Chain.Mode)
	}

	for _, acct := range c.Chain.Genesis {
		if !common.IsHexAddress(acct.Address) {
			return fmt.Errorf("chain.genesis address is not a hex address: %q", acct.Address)
		}
	}

	if c.DB.Driver != "" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.driver is set")
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
