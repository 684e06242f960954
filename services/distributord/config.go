package distributord

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for distributord.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Chain         ChainConfig       `yaml:"chain"`
	Thresholds    ThresholdConfig   `yaml:"thresholds"`
	Rewards       map[string]string `yaml:"rewards"`
	Rebalance     RebalanceConfig   `yaml:"rebalance"`
	Retry         RetryConfig       `yaml:"retry"`
	Storage       StorageConfig     `yaml:"storage"`
	API           APIConfig         `yaml:"api"`
	Admin         AdminConfig       `yaml:"admin"`
}

// ChainConfig describes the chain endpoint, the hot wallet key, and the
// contracts the daemon interacts with.
type ChainConfig struct {
	RPCURL         string   `yaml:"rpc_url"`
	ChainID        int64    `yaml:"chain_id"`
	PrivateKey     string   `yaml:"private_key"`
	PrivateKeyEnv  string   `yaml:"private_key_env"`
	PrivateKeyFile string   `yaml:"private_key_file"`
	TokenAddress   string   `yaml:"token"`
	RouterAddress  string   `yaml:"router"`
	WETHAddress    string   `yaml:"weth"`
	Confirmations  int      `yaml:"confirmations"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// ThresholdConfig holds the balance targets steering rebalancing. Amounts are
// decimal strings in whole token/ETH units.
type ThresholdConfig struct {
	MinTokenBalance string  `yaml:"min_token_balance"`
	TargetReserve   string  `yaml:"target_eth_reserve"`
	MinReserve      string  `yaml:"min_eth_reserve"`
	GasBuffer       float64 `yaml:"gas_buffer"`
	GasLimit        uint64  `yaml:"gas_limit"`
}

// RebalanceConfig tunes the swap legs and the periodic reserve check.
type RebalanceConfig struct {
	Interval    Duration `yaml:"interval"`
	SlippageBps int64    `yaml:"slippage_bps"`
	MarginBps   int64    `yaml:"margin_bps"`
	Deadline    Duration `yaml:"deadline"`
}

// RetryConfig bounds payment retries per recipient.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// StorageConfig points at the optional SQLite journal. An empty path keeps the
// ledger memory-only.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig throttles the public reward API.
type APIConfig struct {
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

// AdminConfig captures security settings for the admin endpoints.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
	AllowMTLS       bool   `yaml:"allow_mtls"`
}

// Limits is the parsed, wei-scale view of ThresholdConfig.
type Limits struct {
	MinTokenBalance *big.Int
	TargetReserve   *big.Int
	MinReserve      *big.Int
	GasBufferBps    int64
	GasLimit        uint64
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain wallet: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Thresholds.MinTokenBalance == "" {
		cfg.Thresholds.MinTokenBalance = "5000"
	}
	if cfg.Thresholds.TargetReserve == "" {
		cfg.Thresholds.TargetReserve = "0.02"
	}
	if cfg.Thresholds.MinReserve == "" {
		cfg.Thresholds.MinReserve = "0.005"
	}
	if cfg.Thresholds.GasBuffer == 0 {
		cfg.Thresholds.GasBuffer = 1.2
	}
	if cfg.Thresholds.GasLimit == 0 {
		cfg.Thresholds.GasLimit = 100000
	}
	if cfg.Rewards == nil {
		cfg.Rewards = map[string]string{
			"newHighScore":   "1",
			"completeRound":  "0.001",
			"newRoundRecord": "0.01",
			"bossDefeated":   "0.005",
			"perfectRound":   "0.002",
		}
	}
	if cfg.Rebalance.Interval.Duration == 0 {
		cfg.Rebalance.Interval.Duration = 5 * time.Minute
	}
	if cfg.Rebalance.SlippageBps == 0 {
		cfg.Rebalance.SlippageBps = 500
	}
	if cfg.Rebalance.MarginBps == 0 {
		cfg.Rebalance.MarginBps = 1000
	}
	if cfg.Rebalance.Deadline.Duration == 0 {
		cfg.Rebalance.Deadline.Duration = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 8
	}
	if cfg.Retry.BaseBackoff.Duration == 0 {
		cfg.Retry.BaseBackoff.Duration = 30 * time.Second
	}
	if cfg.Retry.MaxBackoff.Duration == 0 {
		cfg.Retry.MaxBackoff.Duration = 10 * time.Minute
	}
	if cfg.Chain.Confirmations <= 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 3 * time.Second
	}
	if cfg.API.RatePerMinute == 0 {
		cfg.API.RatePerMinute = 120
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 20
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	for name, addr := range map[string]string{
		"token":  cfg.Chain.TokenAddress,
		"router": cfg.Chain.RouterAddress,
		"weth":   cfg.Chain.WETHAddress,
	} {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return fmt.Errorf("chain %s must be a hex address", name)
		}
	}
	if cfg.Thresholds.GasBuffer <= 1.0 {
		return fmt.Errorf("thresholds gas_buffer must exceed 1.0")
	}
	if _, err := cfg.Thresholds.Parse(); err != nil {
		return err
	}
	for kind, amount := range cfg.Rewards {
		parsed, err := parseDecimal(amount)
		if err != nil {
			return fmt.Errorf("reward %s: %w", kind, err)
		}
		if parsed.Sign() <= 0 {
			return fmt.Errorf("reward %s must be positive", kind)
		}
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.AllowMTLS {
		return fmt.Errorf("configure either bearer_token or mTLS for admin authentication")
	}
	return nil
}

// Parse converts the decimal threshold strings into wei-scale limits.
func (t ThresholdConfig) Parse() (Limits, error) {
	minToken, err := parseDecimal(t.MinTokenBalance)
	if err != nil {
		return Limits{}, fmt.Errorf("thresholds min_token_balance: %w", err)
	}
	target, err := parseDecimal(t.TargetReserve)
	if err != nil {
		return Limits{}, fmt.Errorf("thresholds target_eth_reserve: %w", err)
	}
	minReserve, err := parseDecimal(t.MinReserve)
	if err != nil {
		return Limits{}, fmt.Errorf("thresholds min_eth_reserve: %w", err)
	}
	return Limits{
		MinTokenBalance: minToken,
		TargetReserve:   target,
		MinReserve:      minReserve,
		GasBufferBps:    int64(t.GasBuffer * 10000),
		GasLimit:        t.GasLimit,
	}, nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.PrivateKey = strings.TrimSpace(c.PrivateKey)
	c.PrivateKeyEnv = strings.TrimSpace(c.PrivateKeyEnv)
	c.PrivateKeyFile = strings.TrimSpace(c.PrivateKeyFile)
	if c.PrivateKey != "" {
		return nil
	}
	switch {
	case c.PrivateKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.PrivateKeyEnv))
		if value == "" {
			return fmt.Errorf("private_key_env %s is empty", c.PrivateKeyEnv)
		}
		c.PrivateKey = value
	case c.PrivateKeyFile != "":
		contents, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read private_key_file: %w", err)
		}
		c.PrivateKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("private_key is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
