// Package config loads payledger settings from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variables holding secrets.
const (
	EnvTonCenterAPIKey = "TONCENTER_API_KEY"
	EnvStorageDSN      = "PAYLEDGER_STORAGE_DSN"
)

const (
	defaultListenAddr   = ":8080"
	defaultBackend      = "wal"
	defaultStorageDir   = "./data"
	defaultEventsDir    = "./data/events"
	defaultChainURL     = "https://toncenter.com/api/v2"
	defaultChainTimeout = 10 * time.Second
	defaultChainLimit   = 20
	defaultChainRetries = 2
	defaultMinAmount    = "0.1"
	defaultPollInterval = 30 * time.Second
	defaultCertCacheDir = "cert-cache"
)

var supportedBackends = []string{"memory", "wal", "sqlite", "postgres"}

type Config struct {
	ListenAddr   string
	Storage      StorageConfig
	Chain        ChainConfig
	Match        MatchConfig
	MinAmount    decimal.Decimal
	PollInterval time.Duration
	// IntentTTL zero disables expiry.
	IntentTTL time.Duration
	TLS       TLSConfig
	EventsDir string
}

type StorageConfig struct {
	Backend string
	Dir     string
	DSN     string
}

type ChainConfig struct {
	APIURL         string
	APIKey         string
	ReceiveAddress string
	Timeout        time.Duration
	Limit          int
	Retries        int
}

// MatchConfig optional matching rules on top of the amount check.
type MatchConfig struct {
	RequireMemo   bool
	RequireWallet bool
}

type TLSConfig struct {
	Domains  []string
	CacheDir string
}

// Enabled reports whether automatic TLS was requested.
func (t TLSConfig) Enabled() bool {
	return len(t.Domains) > 0
}

// ConfigTmp raw YAML representation; decimals are kept as strings.
type ConfigTmp struct {
	ListenAddr   string        `yaml:"listen_addr,omitempty"`
	Storage      StorageTmp    `yaml:"storage,omitempty"`
	Chain        ChainTmp      `yaml:"chain"`
	Match        MatchTmp      `yaml:"match,omitempty"`
	MinAmount    string        `yaml:"min_amount,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	IntentTTL    time.Duration `yaml:"intent_ttl,omitempty"`
	TLS          TLSTmp        `yaml:"tls,omitempty"`
	EventsDir    string        `yaml:"events_dir,omitempty"`
}

type StorageTmp struct {
	Backend string `yaml:"backend,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

type ChainTmp struct {
	APIURL         string        `yaml:"api_url,omitempty"`
	ReceiveAddress string        `yaml:"receive_address"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	Limit          int           `yaml:"limit,omitempty"`
	Retries        *int          `yaml:"retries,omitempty"`
}

type MatchTmp struct {
	RequireMemo   bool `yaml:"require_memo,omitempty"`
	RequireWallet bool `yaml:"require_wallet,omitempty"`
}

type TLSTmp struct {
	Domains  []string `yaml:"domains,omitempty"`
	CacheDir string   `yaml:"cache_dir,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		Storage: StorageConfig{
			Backend: defaultBackend,
			Dir:     defaultStorageDir,
		},
		Chain: ChainConfig{
			APIURL:  defaultChainURL,
			Timeout: defaultChainTimeout,
			Limit:   defaultChainLimit,
			Retries: defaultChainRetries,
		},
		MinAmount:    decimal.RequireFromString(defaultMinAmount),
		PollInterval: defaultPollInterval,
		TLS:          TLSConfig{CacheDir: defaultCertCacheDir},
		EventsDir:    defaultEventsDir,
	}
}

// Load reads path (if non-empty), applies defaults and environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		var tmp ConfigTmp
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
		}
		cfg, err = fromTmp(tmp)
		if err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromTmp(c ConfigTmp) (Config, error) {
	cfg := Default()

	if c.ListenAddr != "" {
		cfg.ListenAddr = c.ListenAddr
	}
	if c.Storage.Backend != "" {
		cfg.Storage.Backend = strings.ToLower(c.Storage.Backend)
	}
	if c.Storage.Dir != "" {
		cfg.Storage.Dir = c.Storage.Dir
	}
	cfg.Storage.DSN = c.Storage.DSN

	if c.Chain.APIURL != "" {
		cfg.Chain.APIURL = c.Chain.APIURL
	}
	cfg.Chain.ReceiveAddress = c.Chain.ReceiveAddress
	if c.Chain.Timeout != 0 {
		cfg.Chain.Timeout = c.Chain.Timeout
	}
	if c.Chain.Limit != 0 {
		cfg.Chain.Limit = c.Chain.Limit
	}
	if c.Chain.Retries != nil {
		cfg.Chain.Retries = *c.Chain.Retries
	}

	cfg.Match = MatchConfig{
		RequireMemo:   c.Match.RequireMemo,
		RequireWallet: c.Match.RequireWallet,
	}

	if c.MinAmount != "" {
		minAmount, err := decimal.NewFromString(c.MinAmount)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'min_amount' param in yaml config (must be a decimal), error: %w", err)
		}
		cfg.MinAmount = minAmount
	}
	if c.PollInterval != 0 {
		cfg.PollInterval = c.PollInterval
	}
	cfg.IntentTTL = c.IntentTTL

	cfg.TLS.Domains = c.TLS.Domains
	if c.TLS.CacheDir != "" {
		cfg.TLS.CacheDir = c.TLS.CacheDir
	}
	if c.EventsDir != "" {
		cfg.EventsDir = c.EventsDir
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv(EnvTonCenterAPIKey); key != "" {
		cfg.Chain.APIKey = key
	}
	if dsn := os.Getenv(EnvStorageDSN); dsn != "" {
		cfg.Storage.DSN = dsn
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if !containsString(supportedBackends, c.Storage.Backend) {
		return fmt.Errorf("unsupported storage backend %q, expected one of %s",
			c.Storage.Backend, strings.Join(supportedBackends, ", "))
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn (or %s) is required for the postgres backend", EnvStorageDSN)
	}
	if c.Chain.Timeout <= 0 {
		return fmt.Errorf("chain.timeout must be positive")
	}
	if c.Chain.Limit <= 0 {
		return fmt.Errorf("chain.limit must be positive")
	}
	if c.Chain.Retries < 0 {
		return fmt.Errorf("chain.retries must not be negative")
	}
	if !c.MinAmount.IsPositive() {
		return fmt.Errorf("min_amount must be positive, got %s", c.MinAmount.String())
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	if c.IntentTTL < 0 {
		return fmt.Errorf("intent_ttl must not be negative")
	}
	return nil
}

// ToTmp converts cfg back into its YAML form. Secrets taken from the environment are not included.
func (c Config) ToTmp() ConfigTmp {
	retries := c.Chain.Retries
	return ConfigTmp{
		ListenAddr: c.ListenAddr,
		Storage: StorageTmp{
			Backend: c.Storage.Backend,
			Dir:     c.Storage.Dir,
		},
		Chain: ChainTmp{
			APIURL:         c.Chain.APIURL,
			ReceiveAddress: c.Chain.ReceiveAddress,
			Timeout:        c.Chain.Timeout,
			Limit:          c.Chain.Limit,
			Retries:        &retries,
		},
		Match: MatchTmp{
			RequireMemo:   c.Match.RequireMemo,
			RequireWallet: c.Match.RequireWallet,
		},
		MinAmount:    c.MinAmount.String(),
		PollInterval: c.PollInterval,
		IntentTTL:    c.IntentTTL,
		TLS: TLSTmp{
			Domains:  c.TLS.Domains,
			CacheDir: c.TLS.CacheDir,
		},
		EventsDir: c.EventsDir,
	}
}

// Write stores cfg as YAML at path.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg.ToTmp())
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
