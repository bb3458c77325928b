package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/pkg/types"
)

// Environment overrides applied after the file is read
const (
	EnvRPCURL   = "PHASESTAKE_RPC_URL"
	EnvAuditDSN = "PHASESTAKE_AUDIT_DSN"
)

// Config represents the complete configuration
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Staking  StakingConfig  `yaml:"staking"`
	Session  SessionConfig  `yaml:"session"`
	Store    StoreConfig    `yaml:"store"`
	Audit    AuditConfig    `yaml:"audit"`
	Log      LogConfig      `yaml:"log"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ChainConfig selects the ledger deployment
type ChainConfig struct {
	ChainID         int64         `yaml:"chain_id"`
	RPCURL          string        `yaml:"rpc_url"`  // Primary RPC endpoint
	RPCURLs         []string      `yaml:"rpc_urls"` // Additional RPC endpoints for failover
	ContractAddress string        `yaml:"contract_address"`
	TokenAddress    string        `yaml:"token_address"` // Empty when the contract is the token
	MockLedger      bool          `yaml:"mock_ledger"`   // In-memory ledger for development
	MaxGasPriceGwei uint64        `yaml:"max_gas_price_gwei"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

// ResolvedRPCURLs merges the single RPCURL with the RPCURLs list, deduplicating.
// The single URL is placed first as the primary.
func (cc *ChainConfig) ResolvedRPCURLs() []string {
	return mergeURLs(cc.RPCURL, cc.RPCURLs)
}

// mergeURLs combines a primary URL with a list, deduplicating and preserving order.
func mergeURLs(primary string, extras []string) []string {
	seen := make(map[string]bool)
	var result []string

	if primary != "" {
		result = append(result, primary)
		seen[primary] = true
	}
	for _, u := range extras {
		if u != "" && !seen[u] {
			result = append(result, u)
			seen[u] = true
		}
	}
	return result
}

// ScheduleConfig describes how phase boundaries are interpreted
type ScheduleConfig struct {
	Kind types.ScheduleKind `yaml:"kind"`
	// BlockBoundaries replaces the ledger's durations with a cumulative table
	// (n+1 entries for n phases). Empty uses the ledger's constants.
	BlockBoundaries []uint64 `yaml:"block_boundaries,omitempty"`
}

// Durations returns the per-phase durations of the configured boundary table,
// or nil when none is configured
func (sc *ScheduleConfig) Durations() ([]uint64, error) {
	if len(sc.BlockBoundaries) == 0 {
		return nil, nil
	}
	return types.DurationsFromBoundaries(sc.BlockBoundaries)
}

// StakingConfig optionally overrides the ledger's staking constants
type StakingConfig struct {
	Override *types.StakingConstants `yaml:"override,omitempty"`
}

// SessionConfig tunes the refresh loop. These fields hot-reload.
type SessionConfig struct {
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures before a read is degraded
	RefreshRate      float64       `yaml:"refresh_rate"`      // Refresh starts per second
	RefreshBurst     int           `yaml:"refresh_burst"`
	CacheSize        int           `yaml:"cache_size"` // Last-known-good read entries kept
}

// StoreConfig selects the pending contribution store
type StoreConfig struct {
	Backend string `yaml:"backend"` // "file", "badger" or "memory"
	Dir     string `yaml:"dir"`
}

// AuditConfig configures the divergence audit trail
type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"` // Empty logs divergences only
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// WalletConfig locates the signing key
type WalletConfig struct {
	KeystoreDir string `yaml:"keystore_dir"`
	Address     string `yaml:"address"` // Account to use; empty picks the first
}

// MetricsConfig configures the metrics listener
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Empty disables the listener
}

// DefaultDataDir returns ~/.phasestake
func DefaultDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".phasestake")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		Chain: ChainConfig{
			ChainID:         1,
			RPCURL:          "http://127.0.0.1:8545",
			MockLedger:      true,
			MaxGasPriceGwei: 200,
			MaxBatchSize:    100,
			CallTimeout:     15 * time.Second,
		},
		Schedule: ScheduleConfig{
			Kind: types.ScheduleBlocks,
		},
		Session: SessionConfig{
			RefreshInterval:  15 * time.Second,
			FailureThreshold: 3,
			RefreshRate:      1,
			RefreshBurst:     2,
			CacheSize:        1024,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     filepath.Join(dataDir, "pending"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Wallet: WalletConfig{
			KeystoreDir: filepath.Join(dataDir, "keystore"),
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.expandPaths()

	if o := cfg.Staking.Override; o != nil {
		if o.DaySeconds == 0 {
			o.DaySeconds = types.SecondsPerDay
		}
		if err := o.ParseBigFields(); err != nil {
			return nil, fmt.Errorf("invalid staking override: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values from the environment
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvRPCURL)); v != "" {
		c.Chain.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAuditDSN)); v != "" {
		c.Audit.PostgresDSN = v
	}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Chain validation
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
	}
	if c.Chain.MaxBatchSize < 0 {
		return fmt.Errorf("max_batch_size must not be negative")
	}
	if !c.Chain.MockLedger {
		if len(c.Chain.ResolvedRPCURLs()) == 0 {
			return fmt.Errorf("rpc_url is required when mock_ledger is false")
		}
		if err := validateEthAddress("contract_address", c.Chain.ContractAddress); err != nil {
			return err
		}
		if c.Chain.TokenAddress != "" {
			if err := validateEthAddress("token_address", c.Chain.TokenAddress); err != nil {
				return err
			}
		}
	}

	// Schedule validation
	if !c.Schedule.Kind.IsValid() {
		return fmt.Errorf("invalid schedule kind: %s", c.Schedule.Kind)
	}
	if len(c.Schedule.BlockBoundaries) > 0 {
		if c.Schedule.Kind != types.ScheduleBlocks {
			return fmt.Errorf("block_boundaries require schedule kind %q", types.ScheduleBlocks)
		}
		if _, err := c.Schedule.Durations(); err != nil {
			return fmt.Errorf("invalid block_boundaries: %w", err)
		}
	}

	// Staking validation
	if o := c.Staking.Override; o != nil {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("invalid staking override: %w", err)
		}
	}

	// Session validation
	if c.Session.RefreshInterval < time.Second {
		return fmt.Errorf("refresh_interval must be at least 1s, got %s", c.Session.RefreshInterval)
	}
	if c.Session.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if c.Session.RefreshRate <= 0 {
		return fmt.Errorf("refresh_rate must be positive")
	}
	if c.Session.RefreshBurst < 1 {
		return fmt.Errorf("refresh_burst must be at least 1")
	}

	// Store validation
	switch c.Store.Backend {
	case "file", "badger":
		if c.Store.Dir == "" {
			return fmt.Errorf("store dir is required for the %s backend", c.Store.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}

	// Log validation
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if c.Wallet.Address != "" {
		if err := validateEthAddress("wallet address", c.Wallet.Address); err != nil {
			return err
		}
	}

	return nil
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required when mock_ledger is false", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Store.Dir = expandPath(c.Store.Dir)
	c.Wallet.KeystoreDir = expandPath(c.Wallet.KeystoreDir)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// EnsureDirectories creates all necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Wallet.KeystoreDir}
	if c.Store.Backend != "memory" {
		dirs = append(dirs, c.Store.Dir)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() slog.Level {
	return logging.ParseLevel(c.Log.Level)
}
