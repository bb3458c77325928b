package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/audit"
	"github.com/veggaen/phasestake/internal/config"
	"github.com/veggaen/phasestake/internal/ledger"
	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/wallet"
)

// DefaultCheckers returns every check for cfg
func DefaultCheckers(cfg *config.Config) []Checker {
	return []Checker{
		NewConfigChecker(cfg),
		NewDirectoriesChecker(cfg),
		NewWalletChecker(cfg),
		NewPasswordChecker(cfg),
		NewLedgerChecker(cfg),
		NewAuditChecker(cfg),
		NewFileDescriptorChecker(cfg.Store.Backend),
	}
}

// ConfigChecker validates the loaded configuration
type ConfigChecker struct {
	cfg *config.Config
}

func NewConfigChecker(cfg *config.Config) *ConfigChecker {
	return &ConfigChecker{cfg: cfg}
}

func (c *ConfigChecker) Name() string       { return "Configuration" }
func (c *ConfigChecker) Category() Category { return CategoryConfig }

func (c *ConfigChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}

	if err := c.cfg.Validate(); err != nil {
		result.Status = StatusError
		result.Message = "Config: Invalid"
		result.Details = err.Error()
		return result
	}

	result.Status = StatusOK
	mode := "live ledger"
	if c.cfg.Chain.MockLedger {
		mode = "mock ledger"
	}
	result.Message = fmt.Sprintf("Config: %s schedule, %s", c.cfg.Schedule.Kind, mode)
	return result
}

// DirectoriesChecker checks that the keystore and pending store directories are writable
type DirectoriesChecker struct {
	cfg *config.Config
}

func NewDirectoriesChecker(cfg *config.Config) *DirectoriesChecker {
	return &DirectoriesChecker{cfg: cfg}
}

func (c *DirectoriesChecker) Name() string       { return "Data directories" }
func (c *DirectoriesChecker) Category() Category { return CategoryStorage }

func (c *DirectoriesChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:       c.Name(),
		Category:   c.Category(),
		FixCommand: "phasestake doctor --fix",
	}

	dirs := []string{c.cfg.Wallet.KeystoreDir}
	if c.cfg.Store.Backend != "memory" {
		dirs = append(dirs, c.cfg.Store.Dir)
	}
	for _, dir := range dirs {
		if err := checkWritable(dir); err != nil {
			result.Status = StatusError
			result.Message = "Data directories: " + dir + " is not usable"
			result.Details = err.Error()
			result.Fixable = errors.Is(err, os.ErrNotExist)
			return result
		}
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Data directories: %d writable", len(dirs))
	return result
}

func (c *DirectoriesChecker) Fix(ctx context.Context) error {
	return c.cfg.EnsureDirectories()
}

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// WalletChecker checks that a signing key is present
type WalletChecker struct {
	cfg *config.Config
}

func NewWalletChecker(cfg *config.Config) *WalletChecker {
	return &WalletChecker{cfg: cfg}
}

func (c *WalletChecker) Name() string       { return "Wallet" }
func (c *WalletChecker) Category() Category { return CategoryWallet }

func (c *WalletChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:       c.Name(),
		Category:   c.Category(),
		FixCommand: "phasestake wallet create",
	}

	w, err := wallet.Open(c.cfg.Wallet.KeystoreDir, c.cfg.Wallet.Address)
	if errors.Is(err, wallet.ErrNoWallet) {
		// Tracking works without a key; only submissions need one
		result.Status = StatusWarning
		if c.cfg.Chain.MockLedger {
			result.Status = StatusOK
		}
		result.Message = "Wallet: Not configured (read-only)"
		result.Details = "Contributions, mints and stake actions need a wallet"
		return result
	}
	if err != nil {
		result.Status = StatusError
		result.Message = "Wallet: Unable to open keystore"
		result.Details = err.Error()
		return result
	}

	result.Status = StatusOK
	result.Message = "Wallet: " + shortAddress(w.Address())
	return result
}

// PasswordChecker reports where the signing password will come from
type PasswordChecker struct {
	cfg      *config.Config
	retrieve func(common.Address) wallet.PasswordFunc
}

func NewPasswordChecker(cfg *config.Config) *PasswordChecker {
	return &PasswordChecker{cfg: cfg, retrieve: wallet.KeyringPasswordSource}
}

// signingAddress is the configured address, or the keystore's when none is set
func (c *PasswordChecker) signingAddress() (common.Address, bool) {
	if common.IsHexAddress(c.cfg.Wallet.Address) {
		return common.HexToAddress(c.cfg.Wallet.Address), true
	}
	w, err := wallet.Open(c.cfg.Wallet.KeystoreDir, "")
	if err != nil {
		return common.Address{}, false
	}
	return w.Address(), true
}

func (c *PasswordChecker) Name() string       { return "Wallet password" }
func (c *PasswordChecker) Category() Category { return CategoryWallet }

func (c *PasswordChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}

	if c.cfg.Chain.MockLedger {
		result.Status = StatusSkipped
		result.Message = "Wallet password: not needed with the mock ledger"
		return result
	}
	if os.Getenv(wallet.EnvPassword) != "" {
		result.Status = StatusOK
		result.Message = "Wallet password: from " + wallet.EnvPassword
		return result
	}
	addr, ok := c.signingAddress()
	if !ok {
		result.Status = StatusSkipped
		result.Message = "Wallet password: no wallet to unlock"
		return result
	}
	if pw, err := c.retrieve(addr)(); err == nil && pw != "" {
		result.Status = StatusOK
		result.Message = "Wallet password: stored in keyring for " + shortAddress(addr)
		return result
	}

	result.Status = StatusWarning
	result.Message = "Wallet password: not stored"
	result.Details = "You will be prompted when signing; set " + wallet.EnvPassword + " for unattended use"
	return result
}

// LedgerChecker connects to the RPC endpoints and verifies the deployment
type LedgerChecker struct {
	cfg *config.Config
}

func NewLedgerChecker(cfg *config.Config) *LedgerChecker {
	return &LedgerChecker{cfg: cfg}
}

func (c *LedgerChecker) Name() string       { return "Ledger" }
func (c *LedgerChecker) Category() Category { return CategoryLedger }

func (c *LedgerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}

	if c.cfg.Chain.MockLedger {
		result.Status = StatusSkipped
		result.Message = "Ledger: mock ledger in use"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, 2*c.cfg.Chain.CallTimeout)
	defer cancel()

	cc := ledger.DefaultClientConfig()
	cc.RPCURLs = c.cfg.Chain.ResolvedRPCURLs()
	cc.ChainID = c.cfg.Chain.ChainID
	cc.CallTimeout = c.cfg.Chain.CallTimeout
	cc.RetryConfig.MaxRetries = 0
	client := ledger.NewClient(cc)
	if err := client.Connect(ctx); err != nil {
		result.Status = StatusError
		result.Message = "Ledger: Unable to connect"
		result.Details = logging.RedactString(err.Error())
		return result
	}
	defer client.Close()

	contract, err := ledger.NewContract(client,
		common.HexToAddress(c.cfg.Chain.ContractAddress),
		common.HexToAddress(c.cfg.Chain.TokenAddress))
	if err != nil {
		result.Status = StatusError
		result.Message = "Ledger: Unable to bind contract"
		result.Details = err.Error()
		return result
	}

	ok, err := contract.HasCode(ctx)
	if err != nil || !ok {
		result.Status = StatusError
		result.Message = "Ledger: No contract at " + c.cfg.Chain.ContractAddress
		if err != nil {
			result.Details = err.Error()
		}
		return result
	}

	sc, err := contract.ScheduleConstants(ctx, c.cfg.Schedule.Kind)
	if err != nil {
		result.Status = StatusError
		result.Message = "Ledger: Unable to read schedule constants"
		result.Details = err.Error()
		return result
	}
	if durations, _ := c.cfg.Schedule.Durations(); durations != nil && len(durations) != sc.PhaseCount() {
		result.Status = StatusError
		result.Message = "Ledger: Configured boundaries do not match the deployment"
		result.Details = fmt.Sprintf("configured %d phases, ledger has %d", len(durations), sc.PhaseCount())
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Ledger: chain %d, %d phases via %s",
		c.cfg.Chain.ChainID, sc.PhaseCount(), logging.RedactURL(client.URL()))
	return result
}

// AuditChecker checks the divergence audit database
type AuditChecker struct {
	cfg *config.Config
}

func NewAuditChecker(cfg *config.Config) *AuditChecker {
	return &AuditChecker{cfg: cfg}
}

func (c *AuditChecker) Name() string       { return "Audit database" }
func (c *AuditChecker) Category() Category { return CategoryStorage }

func (c *AuditChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Category: c.Category()}

	if c.cfg.Audit.PostgresDSN == "" {
		result.Status = StatusSkipped
		result.Message = "Audit database: not configured (divergences are logged)"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Chain.CallTimeout)
	defer cancel()

	sink, err := audit.NewPostgresSink(ctx, c.cfg.Audit.PostgresDSN)
	if err != nil {
		result.Status = StatusError
		result.Message = "Audit database: Unable to connect"
		result.Details = logging.RedactString(err.Error())
		return result
	}
	sink.Close()

	result.Status = StatusOK
	result.Message = "Audit database: reachable"
	return result
}

func shortAddress(addr common.Address) string {
	s := addr.Hex()
	return s[:6] + "..." + s[len(s)-4:]
}

var _ Fixer = (*DirectoriesChecker)(nil)
