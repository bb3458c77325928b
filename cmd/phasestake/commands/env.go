package commands

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/veggaen/phasestake/internal/audit"
	"github.com/veggaen/phasestake/internal/config"
	"github.com/veggaen/phasestake/internal/ledger"
	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/metrics"
	"github.com/veggaen/phasestake/internal/pending"
	"github.com/veggaen/phasestake/internal/session"
	"github.com/veggaen/phasestake/internal/util"
	"github.com/veggaen/phasestake/internal/wallet"
	"github.com/veggaen/phasestake/pkg/types"
)

// demoAddress is tracked in mock mode when no wallet exists
var demoAddress = common.HexToAddress("0x00000000000000000000000000000000000d3e70")

// environment is everything a command needs to talk to the ledger
type environment struct {
	cfg      *config.Config
	ledger   *ledger.Contract
	client   *ledger.Client // nil in mock mode
	store    pending.Store
	sink     audit.Sink
	metrics  *metrics.PrometheusCollector
	session  *session.Session
	miner    *mockMiner
	decimals int
}

// openEnvironment wires the ledger, pending store, audit sink, metrics and signer
// into a session for the configured address
func openEnvironment(ctx context.Context, cfg *config.Config) (*environment, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	env := &environment{cfg: cfg, decimals: types.EtherDecimals}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	if cfg.Chain.MockLedger {
		mock, err := newDemoLedger(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create mock ledger: %w", err)
		}
		env.ledger = ledger.NewMockContract(mock)
		env.miner = startMockMiner(ctx, mock)
	} else {
		client := ledger.NewClient(&ledger.ClientConfig{
			RPCURLs:      cfg.Chain.ResolvedRPCURLs(),
			ChainID:      cfg.Chain.ChainID,
			MaxGasPrice:  new(big.Int).Mul(new(big.Int).SetUint64(cfg.Chain.MaxGasPriceGwei), big.NewInt(1e9)),
			MaxBatchSize: cfg.Chain.MaxBatchSize,
			CallTimeout:  cfg.Chain.CallTimeout,
		})
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		env.client = client
		contract, err := ledger.NewContract(client,
			common.HexToAddress(cfg.Chain.ContractAddress),
			common.HexToAddress(cfg.Chain.TokenAddress))
		if err != nil {
			return nil, err
		}
		env.ledger = contract
	}

	store, err := pending.Open(cfg.Store.Backend, cfg.Store.Dir)
	if err != nil {
		return nil, err
	}
	env.store = store

	env.sink = audit.NewLogSink()
	if cfg.Audit.PostgresDSN != "" {
		pg, err := audit.NewPostgresSink(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, err
		}
		env.sink = audit.MultiSink{audit.NewLogSink(), pg}
	}

	env.metrics = metrics.NewPrometheusCollector(metrics.NewCollector())
	util.SetPanicHook(env.metrics.RecordPanic)

	addr, signer, err := resolveSigner(cfg)
	if err != nil {
		return nil, err
	}

	durations, err := cfg.Schedule.Durations()
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Options{
		Address:          addr,
		Ledger:           env.ledger,
		Store:            env.store,
		Signer:           signer,
		ChainID:          big.NewInt(cfg.Chain.ChainID),
		ScheduleKind:     cfg.Schedule.Kind,
		Durations:        durations,
		Staking:          cfg.Staking.Override,
		Audit:            env.sink,
		Recorder:         env.metrics,
		FailureThreshold: cfg.Session.FailureThreshold,
		CacheSize:        cfg.Session.CacheSize,
		RefreshRate:      rate.Limit(cfg.Session.RefreshRate),
		RefreshBurst:     cfg.Session.RefreshBurst,
	})
	if err != nil {
		return nil, err
	}
	env.session = sess

	if d, err := env.ledger.TokenDecimals(ctx); err == nil {
		env.decimals = int(d)
	} else {
		logging.Warn("token decimals unavailable, assuming 18", logging.Err(err))
	}

	ok = true
	return env, nil
}

// resolveSigner picks the tracked address and, when a wallet exists, a signer for it.
// --address tracks another account read-only unless it is the wallet's own.
func resolveSigner(cfg *config.Config) (common.Address, wallet.Signer, error) {
	var override common.Address
	if AddressFlag != "" {
		if !common.IsHexAddress(AddressFlag) {
			return common.Address{}, nil, fmt.Errorf("invalid address: %s", AddressFlag)
		}
		override = common.HexToAddress(AddressFlag)
	}

	w, err := wallet.Open(cfg.Wallet.KeystoreDir, cfg.Wallet.Address)
	switch {
	case errors.Is(err, wallet.ErrNoWallet):
		if override != (common.Address{}) {
			return override, readOnlySigner(cfg, override), nil
		}
		if cfg.Chain.MockLedger {
			return demoAddress, wallet.NewStaticSigner(demoAddress), nil
		}
		return common.Address{}, nil, fmt.Errorf("%w: run 'phasestake wallet create' or pass --address", err)
	case err != nil:
		return common.Address{}, nil, err
	}

	if override != (common.Address{}) && override != w.Address() {
		return override, readOnlySigner(cfg, override), nil
	}

	if cfg.Chain.MockLedger {
		return w.Address(), wallet.NewStaticSigner(w.Address()), nil
	}
	password := wallet.PasswordChain(wallet.EnvPasswordSource, wallet.KeyringPasswordSource(w.Address()), promptPassword)
	return w.Address(), wallet.NewKeystoreSigner(w, big.NewInt(cfg.Chain.ChainID), password), nil
}

// readOnlySigner lets the mock ledger accept submissions for any address
func readOnlySigner(cfg *config.Config, addr common.Address) wallet.Signer {
	if cfg.Chain.MockLedger {
		return wallet.NewStaticSigner(addr)
	}
	return nil
}

// promptPassword reads the wallet password from the terminal
func promptPassword() (string, error) {
	if !stdinIsTTY() {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Wallet password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pw)), nil
}

// Close releases the environment in reverse order of acquisition
func (e *environment) Close() {
	if e.miner != nil {
		e.miner.Stop()
	}
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			logging.Warn("failed to close audit sink", logging.Err(err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logging.Warn("failed to close pending store", logging.Err(err))
		}
	}
	if e.client != nil {
		e.client.Close()
	}
}

// refresh runs one refresh cycle, with a spinner on terminals
func (e *environment) refresh(ctx context.Context) (*session.Result, error) {
	var res *session.Result
	err := WithSpinner("Reading ledger", func() error {
		var err error
		res, err = e.session.Refresh(ctx)
		return err
	})
	return res, err
}

// withEnvironment opens the environment for the duration of fn
func withEnvironment(ctx context.Context, fn func(env *environment) error) error {
	env, err := openEnvironment(ctx, currentConfig())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}
