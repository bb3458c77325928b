package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// EnvPassword supplies the keystore password non-interactively
const EnvPassword = "PHASESTAKE_WALLET_PASSWORD"

// Signer produces transaction options for one address
type Signer interface {
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// PasswordFunc returns the keystore password
type PasswordFunc func() (string, error)

// PasswordChain tries each source in order and returns the first non-empty password
func PasswordChain(sources ...PasswordFunc) PasswordFunc {
	return func() (string, error) {
		var errs []error
		for _, src := range sources {
			pw, err := src()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if pw != "" {
				return pw, nil
			}
		}
		if len(errs) > 0 {
			return "", fmt.Errorf("no wallet password available: %w", errors.Join(errs...))
		}
		return "", errors.New("no wallet password available")
	}
}

// EnvPasswordSource reads EnvPassword
func EnvPasswordSource() (string, error) {
	return os.Getenv(EnvPassword), nil
}

// KeystoreSigner signs with a keystore wallet, asking for the password on each use
type KeystoreSigner struct {
	wallet   *Wallet
	chainID  *big.Int
	password PasswordFunc
}

// NewKeystoreSigner creates a signer for w on chainID
func NewKeystoreSigner(w *Wallet, chainID *big.Int, password PasswordFunc) *KeystoreSigner {
	return &KeystoreSigner{wallet: w, chainID: new(big.Int).Set(chainID), password: password}
}

// Address returns the wallet address
func (s *KeystoreSigner) Address() common.Address {
	return s.wallet.Address()
}

// TransactOpts unlocks the key and binds ctx
func (s *KeystoreSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	pw, err := s.password()
	if err != nil {
		return nil, err
	}
	opts, err := s.wallet.TransactOpts(s.chainID, pw)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// StaticSigner carries only a sender address. The in-memory ledger accepts it
// without a signature.
type StaticSigner struct {
	addr common.Address
}

// NewStaticSigner creates a signer for addr
func NewStaticSigner(addr common.Address) *StaticSigner {
	return &StaticSigner{addr: addr}
}

// Address returns the sender address
func (s *StaticSigner) Address() common.Address {
	return s.addr
}

// TransactOpts returns options with only From and ctx set
func (s *StaticSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{From: s.addr, Context: ctx}, nil
}
