// Package wallet loads the signing key from an encrypted keystore and builds
// transaction options for submissions.
package wallet

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoWallet is returned when the keystore holds no usable account
var ErrNoWallet = errors.New("no wallet in keystore")

// Scrypt parameters for new keys
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

// Wallet is one keystore account
type Wallet struct {
	keystore *keystore.KeyStore
	dir      string
	account  accounts.Account
}

func openKeystore(dir string) (*keystore.KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return keystore.NewKeyStore(dir, scryptN, scryptP), nil
}

// Open loads an existing wallet. An empty address picks the first account.
func Open(dir string, address string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}

	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, ErrNoWallet
	}
	if address == "" {
		return &Wallet{keystore: ks, dir: dir, account: accts[0]}, nil
	}

	want := common.HexToAddress(address)
	for _, a := range accts {
		if a.Address == want {
			return &Wallet{keystore: ks, dir: dir, account: a}, nil
		}
	}
	return nil, fmt.Errorf("%w: account %s not found in %s", ErrNoWallet, want.Hex(), dir)
}

// Create creates a new account in dir. It refuses to add a second account.
func Create(dir string, password string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", dir)
	}

	account, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &Wallet{keystore: ks, dir: dir, account: account}, nil
}

// Import stores a hex private key as a new account in dir
func Import(dir string, privKeyHex string, password string) (*Wallet, error) {
	ks, err := openKeystore(dir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", dir)
	}

	privateKey, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}
	return &Wallet{keystore: ks, dir: dir, account: account}, nil
}

// Address returns the account address
func (w *Wallet) Address() common.Address {
	return w.account.Address
}

// KeystoreDir returns the keystore directory
func (w *Wallet) KeystoreDir() string {
	return w.dir
}

// TransactOpts decrypts the key and returns options that sign for chainID.
// The decrypted key lives only as long as the returned options.
func (w *Wallet) TransactOpts(chainID *big.Int, password string) (*bind.TransactOpts, error) {
	keyJSON, err := os.ReadFile(w.account.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key.PrivateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	return opts, nil
}
