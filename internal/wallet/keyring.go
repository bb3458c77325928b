package wallet

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
	"github.com/ethereum/go-ethereum/common"
)

const (
	keyringServiceName = "phasestake"
	passwordKeyPrefix  = "keystore-password:"
)

// PasswordStore keeps keystore passwords in a keyring, one item per address, so
// switching between wallets never signs with the wrong password.
type PasswordStore struct {
	ring    keyring.Keyring
	backend string
}

// NewPasswordStore wraps an opened keyring. backend names it in messages.
func NewPasswordStore(ring keyring.Keyring, backend string) *PasswordStore {
	return &PasswordStore{ring: ring, backend: backend}
}

// OpenPasswordStore opens the platform keyring: Keychain on macOS, Secret
// Service or KWallet on Linux.
func OpenPasswordStore() (*PasswordStore, error) {
	backends := platformKeyringBackends()
	if len(backends) == 0 {
		return nil, fmt.Errorf("no keyring backend available on %s", runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    keyringServiceName,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewPasswordStore(ring, keyringBackendName()), nil
}

// Backend returns the human-readable keyring name
func (p *PasswordStore) Backend() string {
	return p.backend
}

func passwordKey(addr common.Address) string {
	return passwordKeyPrefix + strings.ToLower(addr.Hex())
}

// Store saves the keystore password of addr
func (p *PasswordStore) Store(addr common.Address, password string) error {
	if password == "" {
		return errors.New("refusing to store an empty password")
	}
	err := p.ring.Set(keyring.Item{
		Key:         passwordKey(addr),
		Data:        []byte(password),
		Label:       "phasestake keystore password " + addr.Hex(),
		Description: "Unlocks the phasestake signing key for " + addr.Hex(),
	})
	if err != nil {
		return fmt.Errorf("failed to store in %s: %w", p.backend, err)
	}
	return nil
}

// Retrieve returns the stored password of addr, or "" when none is stored
func (p *PasswordStore) Retrieve(addr common.Address) (string, error) {
	item, err := p.ring.Get(passwordKey(addr))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read from %s: %w", p.backend, err)
	}
	return string(item.Data), nil
}

// Delete forgets the password of addr. Forgetting an absent password is not an error.
func (p *PasswordStore) Delete(addr common.Address) (removed bool, err error) {
	key := passwordKey(addr)
	if _, err := p.ring.Get(key); errors.Is(err, keyring.ErrKeyNotFound) {
		return false, nil
	}
	err = p.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove from %s: %w", p.backend, err)
	}
	return true, nil
}

// Source returns a PasswordFunc reading addr's password from the store
func (p *PasswordStore) Source(addr common.Address) PasswordFunc {
	return func() (string, error) {
		return p.Retrieve(addr)
	}
}

// KeyringPasswordSource reads addr's password from the platform keyring. The
// keyring is opened on first use so read-only runs never touch it.
func KeyringPasswordSource(addr common.Address) PasswordFunc {
	return func() (string, error) {
		store, err := OpenPasswordStore()
		if err != nil {
			return "", err
		}
		return store.Retrieve(addr)
	}
}

func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	default:
		return nil
	}
}

func keyringBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	default:
		return "system keyring"
	}
}
