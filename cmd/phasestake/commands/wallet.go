package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/wallet"
)

// minPasswordLength is the shortest accepted keystore password
const minPasswordLength = 8

func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Wallet management",
		Long: `Manage the Ethereum wallet that signs contributions, mints and stake actions.

The keystore lives in ~/.phasestake/keystore unless wallet.keystore_dir says otherwise.
The password is looked up in this order when signing:

  ` + wallet.EnvPassword + ` environment variable
  platform keyring (macOS Keychain, Linux Secret Service or KWallet)
  interactive prompt`,
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletShowCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())
	return cmd
}

// storePasswordInKeyring saves the password of addr or tells the user how to supply it
func storePasswordInKeyring(addr common.Address, password string) {
	store, err := wallet.OpenPasswordStore()
	if err == nil {
		err = store.Store(addr, password)
	}
	if err == nil {
		fmt.Printf("  Password saved to %s\n", store.Backend())
		return
	}
	logging.Debug("keyring unavailable", logging.Address(addr), logging.Err(err))
	fmt.Println("  Could not store password in system keyring.")
	fmt.Printf("  Set %s or enter it when prompted.\n", wallet.EnvPassword)
}

// readNewPassword prompts for a password twice, retrying on mismatch
func readNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err := readPasswordNoEcho()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(password) < minPasswordLength {
			Warning(fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLength))
			continue
		}

		fmt.Fprint(os.Stderr, "Confirm wallet password: ")
		confirm, err := readPasswordNoEcho()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		if password != confirm {
			Warning("Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

func newWalletCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new wallet",
		Long:  "Create a new Ethereum wallet with a password-encrypted keystore file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			keystoreDir := currentConfig().Wallet.KeystoreDir
			if w, err := wallet.Open(keystoreDir, ""); err == nil {
				return fmt.Errorf("wallet already exists at %s (address: %s)", keystoreDir, w.Address().Hex())
			} else if !errors.Is(err, wallet.ErrNoWallet) {
				return fmt.Errorf("failed to check keystore: %w", err)
			}

			password, err := readNewPassword()
			if err != nil {
				return err
			}
			w, err := wallet.Create(keystoreDir, password)
			if err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet created!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", keystoreDir},
			}))
			storePasswordInKeyring(w.Address(), password)
			fmt.Println()
			Warning("Back up your keystore directory and remember your password.")
			fmt.Println(Hint("If you lose either, your funds are unrecoverable."))
			return nil
		},
	}
}

func newWalletImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key",
		Long:  "Import an existing Ethereum private key into an encrypted keystore file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			keystoreDir := currentConfig().Wallet.KeystoreDir

			fmt.Fprint(os.Stderr, "Private key (hex): ")
			privKeyHex, err := readPasswordNoEcho()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			privKeyHex = strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
			if len(privKeyHex) != 64 {
				return fmt.Errorf("private key must be 64 hex characters")
			}

			password, err := readNewPassword()
			if err != nil {
				return err
			}
			w, err := wallet.Import(keystoreDir, privKeyHex, password)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet imported!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", keystoreDir},
			}))
			storePasswordInKeyring(w.Address(), password)
			return nil
		},
	}
}

func newWalletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show wallet address and password status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := currentConfig()
			w, err := wallet.Open(cfg.Wallet.KeystoreDir, cfg.Wallet.Address)
			if errors.Is(err, wallet.ErrNoWallet) {
				Warning("No wallet found")
				fmt.Println(Hint("Run 'phasestake wallet create' or 'phasestake wallet import'"))
				return nil
			}
			if err != nil {
				return err
			}

			pwStatus := "not stored (prompted when signing)"
			if os.Getenv(wallet.EnvPassword) != "" {
				pwStatus = "from " + wallet.EnvPassword
			} else if pw, err := wallet.KeyringPasswordSource(w.Address())(); err == nil && pw != "" {
				pwStatus = "stored in platform keyring"
			}

			if jsonOutput() {
				return printJSON(map[string]string{
					"address":  w.Address().Hex(),
					"keystore": w.KeystoreDir(),
					"password": pwStatus,
				})
			}
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", w.KeystoreDir()},
				{"Password", pwStatus},
			}))
			return nil
		},
	}
}

func newWalletForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password",
		Short: "Remove the wallet password from the system keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := currentConfig()
			w, err := wallet.Open(cfg.Wallet.KeystoreDir, cfg.Wallet.Address)
			if err != nil {
				return err
			}
			store, err := wallet.OpenPasswordStore()
			if err != nil {
				return err
			}
			removed, err := store.Delete(w.Address())
			if err != nil {
				return err
			}
			if !removed {
				Info("No stored password found in the keyring.")
				return nil
			}
			Success(fmt.Sprintf("Removed password for %s from %s", FormatAddress(w.Address()), store.Backend()))
			return nil
		},
	}
}

// readPasswordNoEcho reads a line from stdin with echo disabled.
func readPasswordNoEcho() (string, error) {
	password, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
