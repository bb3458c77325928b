package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/veggaen/phasestake/internal/config"
	"github.com/veggaen/phasestake/internal/logging"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(ConfigPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", ConfigPath)
			}
			cfg := config.DefaultConfig()
			if err := cfg.Save(ConfigPath); err != nil {
				return err
			}
			Success("Config written to " + ConfigPath)
			fmt.Println(Hint("Set chain.mock_ledger to false and chain.contract_address to use a real deployment"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := redactedConfig(currentConfig())
			if jsonOutput() {
				return printJSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

// redactedConfig returns a copy safe to print
func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Chain.RPCURL = logging.RedactURL(cfg.Chain.RPCURL)
	out.Chain.RPCURLs = make([]string, len(cfg.Chain.RPCURLs))
	for i, u := range cfg.Chain.RPCURLs {
		out.Chain.RPCURLs[i] = logging.RedactURL(u)
	}
	switch dsn := cfg.Audit.PostgresDSN; {
	case dsn == "":
	case strings.Contains(dsn, "://"):
		out.Audit.PostgresDSN = logging.RedactURL(dsn)
	default:
		// key=value form
		out.Audit.PostgresDSN = "xxxxx"
	}
	return out
}
