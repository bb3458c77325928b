package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veggaen/phasestake/cmd/phasestake/commands"
)

var rootCmd = &cobra.Command{
	Use:               "phasestake",
	Short:             "Phase accounting and staking reward reconciliation",
	Long:              "Track contributions to a phased token distribution, estimate rewards, mint eligible tokens and manage stake positions.",
	SilenceUsage:      true,
	PersistentPreRunE: commands.Setup,
}

func init() {
	// Add global persistent flags
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.phasestake/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&commands.AddressFlag, "address", "", "Address to track (default: wallet address)")
	rootCmd.PersistentFlags().StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: \"\" (auto), \"json\"")
	rootCmd.PersistentFlags().BoolVarP(&commands.AssumeYes, "yes", "y", false, "Skip confirmation prompts")
}

func main() {
	// Register commands
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewWatchCmd())
	rootCmd.AddCommand(commands.NewContributeCmd())
	rootCmd.AddCommand(commands.NewMintCmd())
	rootCmd.AddCommand(commands.NewStakeCmd())
	rootCmd.AddCommand(commands.NewPendingCmd())
	rootCmd.AddCommand(commands.NewContributorsCmd())
	rootCmd.AddCommand(commands.NewWalletCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewDoctorCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
