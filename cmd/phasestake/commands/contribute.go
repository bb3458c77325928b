package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func NewContributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contribute <amount-eth>",
		Short: "Contribute ether to the open phase",
		Long: `Send ether to the phase that is open now. The contribution is tracked
locally as pending until the ledger reflects it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount := args[0]
			if err := Confirm(fmt.Sprintf("Contribute %s ETH?", amount), "Contributions cannot be withdrawn."); err != nil {
				return err
			}
			return withEnvironment(cmd.Context(), func(env *environment) error {
				hash, err := env.session.Contribute(cmd.Context(), amount)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"tx_hash": hash.Hex(), "amount_eth": amount})
				}
				Success("Contribution submitted: " + hash.Hex())
				fmt.Println(Hint("It counts as pending until the ledger reflects it"))
				return nil
			})
		},
	}
}

func NewMintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <phase>",
		Short: "Mint your tokens for an ended phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid phase: %s", args[0])
			}
			return withEnvironment(cmd.Context(), func(env *environment) error {
				hash, err := env.session.Mint(cmd.Context(), phase)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"tx_hash": hash.Hex(), "phase": phase})
				}
				Success(fmt.Sprintf("Mint for phase %d submitted: %s", phase, hash.Hex()))
				return nil
			})
		},
	}
}
