package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func NewPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect or clear locally tracked contributions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List contributions not yet reflected by the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd.Context(), func(env *environment) error {
				entries := env.session.PendingEntries()
				if jsonOutput() {
					return printJSON(entries)
				}
				if len(entries) == 0 {
					Info("No pending contributions")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						strconv.FormatUint(e.Phase, 10),
						e.AmountEth + " ETH",
						e.TxHash.Hex(),
						e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
					})
				}
				fmt.Println(RenderTable([]string{"PHASE", "AMOUNT", "TX", "SUBMITTED"}, rows))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every pending contribution of the tracked address",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := Confirm("Clear pending contributions?", "Estimates will ignore transactions the ledger has not reflected yet."); err != nil {
				return err
			}
			return withEnvironment(cmd.Context(), func(env *environment) error {
				n, err := env.session.ClearPending()
				if err != nil {
					return err
				}
				Success(fmt.Sprintf("Cleared %d pending contribution(s)", n))
				return nil
			})
		},
	})
	return cmd
}

func NewContributorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contributors <phase>",
		Short: "List contributors of a phase, including your pending amounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid phase: %s", args[0])
			}
			return withEnvironment(cmd.Context(), func(env *environment) error {
				records, err := env.session.PhaseContributions(cmd.Context(), phase)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(records)
				}
				if len(records) == 0 {
					Info(fmt.Sprintf("No contributions in phase %d", phase))
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, r := range records {
					state := "confirmed"
					if !r.Confirmed {
						state = "pending"
					}
					rows = append(rows, []string{r.Address.Hex(), FormatEther(r.AmountWei), StatusBadge(state)})
				}
				fmt.Println(RenderTable([]string{"ADDRESS", "AMOUNT", "STATE"}, rows))
				return nil
			})
		},
	}
}
