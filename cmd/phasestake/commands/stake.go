package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/veggaen/phasestake/internal/estimator"
	"github.com/veggaen/phasestake/pkg/types"
)

func NewStakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Preview, open, close and list stake positions",
	}
	cmd.AddCommand(newStakeListCmd())
	cmd.AddCommand(newStakePreviewCmd())
	cmd.AddCommand(newStakeOpenCmd())
	cmd.AddCommand(newStakeCloseCmd())
	return cmd
}

func newStakeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stake positions with their status and exit quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd.Context(), func(env *environment) error {
				res, err := env.refresh(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res.View.StakePositions)
				}
				if len(res.View.StakePositions) == 0 {
					Info("No stake positions")
					return nil
				}
				fmt.Println(renderStakes(res.View.StakePositions, env.decimals))
				return nil
			})
		},
	}
}

// parseStakeArgs reads <amount> <days>
func parseStakeArgs(args []string, decimals int) (*types.StakePosition, error) {
	amount, err := types.ParseAmount(args[0], decimals)
	if err != nil {
		return nil, err
	}
	days, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid days: %s", args[1])
	}
	return &types.StakePosition{AmountWei: amount, StakedDays: days}, nil
}

func newStakePreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <amount> <days>",
		Short: "Show the bonus and timeline of a stake without opening it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd.Context(), func(env *environment) error {
				p, err := parseStakeArgs(args, env.decimals)
				if err != nil {
					return err
				}
				preview, err := env.session.PreviewStake(cmd.Context(), p.AmountWei, p.StakedDays)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(preview)
				}
				fmt.Println(renderPreview(preview, env.decimals))
				return nil
			})
		},
	}
}

func newStakeOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <amount> <days>",
		Short: "Lock tokens for a number of days",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd.Context(), func(env *environment) error {
				p, err := parseStakeArgs(args, env.decimals)
				if err != nil {
					return err
				}
				preview, err := env.session.PreviewStake(cmd.Context(), p.AmountWei, p.StakedDays)
				if err != nil {
					return err
				}
				if !jsonOutput() {
					fmt.Println(renderPreview(preview, env.decimals))
				}
				if err := Confirm("Open this stake?", "Closing before maturity forfeits part of the principal."); err != nil {
					return err
				}

				hash, err := env.session.OpenStake(cmd.Context(), p.AmountWei, p.StakedDays)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]string{"tx_hash": hash.Hex()})
				}
				Success("Stake submitted: " + hash.Hex())
				return nil
			})
		},
	}
}

func newStakeCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <index>",
		Short: "Close a stake position and collect its payout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid stake index: %s", args[0])
			}
			return withEnvironment(cmd.Context(), func(env *environment) error {
				res, err := env.refresh(cmd.Context())
				if err != nil {
					return err
				}
				for _, sv := range res.View.StakePositions {
					if sv.Position.Index != index || sv.Quote == nil {
						continue
					}
					q := sv.Quote
					if !jsonOutput() {
						box := StatusBox
						if q.Penalty.Sign() > 0 {
							box = WarningBox
						}
						fmt.Println(box(fmt.Sprintf("Close stake %d", index), [][2]string{
							{"Status", StatusBadge(string(q.Status))},
							{"Base", FormatTokens(q.Base, env.decimals)},
							{"Penalty", fmt.Sprintf("%s (%s)", FormatTokens(q.Penalty, env.decimals), FormatBps(q.PenaltyBps))},
							{"Payout", FormatTokens(q.Payout, env.decimals)},
						}))
					}
					if q.Penalty.Sign() > 0 {
						if err := Confirm("Close with a penalty?", "The penalty is deducted from the payout."); err != nil {
							return err
						}
					}
					break
				}

				hash, quote, err := env.session.CloseStake(cmd.Context(), index)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"tx_hash": hash.Hex(), "quote": quote})
				}
				Success(fmt.Sprintf("Close submitted: %s (payout %s)", hash.Hex(), FormatTokens(quote.Payout, env.decimals)))
				return nil
			})
		},
	}
}

func renderPreview(p estimator.StakePreview, decimals int) string {
	return StatusBox("Stake preview", [][2]string{
		{"Amount", FormatTokens(p.Amount, decimals)},
		{"Days", strconv.FormatUint(p.Days, 10)},
		{"Longer pays", FormatTokens(p.Bonus.LongerPays, decimals)},
		{"Bigger pays", FormatTokens(p.Bonus.BiggerPays, decimals)},
		{"Total bonus", FormatTokens(p.Bonus.Total, decimals)},
		{"At maturity", FormatTokens(p.Bonus.TotalAtMaturity, decimals)},
		{"Starts", FormatTimestamp(p.StartTs)},
		{"Matures", FormatTimestamp(p.MaturityTs)},
		{"Grace ends", FormatTimestamp(p.GraceEndTs)},
	})
}

func renderStakes(stakes []estimator.StakeView, decimals int) string {
	rows := make([][]string, 0, len(stakes))
	for _, sv := range stakes {
		payout := "-"
		if sv.Quote != nil {
			payout = FormatTokens(sv.Quote.Payout, decimals)
		}
		rows = append(rows, []string{
			strconv.FormatUint(sv.Position.Index, 10),
			FormatTokens(sv.Position.AmountWei, decimals),
			strconv.FormatUint(sv.Position.StakedDays, 10),
			FormatTimestamp(sv.MaturityTs),
			StatusBadge(string(sv.Status)),
			payout,
		})
	}
	return RenderTable([]string{"INDEX", "AMOUNT", "DAYS", "MATURES", "STATUS", "PAYOUT NOW"}, rows)
}
