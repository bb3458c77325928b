package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/veggaen/phasestake/internal/estimator"
	"github.com/veggaen/phasestake/internal/session"
)

// statusJSON is the machine-readable form of one refresh
type statusJSON struct {
	RefreshID  string         `json:"refresh_id"`
	View       estimator.View `json:"view"`
	Degraded   string         `json:"degraded,omitempty"`
	ReadErrors []string       `json:"read_errors,omitempty"`
	Evicted    int            `json:"evicted_pending"`
	Reconciled int            `json:"reconciled_pending"`
}

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show phase, contribution and reward status",
		Long: `Run one refresh against the ledger and show the current phase, your
contributions and estimated rewards, eligible mints and stake positions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd.Context(), func(env *environment) error {
				res, err := env.refresh(cmd.Context())
				if err != nil {
					return err
				}
				return printResult(res, env.decimals)
			})
		},
	}
}

func newStatusJSON(res *session.Result) statusJSON {
	out := statusJSON{
		RefreshID:  res.ID,
		View:       res.View,
		Evicted:    len(res.Evicted),
		Reconciled: len(res.Reconciled.Removed),
	}
	if res.Degraded != nil {
		out.Degraded = res.Degraded.Error()
	}
	for _, e := range res.ReadErrors {
		out.ReadErrors = append(out.ReadErrors, e.Error())
	}
	return out
}

func printResult(res *session.Result, decimals int) error {
	if jsonOutput() {
		return printJSON(newStatusJSON(res))
	}

	fmt.Println(renderView(res.View, decimals))
	if res.Degraded != nil {
		Warning(res.Degraded.Error())
	} else if len(res.ReadErrors) > 0 {
		Warning(fmt.Sprintf("%d read(s) failed; showing last known values", len(res.ReadErrors)))
	}
	for _, e := range res.Evicted {
		Info(fmt.Sprintf("Dropped pending contribution %s for ended phase %d", e.TxHash.Hex(), e.Phase))
	}
	return nil
}

// renderView formats a view for the terminal
func renderView(v estimator.View, decimals int) string {
	ps := v.Phase
	phaseState := "open"
	switch {
	case !ps.Started:
		phaseState = "not started"
	case ps.Complete:
		phaseState = "complete"
	}

	fields := [][2]string{
		{"Address", v.Address.Hex()},
		{"Phase", fmt.Sprintf("%d (%s)", ps.Index, phaseState)},
		{"Remaining", FormatRemaining(ps.Kind, ps.Remaining)},
		{"Your share", FormatBps(v.ShareBps)},
		{"Est. reward now", FormatTokens(v.EstimatedRewardNow, decimals)},
		{"Pending rewards", FormatTokens(v.TotalPendingRewards, decimals)},
		{"Pending txs", strconv.Itoa(v.PendingCount)},
	}
	if v.TokenBalance != nil {
		fields = append(fields, [2]string{"Token balance", FormatTokens(v.TokenBalance, decimals)})
	}
	out := StatusBox(Logo(), fields)

	var rows [][]string
	for _, p := range v.Phases {
		if p.UserConfirmed.Sign() == 0 && p.UserPending.Sign() == 0 {
			continue
		}
		state := "open"
		switch {
		case p.Minted:
			state = "minted"
		case p.Ended:
			state = "ended"
		}
		if p.Stale {
			state += " (stale)"
		}
		rows = append(rows, []string{
			strconv.FormatUint(p.Phase, 10),
			FormatEther(p.UserConfirmed),
			FormatEther(p.UserPending),
			FormatEther(p.TotalConfirmed),
			FormatBps(p.ShareBps),
			FormatTokens(p.EstimatedReward, decimals),
			state,
		})
	}
	if len(rows) > 0 {
		out += "\n" + SectionHeader("Contributions") + "\n" +
			RenderTable([]string{"PHASE", "YOURS", "PENDING", "TOTAL", "SHARE", "EST. REWARD", "STATE"}, rows)
	}

	if len(v.EligibleMints) > 0 {
		rows = rows[:0]
		for _, m := range v.EligibleMints {
			rows = append(rows, []string{
				strconv.FormatUint(m.Phase, 10),
				FormatTokens(m.EligibleTokens, decimals),
				string(m.Source),
			})
		}
		out += "\n" + SectionHeader("Eligible to mint") + "\n" +
			RenderTable([]string{"PHASE", "TOKENS", "SOURCE"}, rows) + "\n" +
			Hint("Run 'phasestake mint <phase>' to claim")
	}

	if len(v.StakePositions) > 0 {
		out += "\n" + SectionHeader("Stakes") + "\n" + renderStakes(v.StakePositions, decimals)
	}
	return out
}
