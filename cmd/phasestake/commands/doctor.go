package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veggaen/phasestake/internal/doctor"
)

func NewDoctorCmd() *cobra.Command {
	var (
		fix      bool
		category string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, wallet, ledger endpoint and stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := doctor.New(doctor.Options{
				Fix:      fix,
				JSON:     jsonOutput(),
				Category: doctor.Category(category),
			}, nil, doctor.DefaultCheckers(currentConfig())...)

			report, err := d.Run(cmd.Context())
			if err != nil {
				return err
			}
			if !report.Summary.IsHealthy() {
				return fmt.Errorf("%d check(s) failed", report.Summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "Repair fixable problems")
	cmd.Flags().StringVar(&category, "category", "", "Only run checks of one category (config, wallet, ledger, storage, system)")
	return cmd
}
