package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/farmsync/internal/device"
	"github.com/sakif/farmsync/internal/migration"
	"github.com/sakif/farmsync/internal/repository"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the legacy migration for an account without signing in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			st, err := openStores(opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			account, err := st.remote.GetByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("looking up %s: %w", email, err)
			}

			storage := device.New(st.device, opts.logger)
			report := migration.New(st.remote, storage, opts.logger).Run(ctx, *account.Identity())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "uid:       %s\n", report.UID)
			fmt.Fprintf(out, "outcome:   %s\n", report.Outcome)
			if report.FarmID != "" {
				fmt.Fprintf(out, "farm:      %s\n", repository.LegacyFarmPath(report.FarmID))
			}
			if report.FieldPath != "" {
				fmt.Fprintf(out, "field:     %s\n", report.FieldPath)
			}
			fmt.Fprintf(out, "profile:   %t\n", report.ProfileWritten)
			fmt.Fprintf(out, "grid:      %t\n", report.GridCopied)
			fmt.Fprintf(out, "variance:  %t\n", report.VarianceCopied)
			fmt.Fprintf(out, "pointer:   consumed=%t\n", report.PointerConsumed)
			if report.Err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "migration failed:", report.Err)
				return fmt.Errorf("migration for %s did not complete", email)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}
