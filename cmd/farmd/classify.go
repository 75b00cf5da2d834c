package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/farmsync/internal/apperror"
	"github.com/sakif/farmsync/internal/risk"
	"github.com/sakif/farmsync/internal/service"
)

func newClassifyCommand(opts *rootOptions) *cobra.Command {
	var uid string
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Print the risk summary for a farmer as JSON",
		Long: `Read a farmer's profile, grid and variance series from the remote store
and print the dashboard risk summary. A farmer with no variance samples gets
the placeholder curve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if uid == "" {
				return errors.New("--uid is required")
			}
			st, err := openStores(opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			farms := service.NewFarmService(st.remote, opts.cfg.GridSize, opts.logger)

			profile, err := farms.GetProfile(ctx, uid)
			if err != nil && !errors.Is(err, apperror.ErrNotFound) {
				return err
			}
			grid, err := farms.GetGrid(ctx, uid)
			if err != nil {
				return err
			}
			variance, err := farms.GetVariance(ctx, uid)
			if err != nil {
				return err
			}

			return printSummary(cmd, risk.Classify(profile, grid, variance))
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "account uid")
	return cmd
}

func printSummary(cmd *cobra.Command, s risk.Summary) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}
