package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/farmsync/internal/device"
	"github.com/sakif/farmsync/internal/repository"
)

func newLegacyCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legacy",
		Short: "Work with single-tenant farm records",
	}
	cmd.AddCommand(newLegacyImportCommand(opts))
	return cmd
}

func newLegacyImportCommand(opts *rootOptions) *cobra.Command {
	var farmID, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Stage a single-tenant farm record and point this device at it",
		Long: `Write a farm record exported from the single-tenant client to
cpde/v1/farms/<farm-id> and remember <farm-id> on this device, exactly as the
old client left things. The next sign-in migrates it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if farmID == "" || file == "" {
				return errors.New("--farm-id and --file are required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var record map[string]any
			if err := json.Unmarshal(raw, &record); err != nil {
				return fmt.Errorf("%s: farm record must be a JSON object: %w", file, err)
			}

			st, err := openStores(opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			p := repository.LegacyFarmPath(farmID)
			if err := st.remote.Write(ctx, p, record); err != nil {
				return fmt.Errorf("writing %s: %w", p, err)
			}
			if err := st.device.Set(ctx, device.LegacyPointerKey, farmID); err != nil {
				return fmt.Errorf("setting device pointer: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staged %s\n", p)
			return nil
		},
	}
	cmd.Flags().StringVar(&farmID, "farm-id", "", "legacy farm id")
	cmd.Flags().StringVar(&file, "file", "", "JSON file holding the farm record")
	return cmd
}
