package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sakif/farmsync/internal/config"
	sqliteRepo "github.com/sakif/farmsync/internal/repository/sqlite"
)

// rootOptions holds the global flags and the config they resolve to.
type rootOptions struct {
	configFile string
	v          *viper.Viper
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:           "farmd",
		Short:         "farmsync device daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.v, opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = newLogger(cmd.ErrOrStderr(), cfg)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	flags.String("remote-db", "", "remote store database path")
	flags.String("device-db", "", "device store database path")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	opts.v.BindPFlag("remote_db", flags.Lookup("remote-db"))
	opts.v.BindPFlag("device_db", flags.Lookup("device-db"))
	opts.v.BindPFlag("log.level", flags.Lookup("log-level"))

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newClassifyCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newLegacyCommand(opts))
	return cmd
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// stores is what the maintenance commands open. The caller closes it.
type stores struct {
	remote *sqliteRepo.DB
	device *sqliteRepo.DeviceDB
}

func openStores(cfg config.Config) (*stores, error) {
	for _, p := range []string{cfg.RemoteDBPath, cfg.DeviceDBPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	remote, err := sqliteRepo.OpenRemote(cfg.RemoteDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening remote store: %w", err)
	}
	device, err := sqliteRepo.OpenDevice(cfg.DeviceDBPath)
	if err != nil {
		remote.Close()
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	return &stores{remote: remote, device: device}, nil
}

func (s *stores) Close() {
	s.remote.Close()
	s.device.Close()
}
