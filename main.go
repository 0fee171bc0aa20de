package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mailroom/config"
	"mailroom/internal/bootstrap"
	"mailroom/internal/setup"
	"mailroom/pkg/logger"
)

func main() {
	// .env is a local-development convenience; production uses real env vars.
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:           "mailroom",
		Short:         "Email triage automator for Fastmail-style accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the triage service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := bootstrap.New(ctx, cfg, log)
			if err != nil {
				log.Error().Err(err).Msg("startup failed")
				return err
			}
			if err := svc.Run(ctx); err != nil {
				log.Error().Err(err).Msg("service failed")
				return err
			}
			return nil
		},
	}

	var apply bool
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Reconcile mailboxes and contact groups with the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			prov, err := bootstrap.NewProvisioner(ctx, cfg, log)
			if err != nil {
				log.Error().Err(err).Msg("startup failed")
				return err
			}
			report, err := prov.Run(ctx, apply)
			if err != nil {
				log.Error().Err(err).Msg("setup failed")
				return err
			}
			setup.Render(cmd.OutOrStdout(), report, cfg)
			return nil
		},
	}
	setupCmd.Flags().BoolVar(&apply, "apply", false, "create missing resources instead of only reporting them")

	root.AddCommand(runCmd, setupCmd)
	root.RunE = runCmd.RunE

	if err := root.Execute(); err != nil {
		// Startup errors are logged where they happen; keep stderr terse.
		os.Exit(1)
	}
}

func load(configPath string) (*config.Config, zerolog.Logger, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fallback := logger.New("info", "console")
		fallback.Error().Err(err).Msg("configuration invalid")
		return nil, zerolog.Logger{}, err
	}
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat), nil
}
