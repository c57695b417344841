package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/config"
	"github.com/msageha/slawarden/internal/daemon"
	"github.com/msageha/slawarden/internal/logging"
	"github.com/msageha/slawarden/internal/model"
	"github.com/msageha/slawarden/internal/yaml"
)

func loadConfig(opts *rootOptions) (*model.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.dataDir != "" {
		cfg.Daemon.DataDir = opts.dataDir
	}
	return cfg, nil
}

func daemonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler daemon in the foreground",
		Long: `Run the daemon: claim due timers, detect warnings and breaches, escalate,
and serve the control socket, the HTTP callback API and Prometheus metrics.
SIGINT or SIGTERM drains in-flight fires; a second signal exits at once.
Edits to the sla and escalation sections of the config file apply live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging, filepath.Join(cfg.Daemon.DataDir, "logs", "daemon.log"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("slawarden starting",
				zap.String("version", version),
				zap.String("config", opts.configPath),
				zap.String("store", cfg.Store.Driver))
			return daemon.New(cfg, opts.configPath, logger).Run()
		},
	}
}

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(opts.configPath, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okMark(), opts.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file (kept as .bak)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config after defaults and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the config file from its .bak copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := yaml.RestoreFromBackup(opts.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s restored %s from backup\n", okMark(), opts.configPath)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, restoreCmd)
	return cmd
}
