package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dataDir    string
	jsonOut    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:     "slawarden",
		Short:   "SLA deadline scheduler, breach detector and escalation engine",
		Version: version,
		Long: `slawarden tracks start and resolve SLAs for tasks. It schedules durable
warning and deadline timers, detects breaches and escalates them along the
configured chain until the task is started or resolved.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the config file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "override daemon.data_dir")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		daemonCmd(opts),
		configCmd(opts),
		taskCmd(opts),
		timersCmd(opts),
		eventsCmd(opts),
		requeueCmd(opts),
		pingCmd(opts),
		scanCmd(opts),
		shutdownCmd(opts),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the slawarden version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "slawarden %s\n", version)
		},
	}
}
