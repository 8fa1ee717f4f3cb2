package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configPath string
	humanLogs  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gitops-sync",
		Short:         "Reconciles a Kubernetes cluster against a Git repository's declared application set",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the sync config file (also read from CONFIG_PATH)")
	root.PersistentFlags().BoolVar(&humanLogs, "human-logs", false, "render logs in colorized human-readable form instead of machine key=value form")

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the sync config without starting the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config OK: %d applications, interval=%s, concurrency=%d\n",
				len(cfg.Applications), cfg.Sync.Interval, cfg.Sync.Concurrency)
			return nil
		},
	}
}
