package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dgrayson/pitchcap/internal"
	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("Main")

func main() {
	var configPath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "pitchcap",
		Short: "Unattended match-recording pipeline for a fixed IP camera",
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logger.SetMinLoggingLevel(logger.VERBOSE.Level())
			} else {
				logger.SetMinLoggingLevel(logger.INFO.Level())
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", internal.ConfigFileName, "path to config.ini")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := internal.LoadConfig(configPath)
			if err != nil {
				return err
			}

			pitchcap, err := internal.New(config)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return pitchcap.Run(ctx)
		},
	}

	var force bool
	processCmd := &cobra.Command{
		Use:   "process-with-ntfy <group-dir>",
		Short: "Ask the operator (via ntfy) to fill in match info for a group directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupDir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if info, err := os.Stat(groupDir); err != nil || !info.IsDir() {
				return fmt.Errorf("%s is not a directory", groupDir)
			}

			config, err := internal.LoadConfig(configPath)
			if err != nil {
				return err
			}

			pitchcap, err := internal.New(config)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return pitchcap.NotifierQueue().CollectOnce(ctx, groupDir, force)
		},
	}
	processCmd.Flags().BoolVar(&force, "force", false, "re-ask even if the group was already processed")

	rootCmd.AddCommand(runCmd, processCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("%v\n", err)
		os.Exit(1)
	}
}
