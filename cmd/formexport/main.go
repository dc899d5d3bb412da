// Package main is the entry point for the formexport CLI and server.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pandeptwidyaop/formexport/internal/config"
	"github.com/pandeptwidyaop/formexport/internal/logging"
	"github.com/pandeptwidyaop/formexport/internal/version"
)

var (
	configPath string
	verbose    bool

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "formexport",
	Short: "Export locally stored form submissions",
	Long: `formexport turns the submissions stored in a local form archive into
CSV datasets. Forms can be pulled from an aggregation server before export,
and runs can be driven from the command line or through the HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = loaded

		closer, err := logging.Setup(cfg.Log, verbose)
		if err != nil {
			return fmt.Errorf("configure logging: %w", err)
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newServeCommand(),
		newExportCommand(),
		newFormsCommand(),
		newHashTokenCommand(),
		newServiceCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.String())
			},
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Debugf("command failed: %v", err)
		os.Exit(1)
	}
}
