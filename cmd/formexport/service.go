package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pandeptwidyaop/formexport/internal/service"
)

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd units of formexport",
	}

	unitCfg := service.DefaultConfig()
	install := &cobra.Command{
		Use:   "install [-- export flags]",
		Short: "Install and start the server unit, and the export timer with --schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitCfg.ExportArgs = args
			if err := service.Install(unitCfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "formexport units installed")
			return nil
		},
	}
	f := install.Flags()
	f.StringVar(&unitCfg.ConfigPath, "unit-config", unitCfg.ConfigPath, "config file passed to the units")
	f.StringVar(&unitCfg.User, "user", unitCfg.User, "user the units run as")
	f.StringVar(&unitCfg.WorkingDir, "working-dir", unitCfg.WorkingDir, "working directory of the units")
	f.StringVar(&unitCfg.Schedule, "schedule", "", "OnCalendar expression of scheduled exports, e.g. daily")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the formexport units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall()
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the status of the formexport units",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := service.CurrentStatus()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
