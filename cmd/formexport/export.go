package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
	"github.com/pandeptwidyaop/formexport/internal/validation"
)

const cliRequester = "cli"

type exportOptions struct {
	storageDir  string
	formIDs     []string
	exportDir   string
	startDate   string
	endDate     string
	pemFile     string
	serverURL   string
	username    string
	password    string
	overwrite   bool
	exportMedia bool
	workers     int
}

func newExportCommand() *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export forms from the local archive",
		Long: `Export the given forms, or every form in the archive when no --form-id is
given. With --aggregate-url the submissions of each form are pulled first.
The command fails when the run is blocked or a form fails; a cancelled run
(Ctrl-C) is not a failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runExport(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.storageDir, "storage-dir", "", "form archive directory (default: storage.dir)")
	f.StringSliceVar(&opts.formIDs, "form-id", nil, "form to export, repeatable, glob patterns allowed (default: all forms)")
	f.StringVar(&opts.exportDir, "export-dir", "", "output directory (default: export.default_export_dir)")
	f.StringVar(&opts.startDate, "start-date", "", "export submissions on or after this date (YYYY-MM-DD)")
	f.StringVar(&opts.endDate, "end-date", "", "export submissions on or before this date (YYYY-MM-DD)")
	f.StringVar(&opts.pemFile, "pem-file", "", "private key decrypting encrypted forms")
	f.StringVar(&opts.serverURL, "aggregate-url", "", "pull submissions from this server before exporting")
	f.StringVar(&opts.username, "odk-username", "", "username for the aggregation server")
	f.StringVar(&opts.password, "odk-password", "", "password for the aggregation server")
	f.BoolVar(&opts.overwrite, "overwrite", false, "overwrite existing output files")
	f.BoolVar(&opts.exportMedia, "export-media", true, "copy submission attachments next to the output")
	f.IntVar(&opts.workers, "workers", 0, "forms exported at once (default: export.max_workers)")
	return cmd
}

// configuration builds the export configuration applied to every form of the run.
func (o exportOptions) configuration(defaultDir string) (models.ExportConfiguration, error) {
	c := models.ExportConfiguration{
		ExportDir:      o.exportDir,
		OverwriteFiles: models.Bool(o.overwrite),
		ExportMedia:    models.Bool(o.exportMedia),
	}
	if c.ExportDir == "" {
		c.ExportDir = defaultDir
	}
	if c.ExportDir == "" {
		return c, errors.New("--export-dir is required when export.default_export_dir is not set")
	}

	var err error
	if c.ExportDir, err = filepath.Abs(c.ExportDir); err != nil {
		return c, err
	}
	if o.pemFile != "" {
		if c.PemFile, err = filepath.Abs(o.pemFile); err != nil {
			return c, err
		}
	}
	if o.startDate != "" {
		d, err := models.ParseDate(o.startDate)
		if err != nil {
			return c, fmt.Errorf("--start-date: %w", err)
		}
		c.StartDate = &d
	}
	if o.endDate != "" {
		d, err := models.ParseDate(o.endDate)
		if err != nil {
			return c, fmt.Errorf("--end-date: %w", err)
		}
		c.EndDate = &d
	}
	if o.serverURL != "" {
		c.PullBefore = models.Bool(true)
	}

	return c, validation.ValidateExportConfiguration(c)
}

func runExport(ctx context.Context, stdout, stderr io.Writer, opts exportOptions) error {
	exportConf, err := opts.configuration(cfg.Export.DefaultExportDir)
	if err != nil {
		return err
	}

	storageDir := opts.storageDir
	if storageDir == "" {
		storageDir = cfg.Storage.Dir
	}
	a, err := openApp(ctx, cfg, storageDir)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	configs := services.NewConfigurationStore(exportConf, services.ConfigurationStoreOptions{})

	ids, err := matchForms(a.catalog.IDs(), opts.formIDs)
	if err != nil {
		return err
	}
	if opts.serverURL != "" {
		settings := models.PullSettings{ServerURL: opts.serverURL, Username: opts.username, Password: opts.password}
		if err := validation.ValidatePullSettings(settings); err != nil {
			return fmt.Errorf("--aggregate-url: %w", err)
		}
		for _, id := range ids {
			if err := configs.PutPullSettings(id, settings); err != nil {
				return err
			}
		}
	}

	workers := opts.workers
	if workers <= 0 {
		workers = cfg.Export.MaxWorkers
	}
	orchestrator := a.newOrchestrator(configs, workers)

	if len(ids) == 0 {
		return services.ErrNothingSelected
	}
	run, err := orchestrator.StartForms(ctx, ids, cliRequester)
	var blocked *services.ValidationError
	if errors.As(err, &blocked) {
		for _, msg := range blocked.Errors {
			fmt.Fprintln(stderr, msg)
		}
		return errors.New("export blocked")
	}
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{"run_id": run.ID, "forms": len(run.Forms)}).Info("Export started")
	result := run.Wait()
	return reportResult(stdout, stderr, result)
}

// matchForms returns the known form IDs matching any of patterns, in catalog
// order. No patterns selects every form.
func matchForms(known, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return known, nil
	}

	matched := make(map[string]bool)
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid --form-id pattern %q", pattern)
		}
		found := false
		for _, id := range known {
			if ok, _ := doublestar.Match(pattern, id); ok {
				matched[id] = true
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", services.ErrFormNotFound, pattern)
		}
	}

	ids := make([]string, 0, len(matched))
	for _, id := range known {
		if matched[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// reportResult prints one line per form and fails when a form failed for a
// reason other than cancellation.
func reportResult(stdout, stderr io.Writer, result *models.OrchestrationResult) error {
	failed := 0
	for _, o := range result.Outcomes {
		switch {
		case o.Success:
			fmt.Fprintf(stdout, "%s: %s\n", o.FormName, color.GreenString("exported"))
		case o.Cancelled:
			fmt.Fprintf(stdout, "%s: %s\n", o.FormName, color.YellowString("cancelled"))
		default:
			failed++
			fmt.Fprintf(stderr, "%s: %s\n", o.FormName, color.RedString("failed"))
			for _, msg := range o.Errors {
				fmt.Fprintf(stderr, "  %s\n", msg)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d forms failed", failed, len(result.Outcomes))
	}
	return nil
}
