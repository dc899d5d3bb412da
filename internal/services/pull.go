package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

// Transfer pulls new submissions of one form from a remote server.
type Transfer interface {
	Pull(ctx context.Context, form models.Form, settings models.PullSettings) error
}

// PullSettingsSource looks up where a form pulls from.
type PullSettingsSource interface {
	PullSettings(formID string) (models.PullSettings, bool)
}

// PullCoordinator runs the optional pull that precedes a form's export.
type PullCoordinator struct {
	transfer Transfer
	settings PullSettingsSource
	log      *logrus.Entry
}

// NewPullCoordinator creates a new PullCoordinator instance.
func NewPullCoordinator(transfer Transfer, settings PullSettingsSource) *PullCoordinator {
	return &PullCoordinator{
		transfer: transfer,
		settings: settings,
		log:      logrus.WithField("component", "pull"),
	}
}

// MaybePull pulls the form when cfg asks for it and pull settings exist.
// It reports whether a pull happened. Failures are returned as *PullError.
func (p *PullCoordinator) MaybePull(ctx context.Context, form models.Form, cfg models.ExportConfiguration) (bool, error) {
	if !cfg.PullBeforeExport() {
		return false, nil
	}

	settings, ok := p.settings.PullSettings(form.ID)
	if !ok || settings.IsEmpty() {
		p.log.WithField("form_id", form.ID).Debug("Pull requested but no pull settings stored, skipping")
		return false, nil
	}

	p.log.WithFields(logrus.Fields{"form_id": form.ID, "server": settings.ServerURL}).Info("Pulling submissions before export")
	if err := p.transfer.Pull(ctx, form, settings); err != nil {
		return false, &PullError{FormID: form.ID, Err: err}
	}
	return true, nil
}
