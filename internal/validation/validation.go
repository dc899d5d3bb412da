// Package validation checks client supplied paths, URLs and export settings.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

var (
	// ErrInputTooLong indicates input exceeds maximum length.
	ErrInputTooLong = errors.New("input exceeds maximum length")
	// ErrInputInvalid indicates input contains invalid characters.
	ErrInputInvalid = errors.New("input contains invalid characters")
	// ErrPathNotAbsolute indicates a relative file system path.
	ErrPathNotAbsolute = errors.New("path must be absolute")
	// ErrInvalidURL indicates a server URL that is not http or https.
	ErrInvalidURL = errors.New("server url must be an http or https url")
	// ErrDateRange indicates a start date after the end date.
	ErrDateRange = errors.New("start date must not be after end date")
)

const (
	maxPathLength   = 4096
	maxFormIDLength = 255
)

// ValidatePath validates a file system path.
func ValidatePath(path string) error {
	if len(path) > maxPathLength {
		return ErrInputTooLong
	}

	// Disallow null bytes and line breaks
	if strings.ContainsAny(path, "\x00\n\r") {
		return ErrInputInvalid
	}

	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	return nil
}

// ValidateServerURL validates the URL of an aggregation server.
func ValidateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	if u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// ValidateFormID validates a form identifier received from a client.
func ValidateFormID(id string) error {
	if id == "" || len(id) > maxFormIDLength {
		return ErrInputTooLong
	}
	if strings.ContainsAny(id, "\x00/\\") {
		return ErrInputInvalid
	}
	return nil
}

// ValidateExportConfiguration checks the fields that are set. An empty
// export directory is accepted so incomplete configurations can be saved.
func ValidateExportConfiguration(cfg models.ExportConfiguration) error {
	var errs []error

	if cfg.ExportDir != "" {
		if err := ValidatePath(cfg.ExportDir); err != nil {
			errs = append(errs, fmt.Errorf("export_dir: %w", err))
		}
	}
	if cfg.PemFile != "" {
		if err := ValidatePath(cfg.PemFile); err != nil {
			errs = append(errs, fmt.Errorf("pem_file: %w", err))
		}
	}
	if !cfg.IsDateRangeValid() {
		errs = append(errs, ErrDateRange)
	}

	return errors.Join(errs...)
}

// ValidatePullSettings validates the pull source of a form.
func ValidatePullSettings(settings models.PullSettings) error {
	if err := ValidateServerURL(settings.ServerURL); err != nil {
		return err
	}
	if len(settings.Username) > 255 || len(settings.Password) > 1024 {
		return ErrInputTooLong
	}
	if strings.ContainsAny(settings.Username, "\x00:") {
		return ErrInputInvalid
	}
	return nil
}
