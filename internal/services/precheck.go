package services

import (
	"fmt"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

// ConfigurationResolver resolves the configuration applied to a form.
type ConfigurationResolver interface {
	EffectiveConfiguration(formID string) models.ExportConfiguration
}

// PrecheckValidator finds every condition that must block a run.
type PrecheckValidator struct {
	keys KeyValidator
}

// NewPrecheckValidator creates a new PrecheckValidator instance.
func NewPrecheckValidator(keys KeyValidator) *PrecheckValidator {
	return &PrecheckValidator{keys: keys}
}

// Validate evaluates every form and returns all blocking errors, in form order.
// A form is blocked when its effective configuration is invalid or when it is
// encrypted and has no usable key. An encrypted form without any key reports
// that problem alone.
func (v *PrecheckValidator) Validate(forms []models.Form, configs ConfigurationResolver) []string {
	var errs []string
	for _, form := range forms {
		cfg := configs.EffectiveConfiguration(form.ID)

		if form.NeedsKey() {
			if !cfg.IsPemFilePresent() {
				errs = append(errs, fmt.Sprintf("%s is encrypted and no decryption key is configured", form.Name))
				continue
			}
			for _, e := range v.keys.ValidateKeyFile(cfg.PemFile) {
				errs = append(errs, fmt.Sprintf("%s: %s", form.Name, e))
			}
		}

		if !cfg.IsValid() {
			errs = append(errs, fmt.Sprintf("%s has no valid export configuration", form.Name))
		}
	}
	return errs
}
