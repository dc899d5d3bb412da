package services_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

type fakeKeyValidator map[string][]string

func (f fakeKeyValidator) ValidateKeyFile(path string) []string {
	return f[path]
}

func TestPrecheckValidator_CollectsEveryProblem(t *testing.T) {
	store := services.NewConfigurationStore(models.ExportConfiguration{ExportDir: "/out"}, services.ConfigurationStoreOptions{})
	_ = store.SetOverride("f3", models.ExportConfiguration{ExportDir: "/out", PemFile: "/keys/bad.pem"})

	v := services.NewPrecheckValidator(fakeKeyValidator{"/keys/bad.pem": {"the key file is protected by a passphrase"}})

	errs := v.Validate([]models.Form{
		{ID: "f1", Name: "Household", EncryptionMode: models.EncryptionFile},
		{ID: "f2", Name: "Clinic", EncryptionMode: models.EncryptionNone},
		{ID: "f3", Name: "Water points", EncryptionMode: models.EncryptionField},
	}, store)

	assert.Equal(t, []string{
		"Household is encrypted and no decryption key is configured",
		"Water points: the key file is protected by a passphrase",
	}, errs)
}

func TestPrecheckValidator_UnencryptedFormsPass(t *testing.T) {
	store := services.NewConfigurationStore(models.ExportConfiguration{ExportDir: "/out"}, services.ConfigurationStoreOptions{})
	v := services.NewPrecheckValidator(fakeKeyValidator{})

	errs := v.Validate([]models.Form{{ID: "a", Name: "A"}, {ID: "b", Name: "B", EncryptionMode: models.EncryptionNone}}, store)
	assert.Empty(t, errs)
}

func TestPrecheckValidator_ValidKey(t *testing.T) {
	store := services.NewConfigurationStore(models.ExportConfiguration{ExportDir: "/out", PemFile: "/keys/good.pem"}, services.ConfigurationStoreOptions{})
	v := services.NewPrecheckValidator(fakeKeyValidator{})

	errs := v.Validate([]models.Form{{ID: "a", Name: "A", EncryptionMode: models.EncryptionFile}}, store)
	assert.Empty(t, errs)
}

func TestPrecheckValidator_InvalidConfiguration(t *testing.T) {
	start := models.NewDate(2024, time.June, 2)
	end := models.NewDate(2024, time.June, 1)

	store := services.NewConfigurationStore(models.ExportConfiguration{}, services.ConfigurationStoreOptions{})
	_ = store.SetOverride("ok", models.ExportConfiguration{ExportDir: "/out"})
	_ = store.SetOverride("range", models.ExportConfiguration{ExportDir: "/out", StartDate: &start, EndDate: &end})
	v := services.NewPrecheckValidator(fakeKeyValidator{})

	errs := v.Validate([]models.Form{
		{ID: "ok", Name: "Overridden"},
		{ID: "plain", Name: "Inherits default"},
		{ID: "range", Name: "Inverted range"},
		{ID: "enc", Name: "Encrypted", EncryptionMode: models.EncryptionFile},
	}, store)

	assert.Equal(t, []string{
		"Inherits default has no valid export configuration",
		"Inverted range has no valid export configuration",
		"Encrypted is encrypted and no decryption key is configured",
	}, errs)
}
