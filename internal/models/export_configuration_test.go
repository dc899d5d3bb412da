package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dateRef(y int, m time.Month, d int) *Date {
	date := NewDate(y, m, d)
	return &date
}

func TestExportConfiguration_MapRoundTrip(t *testing.T) {
	full := ExportConfiguration{
		ExportDir:      "/exports",
		PemFile:        "/keys/form.pem",
		StartDate:      dateRef(2024, time.January, 1),
		EndDate:        dateRef(2024, time.December, 31),
		PullBefore:     Bool(true),
		OverwriteFiles: Bool(false),
		ExportMedia:    Bool(true),
	}

	for _, prefix := range []string{"", BuildCustomConfPrefix("household")} {
		m := full.AsMap(prefix)
		assert.Len(t, m, 7)
		assert.Equal(t, "2024-01-01", m[prefix+"start_date"])
		assert.Equal(t, "false", m[prefix+"overwrite_files"])

		got := ExportConfigurationFromMap(m, prefix)
		assert.Equal(t, full, got)
	}
}

func TestExportConfiguration_EmptyRoundTrip(t *testing.T) {
	var empty ExportConfiguration
	m := empty.AsMap("x_")
	assert.Empty(t, m)

	got := ExportConfigurationFromMap(m, "x_")
	assert.True(t, got.IsEmpty())
	assert.False(t, got.IsValid())
}

func TestExportConfigurationFromMap_IgnoresOtherPrefixesAndBadValues(t *testing.T) {
	m := map[string]string{
		"export_dir":         "/default",
		"a_export_dir":       "/a",
		"a_start_date":       "not-a-date",
		"a_pull_before":      "maybe",
		"a_last_export_date": "2024-01-01T00:00:00Z",
	}

	a := ExportConfigurationFromMap(m, "a_")
	assert.Equal(t, "/a", a.ExportDir)
	assert.Nil(t, a.StartDate)
	assert.Nil(t, a.PullBefore)

	def := ExportConfigurationFromMap(m, "")
	assert.Equal(t, "/default", def.ExportDir)
}

func TestExportConfiguration_IsValid(t *testing.T) {
	tests := []struct {
		name string
		cfg  ExportConfiguration
		want bool
	}{
		{"missing export dir", ExportConfiguration{PemFile: "k.pem"}, false},
		{"export dir only", ExportConfiguration{ExportDir: "/out"}, true},
		{"open range", ExportConfiguration{ExportDir: "/out", StartDate: dateRef(2024, 5, 1)}, true},
		{"same day range", ExportConfiguration{ExportDir: "/out", StartDate: dateRef(2024, 5, 1), EndDate: dateRef(2024, 5, 1)}, true},
		{"inverted range", ExportConfiguration{ExportDir: "/out", StartDate: dateRef(2024, 5, 2), EndDate: dateRef(2024, 5, 1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.IsValid())
		})
	}
}

func TestExportConfiguration_Includes(t *testing.T) {
	cfg := ExportConfiguration{StartDate: dateRef(2024, 3, 1), EndDate: dateRef(2024, 3, 31)}

	assert.True(t, cfg.Includes(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, cfg.Includes(time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)))
	assert.False(t, cfg.Includes(time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)))
	assert.False(t, cfg.Includes(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)))

	assert.True(t, ExportConfiguration{}.Includes(time.Now()))
}

func TestExportConfiguration_Flags(t *testing.T) {
	var cfg ExportConfiguration
	assert.False(t, cfg.PullBeforeExport())
	assert.False(t, cfg.Overwrite())
	assert.False(t, cfg.IsPemFilePresent())

	cfg.PullBefore = Bool(true)
	cfg.OverwriteFiles = Bool(true)
	cfg.PemFile = "k.pem"
	assert.True(t, cfg.PullBeforeExport())
	assert.True(t, cfg.Overwrite())
	assert.True(t, cfg.IsPemFilePresent())
}

func TestDate_JSON(t *testing.T) {
	cfg := ExportConfiguration{ExportDir: "/out", StartDate: dateRef(2024, 7, 4)}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"export_dir":"/out","start_date":"2024-07-04"}`, string(data))

	var decoded ExportConfiguration
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cfg, decoded)

	assert.Error(t, json.Unmarshal([]byte(`{"end_date":"07/04/2024"}`), &decoded))
}

func TestPullSettings_MapRoundTrip(t *testing.T) {
	settings := PullSettings{ServerURL: "https://aggregate.example.org", Username: "collector", Password: "secret"}
	prefix := BuildCustomConfPrefix("household")

	got, ok := PullSettingsFromMap(settings.AsMap(prefix), prefix)
	require.True(t, ok)
	assert.Equal(t, settings, got)

	_, ok = PullSettingsFromMap(map[string]string{}, prefix)
	assert.False(t, ok)
	assert.ElementsMatch(t, PullSettingsKeys(prefix), []string{
		"household_pull_source_url", "household_pull_source_username", "household_pull_source_password",
	})
}

func TestParseEncryptionMode(t *testing.T) {
	mode, err := ParseEncryptionMode("")
	require.NoError(t, err)
	assert.Equal(t, EncryptionNone, mode)

	mode, err = ParseEncryptionMode("file-encrypted")
	require.NoError(t, err)
	assert.True(t, Form{EncryptionMode: mode}.NeedsKey())

	_, err = ParseEncryptionMode("rot13")
	assert.Error(t, err)
}

func TestOrchestrationResult_Status(t *testing.T) {
	ok := ExportOutcome{FormID: "a", Success: true}
	failed := ExportOutcome{FormID: "b", Errors: []string{"boom"}}
	cancelled := ExportOutcome{FormID: "c", Cancelled: true}

	assert.Equal(t, RunStatusSuccess, (&OrchestrationResult{Success: true, Outcomes: []ExportOutcome{ok}}).Status())
	assert.Equal(t, RunStatusFailed, (&OrchestrationResult{Outcomes: []ExportOutcome{ok, failed}}).Status())
	assert.Equal(t, RunStatusCancelled, (&OrchestrationResult{Outcomes: []ExportOutcome{failed, cancelled}}).Status())

	r := &OrchestrationResult{Outcomes: []ExportOutcome{ok, failed, cancelled}}
	assert.Len(t, r.Failed(), 2)
}
