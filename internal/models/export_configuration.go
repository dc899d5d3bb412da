package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// DateLayout is the layout used for date-range filters everywhere.
const DateLayout = "2006-01-02"

const (
	keyExportDir      = "export_dir"
	keyPemFile        = "pem_file"
	keyStartDate      = "start_date"
	keyEndDate        = "end_date"
	keyPullBefore     = "pull_before"
	keyOverwriteFiles = "overwrite_files"
	keyExportMedia    = "export_media"
)

var configurationKeys = []string{
	keyExportDir,
	keyPemFile,
	keyStartDate,
	keyEndDate,
	keyPullBefore,
	keyOverwriteFiles,
	keyExportMedia,
}

// Date is a calendar date without time of day, serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate returns the date at UTC midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ExportConfiguration holds the settings that drive one form's export.
// Optional settings are nil or empty when not set.
type ExportConfiguration struct {
	StartDate      *Date  `json:"start_date,omitempty"`
	EndDate        *Date  `json:"end_date,omitempty"`
	PullBefore     *bool  `json:"pull_before,omitempty"`
	OverwriteFiles *bool  `json:"overwrite_files,omitempty"`
	ExportMedia    *bool  `json:"export_media,omitempty"`
	ExportDir      string `json:"export_dir,omitempty"`
	PemFile        string `json:"pem_file,omitempty"`
}

// IsEmpty reports whether nothing has been configured.
func (c ExportConfiguration) IsEmpty() bool {
	return c.ExportDir == "" && c.PemFile == "" && c.StartDate == nil && c.EndDate == nil &&
		c.PullBefore == nil && c.OverwriteFiles == nil && c.ExportMedia == nil
}

// IsValid reports whether the configuration can drive an export.
func (c ExportConfiguration) IsValid() bool {
	if c.ExportDir == "" {
		return false
	}
	return c.IsDateRangeValid()
}

// IsDateRangeValid reports whether the start date does not come after the end date.
func (c ExportConfiguration) IsDateRangeValid() bool {
	if c.StartDate == nil || c.EndDate == nil {
		return true
	}
	return !c.StartDate.After(c.EndDate.Time)
}

// IsPemFilePresent reports whether a decryption key file is configured.
func (c ExportConfiguration) IsPemFilePresent() bool {
	return c.PemFile != ""
}

// PullBeforeExport reports whether a pull is requested before exporting.
func (c ExportConfiguration) PullBeforeExport() bool {
	return c.PullBefore != nil && *c.PullBefore
}

// Overwrite reports whether existing output files may be replaced.
func (c ExportConfiguration) Overwrite() bool {
	return c.OverwriteFiles != nil && *c.OverwriteFiles
}

// Includes reports whether a submission date falls inside the date range.
// Both bounds are inclusive days.
func (c ExportConfiguration) Includes(t time.Time) bool {
	day := NewDate(t.UTC().Date())
	if c.StartDate != nil && day.Before(c.StartDate.Time) {
		return false
	}
	if c.EndDate != nil && day.After(c.EndDate.Time) {
		return false
	}
	return true
}

// AsMap serializes the configuration into flat key/value pairs, each key
// prefixed with prefix. Unset settings are omitted.
func (c ExportConfiguration) AsMap(prefix string) map[string]string {
	m := make(map[string]string)
	if c.ExportDir != "" {
		m[prefix+keyExportDir] = c.ExportDir
	}
	if c.PemFile != "" {
		m[prefix+keyPemFile] = c.PemFile
	}
	if c.StartDate != nil {
		m[prefix+keyStartDate] = c.StartDate.String()
	}
	if c.EndDate != nil {
		m[prefix+keyEndDate] = c.EndDate.String()
	}
	if c.PullBefore != nil {
		m[prefix+keyPullBefore] = strconv.FormatBool(*c.PullBefore)
	}
	if c.OverwriteFiles != nil {
		m[prefix+keyOverwriteFiles] = strconv.FormatBool(*c.OverwriteFiles)
	}
	if c.ExportMedia != nil {
		m[prefix+keyExportMedia] = strconv.FormatBool(*c.ExportMedia)
	}
	return m
}

// ExportConfigurationFromMap is the inverse of AsMap. Values that cannot be
// parsed are treated as unset.
func ExportConfigurationFromMap(m map[string]string, prefix string) ExportConfiguration {
	var c ExportConfiguration
	c.ExportDir = m[prefix+keyExportDir]
	c.PemFile = m[prefix+keyPemFile]
	c.StartDate = parseDateValue(m, prefix+keyStartDate)
	c.EndDate = parseDateValue(m, prefix+keyEndDate)
	c.PullBefore = parseBoolValue(m, prefix+keyPullBefore)
	c.OverwriteFiles = parseBoolValue(m, prefix+keyOverwriteFiles)
	c.ExportMedia = parseBoolValue(m, prefix+keyExportMedia)
	return c
}

// ExportConfigurationKeys lists every key AsMap may emit for prefix.
func ExportConfigurationKeys(prefix string) []string {
	keys := make([]string, 0, len(configurationKeys))
	for _, k := range configurationKeys {
		keys = append(keys, prefix+k)
	}
	return keys
}

// BuildCustomConfPrefix returns the key prefix for a form's override.
func BuildCustomConfPrefix(formID string) string {
	return formID + "_"
}

// BuildExportDateTimeKey returns the key storing a form's last export time.
func BuildExportDateTimeKey(formID string) string {
	return formID + "_last_export_date"
}

func parseDateValue(m map[string]string, key string) *Date {
	v, ok := m[key]
	if !ok {
		return nil
	}
	d, err := ParseDate(v)
	if err != nil {
		return nil
	}
	return &d
}

func parseBoolValue(m map[string]string, key string) *bool {
	v, ok := m[key]
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}
