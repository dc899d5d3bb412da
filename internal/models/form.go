// Package models defines data models for forms, export configurations, and export runs.
package models

import (
	"fmt"
	"time"
)

// EncryptionMode describes how submissions of a form are encrypted.
type EncryptionMode string

const (
	// EncryptionNone indicates plain submissions.
	EncryptionNone EncryptionMode = "none"
	// EncryptionFile indicates the whole submission is encrypted.
	EncryptionFile EncryptionMode = "file-encrypted"
	// EncryptionField indicates individual fields are encrypted.
	EncryptionField EncryptionMode = "field-encrypted"
)

// ParseEncryptionMode parses a mode name; the empty string maps to EncryptionNone.
func ParseEncryptionMode(s string) (EncryptionMode, error) {
	switch EncryptionMode(s) {
	case "", EncryptionNone:
		return EncryptionNone, nil
	case EncryptionFile, EncryptionField:
		return EncryptionMode(s), nil
	}
	return "", fmt.Errorf("unknown encryption mode %q", s)
}

// Form represents a data-collection form known to the local archive.
type Form struct {
	LastExportedAt *time.Time     `json:"last_exported_at"`
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Dir            string         `json:"-"`
	EncryptionMode EncryptionMode `json:"encryption_mode"`
	Selected       bool           `json:"selected"`
}

// NeedsKey reports whether submissions require a decryption key.
func (f Form) NeedsKey() bool {
	return f.EncryptionMode != "" && f.EncryptionMode != EncryptionNone
}

// SelectionRequest toggles the selection of one form or all forms.
type SelectionRequest struct {
	Selected bool `json:"selected"`
}
