package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBusy indicates an export run is already in progress.
	ErrBusy = errors.New("an export is already running")
	// ErrCancelled indicates a run or a form task observed cancellation.
	ErrCancelled = errors.New("export cancelled")
	// ErrConfigurationLocked indicates a configuration change was attempted during a run.
	ErrConfigurationLocked = errors.New("configuration cannot change while an export is running")
	// ErrNothingSelected indicates a run was requested without forms.
	ErrNothingSelected = errors.New("no forms selected")
	// ErrFormNotFound indicates the requested form is not in the catalog.
	ErrFormNotFound = errors.New("form not found")
	// ErrRunNotFound indicates the requested export run does not exist.
	ErrRunNotFound = errors.New("export run not found")
	// ErrInvalidConfiguration indicates a configuration that cannot drive an export.
	ErrInvalidConfiguration = errors.New("invalid export configuration")
)

// ValidationError blocks a run before any work starts. It carries every
// problem found across the selection.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "export blocked: " + strings.Join(e.Errors, "; ")
}

// PullError is the failure of the pull that precedes a form's export.
type PullError struct {
	FormID string
	Err    error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull of form %s failed: %v", e.FormID, e.Err)
}

func (e *PullError) Unwrap() error {
	return e.Err
}

// ExportError is the failure of a form's export transformation.
type ExportError struct {
	FormID string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export of form %s failed: %v", e.FormID, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
