package models

import "time"

// RunState is the state of the export orchestrator.
type RunState string

const (
	// StateIdle indicates no run is in progress.
	StateIdle RunState = "idle"
	// StateValidating indicates the precheck of a run is executing.
	StateValidating RunState = "validating"
	// StateRunning indicates form tasks are executing.
	StateRunning RunState = "running"
)

// RunStatus is the persisted status of an export run.
type RunStatus string

const (
	// RunStatusRunning indicates the run has not finished.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates every form exported.
	RunStatusSuccess RunStatus = "success"
	// RunStatusFailed indicates at least one form failed.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// ExportOutcome is the result of exporting one form in one run.
type ExportOutcome struct {
	ExportedAt time.Time `json:"exported_at"`
	FormID     string    `json:"form_id"`
	FormName   string    `json:"form_name"`
	Errors     []string  `json:"errors"`
	Success    bool      `json:"success"`
	Cancelled  bool      `json:"cancelled"`
}

// OrchestrationResult aggregates the outcomes of a run.
type OrchestrationResult struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	RunID      string          `json:"run_id"`
	Outcomes   []ExportOutcome `json:"outcomes"`
	Success    bool            `json:"success"`
}

// Failed returns the outcomes that did not succeed.
func (r *OrchestrationResult) Failed() []ExportOutcome {
	var failed []ExportOutcome
	for _, o := range r.Outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	return failed
}

// Cancelled reports whether any outcome was cancelled.
func (r *OrchestrationResult) Cancelled() bool {
	for _, o := range r.Outcomes {
		if o.Cancelled {
			return true
		}
	}
	return false
}

// Status derives the persisted status of the run.
func (r *OrchestrationResult) Status() RunStatus {
	switch {
	case r.Success:
		return RunStatusSuccess
	case r.Cancelled():
		return RunStatusCancelled
	default:
		return RunStatusFailed
	}
}

// ExportRun is a persisted export run.
type ExportRun struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	ID         string          `json:"id"`
	Status     RunStatus       `json:"status"`
	Requester  string          `json:"requester"`
	FormCount  int             `json:"form_count"`
	Outcomes   []ExportOutcome `json:"outcomes,omitempty"`
}

// RunEventType identifies a progress event of a run.
type RunEventType string

const (
	// EventRunStarted is sent once when tasks are launched.
	EventRunStarted RunEventType = "run_started"
	// EventFormStarted is sent when a form task begins.
	EventFormStarted RunEventType = "form_started"
	// EventPullFinished is sent after a successful pull.
	EventPullFinished RunEventType = "pull_finished"
	// EventFormFinished carries a form outcome.
	EventFormFinished RunEventType = "form_finished"
	// EventRunFinished carries the final result.
	EventRunFinished RunEventType = "run_finished"
)

// RunEvent is a progress notification of a run.
type RunEvent struct {
	Time    time.Time            `json:"time"`
	Outcome *ExportOutcome       `json:"outcome,omitempty"`
	Result  *OrchestrationResult `json:"result,omitempty"`
	Type    RunEventType         `json:"type"`
	RunID   string               `json:"run_id"`
	FormID  string               `json:"form_id,omitempty"`
}

// StartExportRequest selects the forms of a run. An empty list exports the
// forms currently selected in the catalog.
type StartExportRequest struct {
	FormIDs []string `json:"form_ids"`
}
