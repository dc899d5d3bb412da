package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pandeptwidyaop/formexport/internal/database"
	"github.com/pandeptwidyaop/formexport/internal/models"
)

// RunService records export runs and their outcomes.
type RunService struct {
	db *database.DB
}

// NewRunService creates a new RunService instance.
func NewRunService(db *database.DB) *RunService {
	return &RunService{db: db}
}

// CreateRun records the start of a run.
func (s *RunService) CreateRun(ctx context.Context, id, requester string, formCount int, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO export_runs (id, status, requester, form_count, started_at) VALUES (?, ?, ?, ?, ?)",
		id, models.RunStatusRunning, requester, formCount, startedAt,
	)
	return err
}

// FinishRun stores the outcomes and final status of a run.
func (s *RunService) FinishRun(ctx context.Context, result *models.OrchestrationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range result.Outcomes {
		errorsJSON, err := json.Marshal(o.Errors)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO export_outcomes (run_id, form_id, form_name, success, cancelled, errors, exported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, result.RunID, o.FormID, o.FormName, o.Success, o.Cancelled, string(errorsJSON), o.ExportedAt)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE export_runs SET status = ?, finished_at = ? WHERE id = ?",
		result.Status(), result.FinishedAt, result.RunID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetRun returns a run with its outcomes.
func (s *RunService) GetRun(ctx context.Context, id string) (*models.ExportRun, error) {
	var run models.ExportRun
	var requester sql.NullString
	var finishedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		"SELECT id, status, requester, form_count, started_at, finished_at FROM export_runs WHERE id = ?",
		id,
	).Scan(&run.ID, &run.Status, &requester, &run.FormCount, &run.StartedAt, &finishedAt)

	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	if requester.Valid {
		run.Requester = requester.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	outcomes, err := s.getOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Outcomes = outcomes
	return &run, nil
}

// ListRuns returns runs, newest first, without outcomes.
func (s *RunService) ListRuns(ctx context.Context, limit, offset int) ([]models.ExportRun, error) {
	if limit == 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, requester, form_count, started_at, finished_at
		FROM export_runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	runs := make([]models.ExportRun, 0)
	for rows.Next() {
		var run models.ExportRun
		var requester sql.NullString
		var finishedAt sql.NullTime

		if err := rows.Scan(&run.ID, &run.Status, &requester, &run.FormCount, &run.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if requester.Valid {
			run.Requester = requester.String
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *RunService) getOutcomes(ctx context.Context, runID string) ([]models.ExportOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT form_id, form_name, success, cancelled, errors, exported_at
		FROM export_outcomes
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var outcomes []models.ExportOutcome
	for rows.Next() {
		var o models.ExportOutcome
		var errorsJSON sql.NullString

		if err := rows.Scan(&o.FormID, &o.FormName, &o.Success, &o.Cancelled, &errorsJSON, &o.ExportedAt); err != nil {
			return nil, err
		}
		o.Errors = []string{}
		if errorsJSON.Valid && errorsJSON.String != "" {
			if err := json.Unmarshal([]byte(errorsJSON.String), &o.Errors); err != nil {
				return nil, err
			}
			if o.Errors == nil {
				o.Errors = []string{}
			}
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
