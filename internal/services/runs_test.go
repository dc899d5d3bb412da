package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

func TestRunService_CreateAndFinish(t *testing.T) {
	ctx := context.Background()
	runs := services.NewRunService(newTestDB(t))
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)

	require.NoError(t, runs.CreateRun(ctx, "run-1", "alice", 2, started))

	run, err := runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Empty(t, run.Outcomes)

	result := &models.OrchestrationResult{
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Outcomes: []models.ExportOutcome{
			{FormID: "a", FormName: "Alpha", Success: true, Errors: []string{}, ExportedAt: time.Now()},
			{FormID: "b", FormName: "Beta", Errors: []string{"first", "second"}, ExportedAt: time.Now()},
		},
	}
	require.NoError(t, runs.FinishRun(ctx, result))

	run, err = runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "alice", run.Requester)
	assert.Equal(t, 2, run.FormCount)
	require.NotNil(t, run.FinishedAt)
	require.Len(t, run.Outcomes, 2)
	assert.Equal(t, []string{}, run.Outcomes[0].Errors)
	assert.Equal(t, []string{"first", "second"}, run.Outcomes[1].Errors)
}

func TestRunService_GetRunNotFound(t *testing.T) {
	_, err := services.NewRunService(newTestDB(t)).GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, services.ErrRunNotFound)
}

func TestRunService_ListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	runs := services.NewRunService(newTestDB(t))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "middle", "new"} {
		require.NoError(t, runs.CreateRun(ctx, id, "", 1, base.Add(time.Duration(i)*time.Hour)))
	}

	list, err := runs.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "middle", list[1].ID)

	list, err = runs.ListRuns(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "old", list[0].ID)
}
