package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

func TestAuditService_LogAndList(t *testing.T) {
	ctx := context.Background()
	audit := services.NewAuditService(newTestDB(t))

	audit.LogConfigurationChange(ctx, "api", "update", "", "10.0.0.1", "curl/8")
	audit.LogConfigurationChange(ctx, "api", "delete", "household", "10.0.0.1", "curl/8")
	audit.LogExportRequest(ctx, "api", "run-1", []models.Form{{ID: "a"}, {ID: "b"}}, "10.0.0.2", "")
	audit.LogExportCancel(ctx, "api", "run-1", "10.0.0.2", "")

	logs, err := audit.GetLogs(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 4)

	assert.Equal(t, "cancel", logs[0].Action)
	assert.Equal(t, "export_run", logs[0].ResourceType)

	export := logs[1]
	assert.Equal(t, "export", export.Action)
	assert.Equal(t, "run-1", export.ResourceID)
	assert.JSONEq(t, `{"forms":["a","b"]}`, export.Details)

	assert.Equal(t, "form_configuration", logs[2].ResourceType)
	assert.Equal(t, "household", logs[2].ResourceID)
	assert.Equal(t, "default_configuration", logs[3].ResourceType)
	assert.Equal(t, "10.0.0.1", logs[3].IPAddress)

	page, err := audit.GetLogs(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "default_configuration", page[0].ResourceType)
}
