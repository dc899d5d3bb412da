package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

func TestPullCoordinator_MaybePull(t *testing.T) {
	ctx := context.Background()
	configs := services.NewConfigurationStore(models.ExportConfiguration{}, services.ConfigurationStoreOptions{})
	require.NoError(t, configs.PutPullSettings("a", models.PullSettings{ServerURL: "https://agg.example.org"}))

	transfer := &fakeTransfer{fail: map[string]error{"a": nil}}
	puller := services.NewPullCoordinator(transfer, configs)
	pullBefore := models.ExportConfiguration{ExportDir: "/out", PullBefore: models.Bool(true)}

	pulled, err := puller.MaybePull(ctx, models.Form{ID: "a"}, models.ExportConfiguration{ExportDir: "/out"})
	require.NoError(t, err)
	assert.False(t, pulled, "pull not requested")

	pulled, err = puller.MaybePull(ctx, models.Form{ID: "b"}, pullBefore)
	require.NoError(t, err)
	assert.False(t, pulled, "no pull settings")

	pulled, err = puller.MaybePull(ctx, models.Form{ID: "a"}, pullBefore)
	require.NoError(t, err)
	assert.True(t, pulled)
	assert.Equal(t, []string{"a"}, transfer.calls)

	transfer.fail["a"] = errors.New("connection refused")
	_, err = puller.MaybePull(ctx, models.Form{ID: "a"}, pullBefore)
	var pullErr *services.PullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "a", pullErr.FormID)
}
