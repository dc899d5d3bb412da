package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/formexport/internal/models"
	"github.com/pandeptwidyaop/formexport/internal/services"
)

type fakeExporter struct {
	mu      sync.Mutex
	calls   []string
	configs map[string]models.ExportConfiguration
	fn      func(ctx context.Context, form models.Form) error
}

func (e *fakeExporter) Export(ctx context.Context, form models.Form, cfg models.ExportConfiguration) error {
	e.mu.Lock()
	e.calls = append(e.calls, form.ID)
	if e.configs == nil {
		e.configs = make(map[string]models.ExportConfiguration)
	}
	e.configs[form.ID] = cfg
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(ctx, form)
	}
	return nil
}

func (e *fakeExporter) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeExporter) ConfigurationOf(formID string) models.ExportConfiguration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[formID]
}

type hookKeyValidator func(path string) []string

func (h hookKeyValidator) ValidateKeyFile(path string) []string {
	return h(path)
}

type fakeTransfer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeTransfer) Pull(_ context.Context, form models.Form, _ models.PullSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, form.ID)
	return f.fail[form.ID]
}

type orchestratorFixture struct {
	catalog  *services.FormCatalog
	configs  *services.ConfigurationStore
	exporter *fakeExporter
	transfer *fakeTransfer
	prefs    *services.PreferenceService
	runs     *services.RunService
	orch     *services.ExportOrchestrator
}

func newOrchestratorFixture(t *testing.T, forms []models.Form, workers int) *orchestratorFixture {
	t.Helper()

	db := newTestDB(t)
	f := &orchestratorFixture{
		catalog:  services.NewFormCatalog(services.MergeKeepMissing),
		configs:  services.NewConfigurationStore(models.ExportConfiguration{ExportDir: t.TempDir()}, services.ConfigurationStoreOptions{}),
		exporter: &fakeExporter{},
		transfer: &fakeTransfer{fail: map[string]error{}},
		prefs:    services.NewPreferenceService(db),
		runs:     services.NewRunService(db),
	}
	f.catalog.Load(forms)

	f.orch = services.NewExportOrchestrator(
		f.catalog,
		f.configs,
		services.NewPrecheckValidator(fakeKeyValidator{}),
		services.NewPullCoordinator(f.transfer, f.configs),
		f.exporter,
		services.OrchestratorOptions{MaxWorkers: workers, Runs: f.runs, Preferences: f.prefs},
	)
	return f
}

func threeForms() []models.Form {
	return []models.Form{
		{ID: "a", Name: "Alpha"},
		{ID: "b", Name: "Beta"},
		{ID: "c", Name: "Gamma"},
	}
}

func waitForState(t *testing.T, orch *services.ExportOrchestrator, state models.RunState) {
	t.Helper()
	require.Eventually(t, func() bool { return orch.State() == state }, 2*time.Second, 5*time.Millisecond)
}

func TestExportOrchestrator_AllSucceed(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, threeForms(), 2)

	result, err := f.orch.Run(ctx, f.catalog.All(), "tester")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, models.RunStatusSuccess, result.Status())
	require.Len(t, result.Outcomes, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, result.Outcomes[i].FormID, "outcomes follow the input order")
		assert.True(t, result.Outcomes[i].Success)
		assert.Empty(t, result.Outcomes[i].Errors)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, f.exporter.Calls())
	assert.Empty(t, f.transfer.calls, "pull is not requested by the default configuration")

	for _, form := range f.catalog.All() {
		assert.NotNil(t, form.LastExportedAt, form.ID)
		_, ok, err := f.prefs.Get(ctx, models.BuildExportDateTimeKey(form.ID))
		require.NoError(t, err)
		assert.True(t, ok)
	}

	run, err := f.runs.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, "tester", run.Requester)
	assert.Len(t, run.Outcomes, 3)
	assert.Equal(t, models.StateIdle, f.orch.State())
}

func TestExportOrchestrator_PullFailureIsIsolated(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 3)
	dir := t.TempDir()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, f.configs.SetOverride(id, models.ExportConfiguration{ExportDir: dir, PullBefore: models.Bool(true)}))
		require.NoError(t, f.configs.PutPullSettings(id, models.PullSettings{ServerURL: "https://agg.example.org"}))
	}
	f.transfer.fail["a"] = errors.New("connection refused")

	result, err := f.orch.Run(context.Background(), f.catalog.All(), "tester")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, models.RunStatusFailed, result.Status())
	assert.False(t, result.Outcomes[0].Success)
	assert.Contains(t, result.Outcomes[0].Errors[0], "connection refused")
	assert.True(t, result.Outcomes[1].Success)
	assert.True(t, result.Outcomes[2].Success)

	assert.ElementsMatch(t, []string{"b", "c"}, f.exporter.Calls(), "a form whose pull failed is not exported")

	a, _ := f.catalog.Get("a")
	assert.Nil(t, a.LastExportedAt)
	b, _ := f.catalog.Get("b")
	assert.NotNil(t, b.LastExportedAt)
}

func TestExportOrchestrator_ExportErrorsAreCollected(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 1)
	f.exporter.fn = func(_ context.Context, form models.Form) error {
		if form.ID == "b" {
			return errors.Join(errors.New("submission 1: bad xml"), errors.New("submission 2: bad xml"))
		}
		return nil
	}

	result, err := f.orch.Run(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"submission 1: bad xml", "submission 2: bad xml"}, result.Outcomes[1].Errors)
	assert.Len(t, result.Failed(), 1)
}

func TestExportOrchestrator_BlockedRunDoesNoWork(t *testing.T) {
	forms := []models.Form{
		{ID: "a", Name: "Alpha", EncryptionMode: models.EncryptionFile},
		{ID: "b", Name: "Beta"},
	}
	f := newOrchestratorFixture(t, forms, 2)

	_, err := f.orch.Start(context.Background(), f.catalog.All(), "tester")

	var verr *services.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"Alpha is encrypted and no decryption key is configured"}, verr.Errors)
	assert.Empty(t, f.exporter.Calls())
	assert.Equal(t, models.StateIdle, f.orch.State())

	for _, form := range f.catalog.All() {
		assert.Nil(t, form.LastExportedAt)
	}

	runs, err := f.runs.ListRuns(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	assert.NoError(t, f.configs.SetDefault(models.ExportConfiguration{ExportDir: "/elsewhere"}), "a blocked run releases the configuration")
}

func TestExportOrchestrator_ConfigurationLockedDuringValidation(t *testing.T) {
	forms := []models.Form{{ID: "a", Name: "Alpha", EncryptionMode: models.EncryptionFile}}
	f := newOrchestratorFixture(t, forms, 1)
	dir := t.TempDir()
	require.NoError(t, f.configs.SetOverride("a", models.ExportConfiguration{ExportDir: dir, PemFile: "/keys/a.pem"}))

	var mutateErr error
	validator := hookKeyValidator(func(string) []string {
		assert.Equal(t, models.StateValidating, f.orch.State())
		mutateErr = f.configs.SetOverride("a", models.ExportConfiguration{ExportDir: "/elsewhere", PemFile: "/keys/other.pem"})
		return nil
	})
	f.orch = services.NewExportOrchestrator(
		f.catalog,
		f.configs,
		services.NewPrecheckValidator(validator),
		services.NewPullCoordinator(f.transfer, f.configs),
		f.exporter,
		services.OrchestratorOptions{MaxWorkers: 1},
	)

	result, err := f.orch.Run(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.ErrorIs(t, mutateErr, services.ErrConfigurationLocked)
	cfg := f.exporter.ConfigurationOf("a")
	assert.Equal(t, "/keys/a.pem", cfg.PemFile, "the export uses the configuration that was validated")
	assert.Equal(t, dir, cfg.ExportDir)
}

func TestExportOrchestrator_PruneDuringRunIsDeferred(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, threeForms(), 3)
	dir := t.TempDir()
	require.NoError(t, f.configs.SetOverride("a", models.ExportConfiguration{ExportDir: dir}))
	require.NoError(t, f.configs.Flush(ctx, f.prefs, f.catalog.IDs()))

	release := make(chan struct{})
	f.exporter.fn = func(_ context.Context, form models.Form) error {
		if form.ID == "a" {
			<-release
		}
		return nil
	}

	run, err := f.orch.Start(ctx, f.catalog.All(), "")
	require.NoError(t, err)

	pruned, err := f.configs.Prune([]string{"b", "c"})
	assert.ErrorIs(t, err, services.ErrConfigurationLocked)
	assert.Empty(t, pruned)
	assert.Equal(t, dir, f.configs.EffectiveConfiguration("a").ExportDir, "the running export keeps its override")

	close(release)
	result := run.Wait()
	assert.True(t, result.Success)
	assert.Equal(t, dir, f.exporter.ConfigurationOf("a").ExportDir)

	_, ok := f.configs.Override("a")
	assert.False(t, ok, "the deferred prune applies once the run completes")
	_, ok, err = f.prefs.Get(ctx, "a_export_dir")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportOrchestrator_NothingSelected(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 2)

	_, err := f.orch.RunSelected(context.Background(), "")
	assert.ErrorIs(t, err, services.ErrNothingSelected)
	assert.Equal(t, models.StateIdle, f.orch.State())
}

func TestExportOrchestrator_RejectsSecondRun(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 3)
	release := make(chan struct{})
	f.exporter.fn = func(context.Context, models.Form) error {
		<-release
		return nil
	}

	run, err := f.orch.Start(context.Background(), f.catalog.All(), "first")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, f.orch.State())
	assert.Equal(t, run.ID, f.orch.Current().ID)

	_, err = f.orch.Start(context.Background(), f.catalog.All(), "second")
	assert.ErrorIs(t, err, services.ErrBusy)

	assert.ErrorIs(t, f.configs.SetDefault(models.ExportConfiguration{ExportDir: "/elsewhere"}), services.ErrConfigurationLocked)

	close(release)
	result := run.Wait()
	assert.True(t, result.Success)
	assert.Equal(t, models.StateIdle, f.orch.State())
	assert.Nil(t, f.orch.Current())
	assert.NoError(t, f.configs.SetDefault(models.ExportConfiguration{ExportDir: "/elsewhere"}))
}

func TestExportOrchestrator_Cancel(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 1)
	started := make(chan string, 3)
	f.exporter.fn = func(ctx context.Context, form models.Form) error {
		started <- form.ID
		<-ctx.Done()
		return ctx.Err()
	}

	assert.False(t, f.orch.Cancel(), "nothing to cancel while idle")

	run, err := f.orch.Start(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)
	<-started

	assert.True(t, f.orch.Cancel())
	result := run.Wait()

	assert.False(t, result.Success)
	assert.Equal(t, models.RunStatusCancelled, result.Status())
	for _, o := range result.Outcomes {
		assert.True(t, o.Cancelled, o.FormID)
		assert.Equal(t, []string{services.ErrCancelled.Error()}, o.Errors)
	}
	assert.Len(t, f.exporter.Calls(), 1, "queued tasks observe cancellation before starting")

	stored, err := f.runs.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)

	// A new run is not affected by the previous cancellation.
	f.exporter.fn = nil
	next, err := f.orch.Run(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)
	assert.True(t, next.Success)
}

func TestExportOrchestrator_CancelKeepsFinishedForms(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 3)
	gate := make(chan struct{})
	f.exporter.fn = func(ctx context.Context, form models.Form) error {
		<-gate
		if form.ID == "b" {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	run, err := f.orch.Start(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)
	events := f.orch.Subscribe(run.ID)
	close(gate)

	timeout := time.After(2 * time.Second)
	for finished := false; !finished; {
		select {
		case e := <-events:
			finished = e.Type == models.EventFormFinished && e.FormID == "b"
		case <-timeout:
			t.Fatal("form b did not finish")
		}
	}

	assert.True(t, f.orch.Cancel())
	result := run.Wait()

	assert.Equal(t, models.RunStatusCancelled, result.Status())
	b := result.Outcomes[1]
	assert.Equal(t, "b", b.FormID)
	assert.True(t, b.Success)
	assert.False(t, b.Cancelled)
	assert.Empty(t, b.Errors)
	assert.True(t, result.Outcomes[0].Cancelled)
	assert.True(t, result.Outcomes[2].Cancelled)

	form, err := f.catalog.Get("b")
	require.NoError(t, err)
	assert.NotNil(t, form.LastExportedAt, "a form finished before cancellation keeps its export time")
	a, err := f.catalog.Get("a")
	require.NoError(t, err)
	assert.Nil(t, a.LastExportedAt)
}

func TestExportOrchestrator_RecoversPanics(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 2)
	f.exporter.fn = func(_ context.Context, form models.Form) error {
		if form.ID == "c" {
			panic("nil map")
		}
		return nil
	}

	result, err := f.orch.Run(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.Outcomes[0].Success)
	assert.True(t, result.Outcomes[1].Success)
	assert.False(t, result.Outcomes[2].Success)
	assert.Contains(t, result.Outcomes[2].Errors[0], "nil map")
	waitForState(t, f.orch, models.StateIdle)
}

func TestExportOrchestrator_StartForms(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms(), 2)

	_, err := f.orch.StartForms(context.Background(), []string{"a", "zzz"}, "")
	assert.ErrorIs(t, err, services.ErrFormNotFound)
	assert.Equal(t, models.StateIdle, f.orch.State())

	run, err := f.orch.StartForms(context.Background(), []string{"b"}, "")
	require.NoError(t, err)
	result := run.Wait()
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "b", result.Outcomes[0].FormID)
}

func TestExportOrchestrator_Events(t *testing.T) {
	f := newOrchestratorFixture(t, threeForms()[:1], 1)
	release := make(chan struct{})
	f.exporter.fn = func(context.Context, models.Form) error {
		<-release
		return nil
	}

	run, err := f.orch.Start(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)

	events := f.orch.Subscribe(run.ID)
	defer f.orch.Unsubscribe(run.ID, events)
	close(release)
	run.Wait()

	var types []models.RunEventType
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case e := <-events:
			types = append(types, e.Type)
			done = e.Type == models.EventRunFinished
		case <-timeout:
			t.Fatal("run_finished event not received")
		}
	}
	assert.Contains(t, types, models.EventFormFinished)
	assert.Equal(t, models.EventRunFinished, types[len(types)-1])
}

func manyForms(n int) []models.Form {
	forms := make([]models.Form, n)
	for i := range forms {
		forms[i] = models.Form{ID: fmt.Sprintf("form-%02d", i), Name: fmt.Sprintf("Form %d", i)}
	}
	return forms
}

func TestExportOrchestrator_UnreadStreamIsClosed(t *testing.T) {
	f := newOrchestratorFixture(t, manyForms(60), 4)
	gate := make(chan struct{})
	f.exporter.fn = func(context.Context, models.Form) error {
		<-gate
		return nil
	}

	run, err := f.orch.Start(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)
	events := f.orch.Subscribe(run.ID)
	close(gate)
	run.Wait()

	received := 0
	for range events {
		received++
	}
	assert.Equal(t, 100, received, "events beyond the buffer are dropped, then the stream is closed")

	f.orch.Unsubscribe(run.ID, events)
}

func TestExportOrchestrator_SlowSubscriberGetsRunFinished(t *testing.T) {
	f := newOrchestratorFixture(t, manyForms(60), 4)
	gate := make(chan struct{})
	f.exporter.fn = func(context.Context, models.Form) error {
		<-gate
		return nil
	}

	run, err := f.orch.Start(context.Background(), f.catalog.All(), "")
	require.NoError(t, err)
	events := f.orch.Subscribe(run.ID)

	last := make(chan models.RunEvent, 1)
	go func() {
		// Start reading only once the buffer had a chance to fill.
		for len(f.exporter.Calls()) < 60 {
			time.Sleep(5 * time.Millisecond)
		}
		var e models.RunEvent
		for e = range events {
		}
		last <- e
	}()
	close(gate)
	run.Wait()

	select {
	case e := <-last:
		assert.Equal(t, models.EventRunFinished, e.Type)
		require.NotNil(t, e.Result)
		assert.True(t, e.Result.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not closed")
	}
}
