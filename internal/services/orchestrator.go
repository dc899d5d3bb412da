package services

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

const streamFinishTimeout = 2 * time.Second

// Exporter transforms the local submissions of one form into an output dataset.
// It is called concurrently for distinct forms and must return promptly once
// ctx is cancelled.
type Exporter interface {
	Export(ctx context.Context, form models.Form, cfg models.ExportConfiguration) error
}

// OrchestratorOptions configures an ExportOrchestrator.
type OrchestratorOptions struct {
	// MaxWorkers bounds the number of forms exported at once. Defaults to runtime.NumCPU().
	MaxWorkers int
	// Runs records runs and outcomes. Optional.
	Runs *RunService
	// Preferences receives the last export time of each exported form. Optional.
	Preferences Preferences
}

// ExportOrchestrator validates a selection of forms, then pulls and exports
// each form on a bounded worker pool. Only one run executes at a time.
type ExportOrchestrator struct {
	catalog    *FormCatalog
	configs    *ConfigurationStore
	precheck   *PrecheckValidator
	puller     *PullCoordinator
	exporter   Exporter
	runs       *RunService
	prefs      Preferences
	maxWorkers int
	log        *logrus.Entry

	mu      sync.Mutex
	state   models.RunState
	current *Run
	cancel  context.CancelFunc

	streams   map[string][]chan models.RunEvent
	streamsMu sync.RWMutex
}

// Run is an export run that passed validation.
type Run struct {
	StartedAt time.Time
	ID        string
	Requester string
	Forms     []models.Form

	done   chan struct{}
	result *models.OrchestrationResult
}

// Done is closed once every task has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run completes and returns its result.
func (r *Run) Wait() *models.OrchestrationResult {
	<-r.done
	return r.result
}

// NewExportOrchestrator creates a new ExportOrchestrator instance.
func NewExportOrchestrator(catalog *FormCatalog, configs *ConfigurationStore, precheck *PrecheckValidator, puller *PullCoordinator, exporter Exporter, opts OrchestratorOptions) *ExportOrchestrator {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &ExportOrchestrator{
		catalog:    catalog,
		configs:    configs,
		precheck:   precheck,
		puller:     puller,
		exporter:   exporter,
		runs:       opts.Runs,
		prefs:      opts.Preferences,
		maxWorkers: workers,
		log:        logrus.WithField("component", "orchestrator"),
		state:      models.StateIdle,
		streams:    make(map[string][]chan models.RunEvent),
	}
}

// State returns the current state of the orchestrator.
func (o *ExportOrchestrator) State() models.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Current returns the run in progress, or nil.
func (o *ExportOrchestrator) Current() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Cancel signals the run in progress to stop. Tasks observe the signal
// cooperatively. It reports whether a run was signalled.
func (o *ExportOrchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != models.StateRunning || o.cancel == nil {
		return false
	}
	o.log.WithField("run_id", o.current.ID).Info("Cancelling export run")
	o.cancel()
	return true
}

// Run validates and executes an export of forms and waits for its result.
func (o *ExportOrchestrator) Run(ctx context.Context, forms []models.Form, requester string) (*models.OrchestrationResult, error) {
	run, err := o.Start(ctx, forms, requester)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// RunSelected runs an export of the forms selected in the catalog.
func (o *ExportOrchestrator) RunSelected(ctx context.Context, requester string) (*models.OrchestrationResult, error) {
	return o.Run(ctx, o.catalog.SelectedForms(), requester)
}

// StartForms starts an export of the given catalog forms, or of the selected
// forms when ids is empty.
func (o *ExportOrchestrator) StartForms(ctx context.Context, ids []string, requester string) (*Run, error) {
	if len(ids) == 0 {
		return o.Start(ctx, o.catalog.SelectedForms(), requester)
	}

	forms := make([]models.Form, 0, len(ids))
	for _, id := range ids {
		f, err := o.catalog.Get(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, id)
		}
		forms = append(forms, f)
	}
	return o.Start(ctx, forms, requester)
}

// Start validates forms and launches their tasks. It returns ErrBusy when a
// run is already in progress and *ValidationError when the run is blocked;
// in both cases no pull or export work is started. The run is bound to ctx.
func (o *ExportOrchestrator) Start(ctx context.Context, forms []models.Form, requester string) (*Run, error) {
	o.mu.Lock()
	if o.state != models.StateIdle {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.state = models.StateValidating
	o.mu.Unlock()

	if len(forms) == 0 {
		o.setIdle()
		return nil, ErrNothingSelected
	}

	// The configuration validated is the configuration exported with.
	o.configs.Freeze()
	if errs := o.precheck.Validate(forms, o.configs); len(errs) > 0 {
		o.releaseConfiguration(context.WithoutCancel(ctx))
		o.setIdle()
		o.log.WithField("errors", len(errs)).Warn("Export blocked by precheck")
		return nil, &ValidationError{Errors: errs}
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Requester: requester,
		Forms:     forms,
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.state = models.StateRunning
	o.current = run
	o.cancel = cancel
	o.mu.Unlock()

	if o.runs != nil {
		if err := o.runs.CreateRun(context.WithoutCancel(ctx), run.ID, requester, len(forms), run.StartedAt); err != nil {
			o.log.WithError(err).WithField("run_id", run.ID).Error("Failed to record export run")
		}
	}

	o.log.WithFields(logrus.Fields{"run_id": run.ID, "forms": len(forms), "workers": o.maxWorkers}).Info("Starting export run")
	o.broadcast(models.RunEvent{Type: models.EventRunStarted, RunID: run.ID, Time: run.StartedAt})

	go o.execute(runCtx, cancel, run)
	return run, nil
}

func (o *ExportOrchestrator) execute(ctx context.Context, cancel context.CancelFunc, run *Run) {
	outcomes := make([]models.ExportOutcome, len(run.Forms))

	var g errgroup.Group
	g.SetLimit(o.maxWorkers)
	for i, form := range run.Forms {
		i, form := i, form
		g.Go(func() error {
			outcome := o.runTask(ctx, run.ID, form)
			outcomes[i] = outcome
			o.broadcast(models.RunEvent{Type: models.EventFormFinished, RunID: run.ID, FormID: form.ID, Time: time.Now(), Outcome: &outcome})
			return nil
		})
	}
	_ = g.Wait()

	o.complete(ctx, cancel, run, outcomes)
}

// runTask pulls and exports one form. It never panics and always returns an outcome.
func (o *ExportOrchestrator) runTask(ctx context.Context, runID string, form models.Form) (outcome models.ExportOutcome) {
	log := o.log.WithFields(logrus.Fields{"run_id": runID, "form_id": form.ID})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Export task panicked")
			outcome = failedOutcome(form, &ExportError{FormID: form.ID, Err: fmt.Errorf("unexpected error: %v", r)})
		}
	}()

	if ctx.Err() != nil {
		return cancelledOutcome(form)
	}

	o.broadcast(models.RunEvent{Type: models.EventFormStarted, RunID: runID, FormID: form.ID, Time: time.Now()})
	cfg := o.configs.EffectiveConfiguration(form.ID)

	pulled, err := o.puller.MaybePull(ctx, form, cfg)
	if err != nil {
		if isCancellation(ctx, err) {
			return cancelledOutcome(form)
		}
		log.WithError(err).Warn("Pull failed, skipping export")
		return failedOutcome(form, err)
	}
	if pulled {
		o.broadcast(models.RunEvent{Type: models.EventPullFinished, RunID: runID, FormID: form.ID, Time: time.Now()})
	}

	if err := o.exporter.Export(ctx, form, cfg); err != nil {
		if isCancellation(ctx, err) {
			log.Info("Export cancelled")
			return cancelledOutcome(form)
		}
		log.WithError(err).Warn("Export failed")
		return failedOutcome(form, &ExportError{FormID: form.ID, Err: err})
	}

	log.Info("Export finished")
	return models.ExportOutcome{
		FormID:     form.ID,
		FormName:   form.Name,
		Success:    true,
		Errors:     []string{},
		ExportedAt: time.Now(),
	}
}

func (o *ExportOrchestrator) complete(ctx context.Context, cancel context.CancelFunc, run *Run, outcomes []models.ExportOutcome) {
	persistCtx := context.WithoutCancel(ctx)

	result := &models.OrchestrationResult{
		RunID:      run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: time.Now(),
		Outcomes:   outcomes,
		Success:    true,
	}

	exportTimes := make(map[string]string)
	for _, outcome := range outcomes {
		if !outcome.Success {
			result.Success = false
			continue
		}
		o.catalog.MarkExported(outcome.FormID, outcome.ExportedAt)
		exportTimes[models.BuildExportDateTimeKey(outcome.FormID)] = outcome.ExportedAt.Format(time.RFC3339)
	}

	if o.prefs != nil {
		if err := o.prefs.PutAll(persistCtx, exportTimes); err != nil {
			o.log.WithError(err).WithField("run_id", run.ID).Error("Failed to persist export times")
		}
	}
	if o.runs != nil {
		if err := o.runs.FinishRun(persistCtx, result); err != nil {
			o.log.WithError(err).WithField("run_id", run.ID).Error("Failed to record export outcomes")
		}
	}

	o.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"status":   result.Status(),
		"failed":   len(result.Failed()),
		"duration": result.FinishedAt.Sub(result.StartedAt),
	}).Info("Export run finished")

	cancel()
	o.releaseConfiguration(persistCtx)
	run.result = result

	o.mu.Lock()
	o.state = models.StateIdle
	o.current = nil
	o.cancel = nil
	o.mu.Unlock()

	o.finishStreams(models.RunEvent{Type: models.EventRunFinished, RunID: run.ID, Time: result.FinishedAt, Result: result})
	close(run.done)
}

// releaseConfiguration thaws the store and persists a prune deferred by a
// catalog refresh during the run.
func (o *ExportOrchestrator) releaseConfiguration(ctx context.Context) {
	pruned := o.configs.Unfreeze()
	if len(pruned) == 0 {
		return
	}
	o.log.WithField("forms", pruned).Info("Dropped configuration of unknown forms")
	if o.prefs == nil {
		return
	}
	if err := o.configs.Flush(ctx, o.prefs, o.catalog.IDs()); err != nil {
		o.log.WithError(err).Error("Failed to save export configuration")
	}
}

func (o *ExportOrchestrator) setIdle() {
	o.mu.Lock()
	o.state = models.StateIdle
	o.mu.Unlock()
}

// Subscribe returns a channel receiving the events of a run.
func (o *ExportOrchestrator) Subscribe(runID string) chan models.RunEvent {
	ch := make(chan models.RunEvent, 100)

	o.streamsMu.Lock()
	o.streams[runID] = append(o.streams[runID], ch)
	o.streamsMu.Unlock()

	return ch
}

// Unsubscribe stops delivery to ch and closes it. It is a no-op once the run
// finished, since completion closes every subscriber channel.
func (o *ExportOrchestrator) Unsubscribe(runID string, ch chan models.RunEvent) {
	o.streamsMu.Lock()
	defer o.streamsMu.Unlock()

	channels := o.streams[runID]
	for i, c := range channels {
		if c == ch {
			o.streams[runID] = append(channels[:i], channels[i+1:]...)
			close(ch)
			break
		}
	}

	if len(o.streams[runID]) == 0 {
		delete(o.streams, runID)
	}
}

func (o *ExportOrchestrator) broadcast(event models.RunEvent) {
	o.streamsMu.RLock()
	defer o.streamsMu.RUnlock()

	for _, ch := range o.streams[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// finishStreams delivers the final event of a run and closes its subscriber
// channels. Unlike broadcast it waits for a full buffer, up to streamFinishTimeout
// shared by all subscribers.
func (o *ExportOrchestrator) finishStreams(event models.RunEvent) {
	o.streamsMu.Lock()
	channels := o.streams[event.RunID]
	delete(o.streams, event.RunID)
	o.streamsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), streamFinishTimeout)
	defer cancel()

	for _, ch := range channels {
		select {
		case ch <- event:
		case <-ctx.Done():
			o.log.WithField("run_id", event.RunID).Debug("Subscriber not reading, closing stream without final event")
		}
		close(ch)
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

func cancelledOutcome(form models.Form) models.ExportOutcome {
	return models.ExportOutcome{
		FormID:     form.ID,
		FormName:   form.Name,
		Cancelled:  true,
		Errors:     []string{ErrCancelled.Error()},
		ExportedAt: time.Now(),
	}
}

func failedOutcome(form models.Form, err error) models.ExportOutcome {
	return models.ExportOutcome{
		FormID:     form.ID,
		FormName:   form.Name,
		Errors:     errorMessages(err),
		ExportedAt: time.Now(),
	}
}

// errorMessages flattens errors joined with errors.Join into separate messages.
func errorMessages(err error) []string {
	inner := err
	if wrapped, ok := err.(interface{ Unwrap() error }); ok {
		inner = wrapped.Unwrap()
	}
	if joined, ok := inner.(interface{ Unwrap() []error }); ok {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
