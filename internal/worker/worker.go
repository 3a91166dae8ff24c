// Package worker implements the Update Worker (spec section 4.6,
// component C6): a dedicated goroutine that drains deployment items off
// the state store's work queue, drives a content handler through
// IsInstalled→Download→Install→Apply, and hands a reporting JSON back to
// the UpdateRequest topic module to publish on its next tick.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/contoso/adu-agent/internal/handler"
	"github.com/contoso/adu-agent/internal/persist"
	"github.com/contoso/adu-agent/internal/workflow"
	"github.com/contoso/adu-agent/internal/workqueue"
)

// State values for the reporting JSON's top-level "state" field (spec
// section 4.6, reporting JSON schema). Numbering matches the
// UpdateRequest state machine's externally-visible phases.
const (
	StateIdle                 = 0
	StateDownloadStarted      = 1
	StateDeploymentInProgress = 2
	StateFailed               = 3
)

// Report mirrors the worker's reporting JSON schema (spec section 4.6).
type Report struct {
	State              int                   `json:"state"`
	WorkflowID         string                `json:"workflowId"`
	InstalledUpdateID  string                `json:"installedUpdateId"`
	LastInstallResult  LastInstallResult     `json:"lastInstallResult"`
}

// LastInstallResult is the nested result object of Report.
type LastInstallResult struct {
	ResultCode         handler.ResultCode            `json:"resultCode"`
	ExtendedResultCode uint32                         `json:"extendedResultCode"`
	ResultDetails      string                         `json:"resultDetails,omitempty"`
	StepResults        map[string]handler.StepResult `json:"stepResults,omitempty"`
}

// SystemController is the abstract reboot/restart collaborator (spec
// section 4.6, "Reboot/restart hooks"); its concrete implementation is
// a bootstrap concern out of this package's scope.
type SystemController interface {
	Reboot() error
	RestartAgent() error
}

// Worker drains the work queue and runs the content-handler pipeline
// (spec section 4.6).
type Worker struct {
	queue    *workqueue.Queue
	registry *handler.Registry
	store    *persist.Store
	system   SystemController
	logger   *slog.Logger

	cancelRequested atomic.Bool

	mu            sync.Mutex
	pendingReport *Report
}

// New creates a Worker. queue and registry must not be nil; store and
// system may be nil, in which case the duplicate-workflow check and
// reboot/restart hooks are skipped.
func New(queue *workqueue.Queue, registry *handler.Registry, store *persist.Store, system SystemController, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    queue,
		registry: registry,
		store:    store,
		system:   system,
		logger:   logger,
	}
}

// RequestCancel sets the cooperative cancel flag (spec section 4.6,
// "Cancellation": "An incoming cancel notification sets a shared cancel
// flag that each handler step is expected to poll").
func (w *Worker) RequestCancel() {
	w.cancelRequested.Store(true)
}

// CancelRequested reports whether a cancel notification has arrived
// since the last ClearCancel. Handler steps poll this between steps.
func (w *Worker) CancelRequested() bool {
	return w.cancelRequested.Load()
}

// ClearCancel resets the cancel flag once a workflow finishes.
func (w *Worker) ClearCancel() {
	w.cancelRequested.Store(false)
}

// TakePendingReport returns and clears the most recently produced
// report, for the UpdateRequest operation to publish on its next tick.
// Returns nil if no report is pending.
func (w *Worker) TakePendingReport() *Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.pendingReport
	w.pendingReport = nil
	return r
}

func (w *Worker) setPendingReport(r *Report) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingReport = r
}

// Run blocks, draining the work queue until ctx is cancelled. Intended
// to be launched as its own goroutine (spec section 5: "The update
// worker runs on a second thread").
func (w *Worker) Run(ctx context.Context) {
	for {
		item, ok := w.queue.GetNextWork(ctx)
		if !ok {
			return
		}
		w.processOne(ctx, item)
	}
}

// processOne implements spec section 4.6's nine-step pipeline for a
// single work-queue item.
func (w *Worker) processOne(ctx context.Context, item workqueue.Item) {
	wf, err := workflow.Init(item.Payload)
	if err != nil {
		w.logger.Warn("worker: failed to parse workflow", "error", err)
		w.setPendingReport(&Report{
			State: StateFailed,
			LastInstallResult: LastInstallResult{
				ResultCode:    handler.Failure,
				ResultDetails: err.Error(),
			},
		})
		return
	}

	if w.store != nil {
		lastID, err := w.store.LastCompletedWorkflowID()
		if err == nil && lastID != "" && lastID == wf.ID {
			w.logger.Debug("worker: ignoring duplicate workflow", "workflow_id", wf.ID)
			return
		}
	}

	w.ClearCancel()

	if err := wf.RequireMinVersion(); err != nil {
		w.logger.Warn("worker: unsupported manifest version", "workflow_id", wf.ID, "error", err)
		w.finish(wf, Report{
			State:      StateFailed,
			WorkflowID: wf.ID,
			LastInstallResult: LastInstallResult{
				ResultCode:    handler.UnsupportedUpdateManifestVersion,
				ResultDetails: err.Error(),
			},
		})
		return
	}

	h, err := w.registry.Lookup(handler.ManifestHandlerKey(wf.ManifestVersion))
	if err != nil {
		w.logger.Error("worker: no content handler available", "workflow_id", wf.ID, "error", err)
		w.finish(wf, Report{
			State:      StateFailed,
			WorkflowID: wf.ID,
			LastInstallResult: LastInstallResult{
				ResultCode:    handler.Failure,
				ResultDetails: err.Error(),
			},
		})
		return
	}

	installed, err := h.IsInstalled(ctx, wf)
	if err != nil {
		w.finish(wf, w.failureReport(wf, err))
		return
	}
	if installed {
		w.finish(wf, Report{
			State:             StateIdle,
			WorkflowID:        wf.ID,
			InstalledUpdateID: wf.UpdateID,
			LastInstallResult: LastInstallResult{ResultCode: handler.Success},
		})
		return
	}

	w.setPendingReport(&Report{State: StateDownloadStarted, WorkflowID: wf.ID})

	stepResults := make(map[string]handler.StepResult, len(wf.Steps))
	pipelineErr := w.runPipeline(ctx, h, wf, stepResults)

	report := Report{
		WorkflowID: wf.ID,
		LastInstallResult: LastInstallResult{
			StepResults: stepResults,
		},
	}
	if pipelineErr != nil {
		report.State = StateFailed
		report.LastInstallResult.ResultCode = handler.Failure
		report.LastInstallResult.ResultDetails = pipelineErr.Error()
	} else {
		report.State = StateIdle
		report.InstalledUpdateID = wf.UpdateID
		report.LastInstallResult.ResultCode = handler.Success
	}

	w.finish(wf, report)
}

// runPipeline drives Download→Install→Apply, stopping the chain on the
// first failure (spec section 4.6, step 7). handleControlSignal runs
// after Install and after Apply, always with handler.Success, because
// the Handler interface returns only an error; this path therefore never
// asks the SystemController to reboot or restart.
func (w *Worker) runPipeline(ctx context.Context, h handler.Handler, wf *workflow.Handle, stepResults map[string]handler.StepResult) error {
	if w.CancelRequested() {
		return fmt.Errorf("worker: cancelled before download")
	}
	if err := h.Download(ctx, wf); err != nil {
		stepResults["download"] = handler.StepResult{ResultCode: handler.Failure, ResultDetails: err.Error()}
		return err
	}
	stepResults["download"] = handler.StepResult{ResultCode: handler.Success}

	if w.CancelRequested() {
		return fmt.Errorf("worker: cancelled before install")
	}
	if err := h.Install(ctx, wf); err != nil {
		stepResults["install"] = handler.StepResult{ResultCode: handler.Failure, ResultDetails: err.Error()}
		return err
	}
	stepResults["install"] = handler.StepResult{ResultCode: handler.Success}
	w.handleControlSignal(handler.Success)

	if w.CancelRequested() {
		return fmt.Errorf("worker: cancelled before apply")
	}
	if err := h.Apply(ctx, wf); err != nil {
		stepResults["apply"] = handler.StepResult{ResultCode: handler.Failure, ResultDetails: err.Error()}
		return err
	}
	stepResults["apply"] = handler.StepResult{ResultCode: handler.Success}
	w.handleControlSignal(handler.Success)

	return nil
}

// handleControlSignal asks the system controller to reboot or restart
// the agent for the RebootRequired and AgentRestartRequired codes (spec
// section 4.6); any other code, and a nil system controller, does
// nothing. runPipeline only ever passes handler.Success.
func (w *Worker) handleControlSignal(code handler.ResultCode) {
	if w.system == nil {
		return
	}
	switch code {
	case handler.RebootRequired:
		if w.store != nil {
			_ = w.store.SetRebootPending(true)
		}
		if err := w.system.Reboot(); err != nil {
			w.logger.Error("worker: reboot request failed", "error", err)
		}
	case handler.AgentRestartRequired:
		if w.store != nil {
			_ = w.store.SetAgentRestartPending(true)
		}
		if err := w.system.RestartAgent(); err != nil {
			w.logger.Error("worker: agent restart request failed", "error", err)
		}
	}
}

func (w *Worker) failureReport(wf *workflow.Handle, err error) Report {
	return Report{
		State:      StateFailed,
		WorkflowID: wf.ID,
		LastInstallResult: LastInstallResult{
			ResultCode:    handler.Failure,
			ResultDetails: err.Error(),
		},
	}
}

// finish records the report, persists the completed workflow id, clears
// the sandbox (no-op here — sandbox lifetime is a content-handler
// concern out of scope), and records the duplicate-suppression marker.
func (w *Worker) finish(wf *workflow.Handle, report Report) {
	w.setPendingReport(&report)
	if w.store != nil {
		if err := w.store.SetLastCompletedWorkflowID(wf.ID); err != nil {
			w.logger.Warn("worker: failed to persist completed workflow id", "error", err)
		}
	}
	w.ClearCancel()
}

// MarshalReport renders a Report as the JSON payload the UpdateRequest
// operation publishes in ReportResults (spec section 4.6).
func MarshalReport(r *Report) ([]byte, error) {
	return json.Marshal(r)
}
