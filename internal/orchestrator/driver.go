// Package orchestrator drives a document through its pipeline: it gates
// inbound triggers through the idempotency guard, walks the stage sequence,
// and records every transition in the status store. Coordination between
// concurrent runs happens entirely through the store's conditional writes.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sablefin/confirmd/internal/idempotency"
	"github.com/sablefin/confirmd/internal/pipeline"
	"github.com/sablefin/confirmd/internal/stage"
	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/model"
)

// Recorder receives orchestration metrics. Implemented by the observability
// package; a nil recorder disables recording.
type Recorder interface {
	RecordStage(stageName string, success bool, latency time.Duration)
	RecordRun(disposition, overallStatus string)
}

// Options tune driver behavior beyond its collaborators.
type Options struct {
	// Retention sets ExpiresAt on new instances. Zero disables expiry.
	Retention time.Duration
	// PollInterval and PollAttempts bound how a run that loses a stage race
	// observes the winner's result before giving up.
	PollInterval time.Duration
	PollAttempts int
}

// Driver is the workflow orchestrator.
type Driver struct {
	store     status.Store
	guard     *idempotency.Guard
	executors *stage.Registry
	pipelines *pipeline.Registry
	logger    *zap.Logger
	recorder  Recorder
	opts      Options
}

// NewDriver creates an orchestrator over its collaborators. recorder may be
// nil.
func NewDriver(store status.Store, guard *idempotency.Guard, executors *stage.Registry,
	pipelines *pipeline.Registry, logger *zap.Logger, recorder Recorder, opts Options) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 10
	}
	return &Driver{
		store:     store,
		guard:     guard,
		executors: executors,
		pipelines: pipelines,
		logger:    logger,
		recorder:  recorder,
		opts:      opts,
	}
}

// Outcome reports how a trigger was handled and the resulting instance
// snapshot.
type Outcome struct {
	Disposition idempotency.Disposition
	Instance    model.WorkflowInstance
}

// Process handles one inbound trigger end to end. Expected conditions
// (duplicates, conflicts, stage failures) come back in the Outcome; only
// infrastructure and programmer errors are returned as errors.
func (d *Driver) Process(ctx context.Context, trig model.Trigger) (Outcome, error) {
	if err := trig.Validate(); err != nil {
		return Outcome{}, err
	}

	def, ok := d.pipelines.ForSource(trig.Source)
	if !ok {
		return Outcome{}, model.NewBadRequestError(
			fmt.Sprintf("no pipeline configured for source %q", trig.Source))
	}

	instanceKey := trig.InstanceKey()
	triggerHash := trig.Marker()
	logger := d.logger.With(
		zap.String("instance_key", instanceKey),
		zap.String("correlation_id", trig.CorrelationID),
	)

	disposition, snapshot, err := d.guard.Evaluate(ctx, instanceKey, triggerHash)
	if err != nil {
		return Outcome{}, err
	}

	switch disposition {
	case idempotency.DuplicateIgnore:
		logger.Info("duplicate trigger ignored")
		d.record(*snapshot, disposition)
		return Outcome{Disposition: disposition, Instance: *snapshot}, nil

	case idempotency.Conflict:
		logger.Info("trigger conflicts with active run",
			zap.String("overall_status", snapshot.OverallStatus))
		d.record(*snapshot, disposition)
		return Outcome{Disposition: disposition, Instance: *snapshot}, nil

	case idempotency.Fresh:
		if err := d.establish(ctx, trig, def, instanceKey, triggerHash); err != nil {
			return Outcome{}, err
		}

	case idempotency.RetryAllowed:
		logger.Info("retry authorized, resuming from first non-terminal stage")
		if err := d.prepareRetry(ctx, instanceKey, *snapshot); err != nil {
			return Outcome{}, err
		}
	}

	inst, err := d.runStages(ctx, trig, def, instanceKey, logger)
	if err != nil {
		return Outcome{}, err
	}

	inst, err = d.finalize(ctx, def, instanceKey, logger)
	if err != nil {
		return Outcome{}, err
	}

	d.record(inst, disposition)
	return Outcome{Disposition: disposition, Instance: inst}, nil
}

// establish creates the instance record and moves it into processing. Losing
// the create race is fine: the runner proceeds against whatever state the
// winner left, guarded stage by stage.
func (d *Driver) establish(ctx context.Context, trig model.Trigger, def pipeline.Definition, instanceKey, triggerHash string) error {
	inst := model.NewInstance(instanceKey, trig.CorrelationID, trig.Source, triggerHash,
		def.StageNames(), time.Now().UTC(), d.opts.Retention)

	if _, err := d.store.CreateIfAbsent(ctx, inst); err != nil {
		return err
	}
	if _, err := d.store.SetOverallStatus(ctx, instanceKey, model.OverallInitializing, model.OverallProcessing); err != nil {
		return err
	}
	return nil
}

// prepareRetry resets failed and abandoned stages to pending and moves the
// instance back into processing. A stale initializing record (its run died
// between create and the processing transition) takes the same path.
func (d *Driver) prepareRetry(ctx context.Context, instanceKey string, snapshot model.WorkflowInstance) error {
	for _, rec := range snapshot.Stages {
		if rec.Status == model.StageError || rec.Status == model.StageInProgress {
			if _, err := d.store.ResetStage(ctx, instanceKey, rec.Name); err != nil {
				return err
			}
		}
	}
	switch snapshot.OverallStatus {
	case model.OverallFailed, model.OverallInitializing:
		if _, err := d.store.SetOverallStatus(ctx, instanceKey, snapshot.OverallStatus, model.OverallProcessing); err != nil {
			return err
		}
	}
	return nil
}

// runStages walks the pipeline in order, executing each stage behind its
// conditional-write gate.
func (d *Driver) runStages(ctx context.Context, trig model.Trigger, def pipeline.Definition, instanceKey string, logger *zap.Logger) (model.WorkflowInstance, error) {
	halted := false

	for _, stageDef := range def.Stages {
		inst, err := d.store.Get(ctx, instanceKey)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		rec := inst.Stage(stageDef.Name)
		if rec == nil {
			return model.WorkflowInstance{}, model.NewStageContractError(stageDef.Name,
				fmt.Errorf("stage missing from instance record"))
		}

		// Resume case: terminal stages are never re-executed.
		if model.StageTerminal(rec.Status) {
			if rec.Status == model.StageError && !stageDef.NonBlocking {
				halted = true
			}
			continue
		}

		if halted && !stageDef.NonBlocking {
			continue
		}

		started := time.Now().UTC()
		applied, err := d.store.UpdateStage(ctx, instanceKey, stageDef.Name,
			status.StagePatch{Status: model.StageInProgress, StartedAt: &started},
			model.StagePending)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if !applied {
			// Another run won the stage. Observe its result rather than
			// re-executing; if it never terminates within the budget, defer.
			terminalStatus, ok := d.awaitStageTerminal(ctx, instanceKey, stageDef.Name)
			if !ok {
				logger.Info("stage held by concurrent run, deferring",
					zap.String("stage", stageDef.Name))
				return d.store.Get(ctx, instanceKey)
			}
			if terminalStatus == model.StageError && !stageDef.NonBlocking {
				halted = true
			}
			continue
		}

		result, err := d.executeStage(ctx, trig, inst, stageDef)
		if err != nil {
			// Programmer error: leave the stage in_progress and surface it.
			logger.Error("stage executor contract violation",
				zap.String("stage", stageDef.Name), zap.Error(err))
			return model.WorkflowInstance{}, model.NewStageContractError(stageDef.Name, err)
		}

		d.recordStage(stageDef.Name, result)

		completed := time.Now().UTC()
		patch := status.StagePatch{
			CompletedAt: &completed,
			LatencyMS:   &result.LatencyMS,
		}
		if result.TokenUsage > 0 {
			patch.TokenUsage = &result.TokenUsage
		}
		if result.Success {
			patch.Status = model.StageSuccess
			patch.OutputRef = result.OutputRef
		} else {
			patch.Status = model.StageError
			patch.ErrorDetail = result.ErrorDetail
		}

		applied, err = d.store.UpdateStage(ctx, instanceKey, stageDef.Name, patch, model.StageInProgress)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if !applied {
			// A resuming run reset this stage after deciding ours was
			// abandoned. Our result is stale; stop competing.
			logger.Warn("stage result superseded by a newer run",
				zap.String("stage", stageDef.Name))
			return d.store.Get(ctx, instanceKey)
		}

		if !result.Success {
			logger.Warn("stage failed",
				zap.String("stage", stageDef.Name),
				zap.String("error_detail", result.ErrorDetail))
			if !stageDef.NonBlocking {
				halted = true
			}
		}
	}

	return d.store.Get(ctx, instanceKey)
}

// executeStage invokes the executor registered for a stage definition.
func (d *Driver) executeStage(ctx context.Context, trig model.Trigger, inst model.WorkflowInstance, stageDef pipeline.Stage) (stage.Result, error) {
	ex, ok := d.executors.Get(stageDef.ExecutorName())
	if !ok {
		return stage.Result{}, fmt.Errorf("no executor registered for %q", stageDef.ExecutorName())
	}

	priorOutputs := make(map[string]string)
	for _, rec := range inst.Stages {
		if rec.Status == model.StageSuccess && rec.OutputRef != "" {
			priorOutputs[rec.Name] = rec.OutputRef
		}
	}

	return ex.Execute(ctx, stage.Input{
		InstanceKey:   inst.InstanceKey,
		CorrelationID: trig.CorrelationID,
		Source:        inst.Source,
		Stage:         stageDef.Name,
		ObjectKey:     trig.ObjectKey,
		PriorOutputs:  priorOutputs,
	})
}

// awaitStageTerminal polls for a stage held by another run to reach a
// terminal status. Returns the terminal status, or ok=false when the poll
// budget is exhausted or the context ends.
func (d *Driver) awaitStageTerminal(ctx context.Context, instanceKey, stageName string) (string, bool) {
	for attempt := 0; attempt < d.opts.PollAttempts; attempt++ {
		inst, err := d.store.Get(ctx, instanceKey)
		if err == nil {
			if rec := inst.Stage(stageName); rec != nil && model.StageTerminal(rec.Status) {
				return rec.Status, true
			}
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(d.opts.PollInterval):
		}
	}
	return "", false
}

// finalize settles the overall status once the walk ends: completed when
// every blocking stage succeeded, failed otherwise. Every stage, blocking or
// not, must be terminal first; instances still holding non-terminal stages
// (a deferred run) are left processing.
func (d *Driver) finalize(ctx context.Context, def pipeline.Definition, instanceKey string, logger *zap.Logger) (model.WorkflowInstance, error) {
	inst, err := d.store.Get(ctx, instanceKey)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Terminal() {
		return inst, nil
	}

	allSettled := true
	allSucceeded := true
	for _, stageDef := range def.Stages {
		rec := inst.Stage(stageDef.Name)
		if rec == nil {
			continue
		}
		switch rec.Status {
		case model.StageSuccess, model.StageSkipped:
		case model.StageError:
			if !stageDef.NonBlocking {
				allSucceeded = false
			}
		default:
			// A blocking stage pending downstream of a failure is settled;
			// pending or in_progress without a failure means another run
			// still owns it. Non-blocking stages always execute, so a
			// non-terminal one is always owned by some run.
			if stageDef.NonBlocking || allSucceeded {
				allSettled = false
			}
		}
	}

	if !allSettled {
		return inst, nil
	}

	overall := model.OverallCompleted
	if !allSucceeded {
		overall = model.OverallFailed
	}

	applied, err := d.store.Finalize(ctx, instanceKey, overall)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !applied {
		logger.Info("instance already finalized by another run")
	} else {
		logger.Info("instance finalized", zap.String("overall_status", overall))
	}

	return d.store.Get(ctx, instanceKey)
}

func (d *Driver) recordStage(stageName string, result stage.Result) {
	if d.recorder == nil {
		return
	}
	d.recorder.RecordStage(stageName, result.Success, time.Duration(result.LatencyMS)*time.Millisecond)
}

func (d *Driver) record(inst model.WorkflowInstance, disposition idempotency.Disposition) {
	if d.recorder == nil {
		return
	}
	d.recorder.RecordRun(string(disposition), inst.OverallStatus)
}
