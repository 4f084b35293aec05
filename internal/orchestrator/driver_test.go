package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sablefin/confirmd/internal/idempotency"
	"github.com/sablefin/confirmd/internal/pipeline"
	"github.com/sablefin/confirmd/internal/stage"
	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/model"
)

// mockExecutor counts executions per stage and returns configured outcomes.
type mockExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	failOn  map[string]bool
	fatalOn map[string]error
	delay   time.Duration
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		calls:   make(map[string]int),
		failOn:  make(map[string]bool),
		fatalOn: make(map[string]error),
	}
}

func (m *mockExecutor) Execute(_ context.Context, in stage.Input) (stage.Result, error) {
	m.mu.Lock()
	m.calls[in.Stage]++
	fail := m.failOn[in.Stage]
	fatal := m.fatalOn[in.Stage]
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fatal != nil {
		return stage.Result{}, fatal
	}
	if fail {
		return stage.Result{Success: false, ErrorDetail: "simulated stage failure", LatencyMS: 1}, nil
	}
	return stage.Result{
		Success:   true,
		OutputRef: "mem://outputs/" + in.Stage,
		LatencyMS: 1,
	}, nil
}

func (m *mockExecutor) callCount(stageName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stageName]
}

func testPipeline() pipeline.Definition {
	return pipeline.Definition{
		ID:     "confirmation-primary",
		Source: "primary",
		Stages: []pipeline.Stage{
			{Name: "document"},
			{Name: "extract"},
			{Name: "match"},
			{Name: "exception", NonBlocking: true},
		},
	}
}

func testTrigger() model.Trigger {
	return model.Trigger{
		DocumentID:    "doc1",
		Source:        "primary",
		CorrelationID: "corr-1",
		ObjectKey:     "uploads/doc1.pdf",
	}
}

type fixture struct {
	driver *Driver
	store  *status.MemoryStore
	mock   *mockExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := status.NewMemoryStore()
	mock := newMockExecutor()

	executors := map[string]stage.Executor{}
	for _, s := range testPipeline().Stages {
		executors[s.Name] = mock
	}

	driver := NewDriver(
		store,
		idempotency.NewGuard(store, 15*time.Minute),
		stage.NewRegistry(executors),
		pipeline.NewRegistry([]pipeline.Definition{testPipeline()}),
		zap.NewNop(),
		nil,
		Options{PollInterval: time.Millisecond, PollAttempts: 100},
	)
	return &fixture{driver: driver, store: store, mock: mock}
}

func TestDriver_FreshRunCompletes(t *testing.T) {
	f := newFixture(t)

	out, err := f.driver.Process(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Disposition != idempotency.Fresh {
		t.Errorf("Disposition = %v, want FRESH", out.Disposition)
	}
	if out.Instance.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q, want completed", out.Instance.OverallStatus)
	}

	for _, name := range []string{"document", "extract", "match", "exception"} {
		rec := out.Instance.Stage(name)
		if rec.Status != model.StageSuccess {
			t.Errorf("stage %s status = %q, want success", name, rec.Status)
		}
		if rec.OutputRef == "" {
			t.Errorf("stage %s OutputRef empty", name)
		}
		if rec.StartedAt == nil || rec.CompletedAt == nil {
			t.Errorf("stage %s timestamps not set", name)
		}
		if f.mock.callCount(name) != 1 {
			t.Errorf("stage %s executed %d times, want 1", name, f.mock.callCount(name))
		}
	}
}

func TestDriver_DuplicateDeliveryIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.driver.Process(ctx, testTrigger()); err != nil {
		t.Fatal(err)
	}

	out, err := f.driver.Process(ctx, testTrigger())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Disposition != idempotency.DuplicateIgnore {
		t.Errorf("Disposition = %v, want DUPLICATE_IGNORE", out.Disposition)
	}
	if out.Instance.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q", out.Instance.OverallStatus)
	}

	for _, name := range []string{"document", "extract", "match", "exception"} {
		if f.mock.callCount(name) != 1 {
			t.Errorf("stage %s executed %d times after duplicate, want 1", name, f.mock.callCount(name))
		}
	}
}

func TestDriver_MidPipelineFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mock.failOn["extract"] = true

	out, err := f.driver.Process(ctx, testTrigger())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Instance.OverallStatus != model.OverallFailed {
		t.Fatalf("OverallStatus = %q, want failed", out.Instance.OverallStatus)
	}
	if got := out.Instance.Stage("extract").Status; got != model.StageError {
		t.Errorf("extract status = %q, want error", got)
	}
	if got := out.Instance.Stage("extract").ErrorDetail; got == "" {
		t.Error("extract ErrorDetail empty")
	}
	if got := out.Instance.Stage("match").Status; got != model.StagePending {
		t.Errorf("match status = %q, want pending (downstream of failure)", got)
	}
	// The exception stage is non-blocking and runs despite the halt.
	if got := out.Instance.Stage("exception").Status; got != model.StageSuccess {
		t.Errorf("exception status = %q, want success", got)
	}

	// Retry: extract recovers, pipeline completes without re-running document.
	f.mock.mu.Lock()
	f.mock.failOn["extract"] = false
	f.mock.mu.Unlock()

	out, err = f.driver.Process(ctx, testTrigger())
	if err != nil {
		t.Fatalf("retry Process() error = %v", err)
	}
	if out.Disposition != idempotency.RetryAllowed {
		t.Errorf("Disposition = %v, want RETRY_ALLOWED", out.Disposition)
	}
	if out.Instance.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus after retry = %q, want completed", out.Instance.OverallStatus)
	}

	if f.mock.callCount("document") != 1 {
		t.Errorf("document executed %d times, want 1 (skipped on retry)", f.mock.callCount("document"))
	}
	if f.mock.callCount("extract") != 2 {
		t.Errorf("extract executed %d times, want 2", f.mock.callCount("extract"))
	}
	if f.mock.callCount("match") != 1 {
		t.Errorf("match executed %d times, want 1", f.mock.callCount("match"))
	}
}

func TestDriver_ConflictWhileProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed an actively-processing instance.
	trig := testTrigger()
	inst := model.NewInstance(trig.InstanceKey(), trig.CorrelationID, trig.Source, trig.Marker(),
		testPipeline().StageNames(), time.Now().UTC(), 0)
	inst.OverallStatus = model.OverallProcessing
	if _, err := f.store.CreateIfAbsent(ctx, inst); err != nil {
		t.Fatal(err)
	}

	out, err := f.driver.Process(ctx, trig)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Disposition != idempotency.Conflict {
		t.Errorf("Disposition = %v, want CONFLICT", out.Disposition)
	}
	for name, n := range f.mock.calls {
		t.Errorf("stage %s executed %d times during conflict, want none", name, n)
	}
}

func TestDriver_CompletedWithDifferentTriggerConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.driver.Process(ctx, testTrigger()); err != nil {
		t.Fatal(err)
	}

	altered := testTrigger()
	altered.ObjectKey = "uploads/doc1-v2.pdf"

	out, err := f.driver.Process(ctx, altered)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Disposition != idempotency.Conflict {
		t.Errorf("Disposition = %v, want CONFLICT for changed trigger on completed instance", out.Disposition)
	}
}

func TestDriver_NonBlockingFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.mock.failOn["exception"] = true

	out, err := f.driver.Process(context.Background(), testTrigger())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Instance.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q, want completed despite non-blocking failure", out.Instance.OverallStatus)
	}
	if got := out.Instance.Stage("exception").Status; got != model.StageError {
		t.Errorf("exception status = %q, want error", got)
	}
}

func TestDriver_FatalExecutorErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.mock.fatalOn["match"] = errors.New("nil pointer in adapter")

	_, err := f.driver.Process(context.Background(), testTrigger())
	if err == nil {
		t.Fatal("Process() error = nil, want contract violation")
	}
	env, ok := err.(*model.ErrorEnvelope)
	if !ok || env.Code != model.ErrStageContract {
		t.Errorf("error = %v, want stage contract envelope", err)
	}

	// Instance is left in its last consistent state, stage still in_progress.
	trig := testTrigger()
	inst, getErr := f.store.Get(context.Background(), trig.InstanceKey())
	if getErr != nil {
		t.Fatal(getErr)
	}
	if got := inst.Stage("match").Status; got != model.StageInProgress {
		t.Errorf("match status = %q, want in_progress", got)
	}
	if inst.Terminal() {
		t.Errorf("OverallStatus = %q, want non-terminal", inst.OverallStatus)
	}
}

func TestDriver_UnknownSourceRejected(t *testing.T) {
	f := newFixture(t)

	trig := testTrigger()
	trig.Source = "tertiary"

	_, err := f.driver.Process(context.Background(), trig)
	if err == nil {
		t.Fatal("Process() error = nil, want bad request")
	}
	env, ok := err.(*model.ErrorEnvelope)
	if !ok || env.Code != model.ErrBadRequest {
		t.Errorf("error = %v, want bad request envelope", err)
	}
}

func TestDriver_RacingRunsExecuteEachStageOnce(t *testing.T) {
	f := newFixture(t)
	f.mock.delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.driver.Process(context.Background(), testTrigger())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Process()[%d] error = %v", i, err)
		}
	}

	trig := testTrigger()
	inst, err := f.store.Get(context.Background(), trig.InstanceKey())
	if err != nil {
		t.Fatal(err)
	}
	if inst.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q, want completed", inst.OverallStatus)
	}
	for _, name := range []string{"document", "extract", "match", "exception"} {
		if n := f.mock.callCount(name); n != 1 {
			t.Errorf("stage %s executed %d times under race, want 1", name, n)
		}
	}
}

func TestDriver_StaleAbandonedRunResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed an instance whose run died mid-extract long ago.
	trig := testTrigger()
	inst := model.NewInstance(trig.InstanceKey(), trig.CorrelationID, trig.Source, trig.Marker(),
		testPipeline().StageNames(), time.Now().UTC().Add(-2*time.Hour), 0)
	inst.OverallStatus = model.OverallProcessing
	inst.Stage("document").Status = model.StageSuccess
	inst.Stage("document").OutputRef = "mem://outputs/document"
	inst.Stage("extract").Status = model.StageInProgress
	if _, err := f.store.CreateIfAbsent(ctx, inst); err != nil {
		t.Fatal(err)
	}

	out, err := f.driver.Process(ctx, trig)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Disposition != idempotency.RetryAllowed {
		t.Fatalf("Disposition = %v, want RETRY_ALLOWED", out.Disposition)
	}
	if out.Instance.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q, want completed", out.Instance.OverallStatus)
	}
	if f.mock.callCount("document") != 0 {
		t.Errorf("document executed %d times, want 0 (already success)", f.mock.callCount("document"))
	}
	if f.mock.callCount("extract") != 1 {
		t.Errorf("extract executed %d times, want 1 (reset then re-run)", f.mock.callCount("extract"))
	}
}

func TestDriver_ExpiredCompletedRecordReprocessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A completed record whose retention window has lapsed reads as absent,
	// so the same trigger starts a fresh run instead of a duplicate ignore.
	trig := testTrigger()
	inst := model.NewInstance(trig.InstanceKey(), trig.CorrelationID, trig.Source, trig.Marker(),
		testPipeline().StageNames(), time.Now().UTC().Add(-time.Hour), time.Minute)
	inst.OverallStatus = model.OverallCompleted
	for _, name := range testPipeline().StageNames() {
		inst.Stage(name).Status = model.StageSuccess
		inst.Stage(name).OutputRef = "mem://outputs/" + name
	}
	if _, err := f.store.CreateIfAbsent(ctx, inst); err != nil {
		t.Fatal(err)
	}

	out, err := f.driver.Process(ctx, trig)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Disposition != idempotency.Fresh {
		t.Errorf("Disposition = %v, want FRESH for expired record", out.Disposition)
	}
	if out.Instance.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q, want completed", out.Instance.OverallStatus)
	}
	for _, name := range []string{"document", "extract", "match", "exception"} {
		if n := f.mock.callCount(name); n != 1 {
			t.Errorf("stage %s executed %d times, want 1 (expired run re-executes)", name, n)
		}
	}
}

// statusCapturingExecutor records the instance's overall status at the moment
// each stage runs.
type statusCapturingExecutor struct {
	store    status.Store
	mu       sync.Mutex
	observed []string
}

func (e *statusCapturingExecutor) Execute(ctx context.Context, in stage.Input) (stage.Result, error) {
	if inst, err := e.store.Get(ctx, in.InstanceKey); err == nil {
		e.mu.Lock()
		e.observed = append(e.observed, inst.OverallStatus)
		e.mu.Unlock()
	}
	return stage.Result{Success: true, OutputRef: "mem://outputs/" + in.Stage, LatencyMS: 1}, nil
}

func (e *statusCapturingExecutor) snapshots() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.observed...)
}

func TestDriver_StaleInitializingRunResumed(t *testing.T) {
	store := status.NewMemoryStore()
	capture := &statusCapturingExecutor{store: store}

	executors := map[string]stage.Executor{}
	for _, s := range testPipeline().Stages {
		executors[s.Name] = capture
	}
	driver := NewDriver(
		store,
		idempotency.NewGuard(store, 15*time.Minute),
		stage.NewRegistry(executors),
		pipeline.NewRegistry([]pipeline.Definition{testPipeline()}),
		zap.NewNop(),
		nil,
		Options{PollInterval: time.Millisecond, PollAttempts: 100},
	)

	ctx := context.Background()
	trig := testTrigger()

	// A run that died between creating the record and the processing
	// transition leaves a long-idle initializing instance behind.
	inst := model.NewInstance(trig.InstanceKey(), trig.CorrelationID, trig.Source, trig.Marker(),
		testPipeline().StageNames(), time.Now().UTC().Add(-2*time.Hour), 0)
	if _, err := store.CreateIfAbsent(ctx, inst); err != nil {
		t.Fatal(err)
	}

	out, err := driver.Process(ctx, trig)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Disposition != idempotency.RetryAllowed {
		t.Fatalf("Disposition = %v, want RETRY_ALLOWED", out.Disposition)
	}
	if out.Instance.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q, want completed", out.Instance.OverallStatus)
	}
	for i, observed := range capture.snapshots() {
		if observed != model.OverallProcessing {
			t.Errorf("stage %d ran with overall_status %q, want processing", i, observed)
		}
	}
}

func TestDriver_FinalizeWaitsForNonBlockingStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Blocking stages are done but the non-blocking exception stage is still
	// held by a concurrent run.
	trig := testTrigger()
	inst := model.NewInstance(trig.InstanceKey(), trig.CorrelationID, trig.Source, trig.Marker(),
		testPipeline().StageNames(), time.Now().UTC(), 0)
	inst.OverallStatus = model.OverallProcessing
	for _, name := range []string{"document", "extract", "match"} {
		inst.Stage(name).Status = model.StageSuccess
		inst.Stage(name).OutputRef = "mem://outputs/" + name
	}
	inst.Stage("exception").Status = model.StageInProgress
	if _, err := f.store.CreateIfAbsent(ctx, inst); err != nil {
		t.Fatal(err)
	}

	got, err := f.driver.finalize(ctx, testPipeline(), trig.InstanceKey(), zap.NewNop())
	if err != nil {
		t.Fatalf("finalize() error = %v", err)
	}
	if got.OverallStatus != model.OverallProcessing {
		t.Errorf("OverallStatus = %q, want processing while exception is in_progress", got.OverallStatus)
	}

	// Once the stage settles, the next finalize completes the instance.
	if _, err := f.store.UpdateStage(ctx, trig.InstanceKey(), "exception",
		status.StagePatch{Status: model.StageSuccess}, model.StageInProgress); err != nil {
		t.Fatal(err)
	}

	got, err = f.driver.finalize(ctx, testPipeline(), trig.InstanceKey(), zap.NewNop())
	if err != nil {
		t.Fatalf("finalize() error = %v", err)
	}
	if got.OverallStatus != model.OverallCompleted {
		t.Errorf("OverallStatus = %q, want completed after exception settles", got.OverallStatus)
	}
}
