package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"meridian-hq/meridian/pkg/audit"
	auditstorage "meridian-hq/meridian/pkg/audit/storage"
	"meridian-hq/meridian/pkg/intervention"
	ivstorage "meridian-hq/meridian/pkg/intervention/storage"
	"meridian-hq/meridian/pkg/workflow"
)

type flakyStorage struct {
	*auditstorage.MemoryStorage
	failNext bool
}

func (s *flakyStorage) Append(ctx context.Context, e *audit.Entry) error {
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	return s.MemoryStorage.Append(ctx, e)
}

type fixture struct {
	engine  *Engine
	store   *ivstorage.MemoryStore
	log     *audit.Log
	storage *flakyStorage
	now     time.Time
}

var staff = audit.Actor{ID: "advisor-12", Role: "advisor"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	storage := &flakyStorage{MemoryStorage: auditstorage.NewMemoryStorage()}
	log, err := audit.NewLog(ctx, storage)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}

	defs := workflow.NewRegistry()
	if _, err := defs.Register(&workflow.Definition{
		Type: "attendance_support",
		Steps: []workflow.Step{
			{Number: 1, Name: "Contact student", Required: true},
			{Number: 2, Name: "Schedule tutoring", Required: false},
			{Number: 3, Name: "Confirm attendance recovered", Required: true},
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	store := ivstorage.NewMemoryStore()
	f := &fixture{
		engine:  New(store, defs, log, nil),
		store:   store,
		log:     log,
		storage: storage,
		now:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

// openCase seeds an intervention with an attached workflow instance.
func (f *fixture) openCase(t *testing.T) *intervention.Intervention {
	t.Helper()
	ctx := context.Background()

	iv := &intervention.Intervention{
		ID:            uuid.NewString(),
		Number:        "INT-000001",
		SubjectID:     "student-1",
		TriggerSource: intervention.SourceRule,
		RuleID:        "low-attendance",
		Type:          "attendance_support",
		Status:        intervention.StatusInitiated,
		CreatedAt:     f.now,
		Version:       1,
	}
	if err := f.store.Create(ctx, iv); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.engine.Instantiate(ctx, iv.ID, iv.Type); err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	return iv
}

func (f *fixture) reload(t *testing.T, id string) *intervention.Intervention {
	t.Helper()
	iv, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return iv
}

func TestCompleteStep_Progression(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	in, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff)
	if err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}

	step, _ := in.Step(1)
	if step.Status != workflow.StepCompleted {
		t.Errorf("Expected step 1 completed, got %s", step.Status)
	}
	if step.CompletedBy != "advisor-12" {
		t.Errorf("Expected completed_by advisor-12, got %s", step.CompletedBy)
	}

	if got := f.reload(t, iv.ID); got.Status != intervention.StatusInProgress {
		t.Errorf("Expected status in_progress, got %s", got.Status)
	}

	entries, err := f.log.Query(ctx, &audit.Query{EntityID: iv.ID, Action: audit.ActionStepCompleted})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 step_completed entry, got %d", len(entries))
	}
}

func TestCompleteStep_OrderViolation(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)

	_, err := f.engine.CompleteStep(context.Background(), iv.ID, 2, staff)
	var violation *StepOrderViolation
	if !errors.As(err, &violation) {
		t.Fatalf("Expected StepOrderViolation, got %v", err)
	}
	if violation.Blocking != 1 {
		t.Errorf("Expected blocking step 1, got %d", violation.Blocking)
	}

	// Nothing changed.
	if got := f.reload(t, iv.ID); got.Status != intervention.StatusInitiated {
		t.Errorf("Expected status initiated, got %s", got.Status)
	}
}

func TestSkipStep_OptionalThenComplete(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	if _, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff); err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	in, err := f.engine.SkipStep(ctx, iv.ID, 2, staff)
	if err != nil {
		t.Fatalf("SkipStep failed: %v", err)
	}
	step, _ := in.Step(2)
	if step.Status != workflow.StepSkipped {
		t.Errorf("Expected step 2 skipped, got %s", step.Status)
	}

	// Completing the last required step resolves the whole case.
	if _, err := f.engine.CompleteStep(ctx, iv.ID, 3, staff); err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	got := f.reload(t, iv.ID)
	if got.Status != intervention.StatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	if got.ClosedAt.IsZero() {
		t.Error("Expected closed_at to be set")
	}
}

func TestSkipStep_RequiredRejected(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)

	_, err := f.engine.SkipStep(context.Background(), iv.ID, 1, staff)
	var cannotSkip *CannotSkipRequiredStep
	if !errors.As(err, &cannotSkip) {
		t.Fatalf("Expected CannotSkipRequiredStep, got %v", err)
	}
	if cannotSkip.Step != 1 {
		t.Errorf("Expected step 1, got %d", cannotSkip.Step)
	}
}

func TestCompleteStep_AlreadyResolved(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	if _, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff); err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}

	_, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff)
	var resolved *StepAlreadyResolved
	if !errors.As(err, &resolved) {
		t.Fatalf("Expected StepAlreadyResolved, got %v", err)
	}
}

func TestCompleteStep_UnknownStep(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)

	_, err := f.engine.CompleteStep(context.Background(), iv.ID, 9, staff)
	if !errors.Is(err, workflow.ErrStepNotFound) {
		t.Errorf("Expected ErrStepNotFound, got %v", err)
	}
}

func TestCompleteStep_RequiresActor(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)

	_, err := f.engine.CompleteStep(context.Background(), iv.ID, 1, audit.Actor{})
	if !errors.Is(err, ErrActorRequired) {
		t.Errorf("Expected ErrActorRequired, got %v", err)
	}
}

func TestEscalate_FreezesWorkflow(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	if err := f.engine.Escalate(ctx, iv.ID, "no progress after two weeks", staff); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	got := f.reload(t, iv.ID)
	if got.Status != intervention.StatusEscalated {
		t.Errorf("Expected status escalated, got %s", got.Status)
	}
	if got.Outcome != "no progress after two weeks" {
		t.Errorf("Expected escalation reason in outcome, got %q", got.Outcome)
	}

	in, err := f.store.GetInstance(ctx, iv.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if !in.Frozen {
		t.Error("Expected instance to be frozen")
	}

	// Frozen workflow rejects further step updates.
	if _, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff); !errors.Is(err, ErrWorkflowFrozen) {
		t.Errorf("Expected ErrWorkflowFrozen, got %v", err)
	}

	// Re-escalation is an idempotent no-op.
	if err := f.engine.Escalate(ctx, iv.ID, "again", staff); err != nil {
		t.Fatalf("Expected idempotent re-escalation, got %v", err)
	}
	entries, err := f.log.Query(ctx, &audit.Query{EntityID: iv.ID, Action: audit.ActionEscalated})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 escalated entry, got %d", len(entries))
	}
}

func TestClose_ResolvesEscalatedCase(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	if err := f.engine.Escalate(ctx, iv.ID, "stalled", staff); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if err := f.engine.Close(ctx, iv.ID, "resolved after parent meeting", staff); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := f.reload(t, iv.ID)
	if got.Status != intervention.StatusClosed {
		t.Errorf("Expected status closed, got %s", got.Status)
	}
	if got.ClosedAt.IsZero() {
		t.Error("Expected closed_at to be set")
	}

	// Terminal: no further transitions.
	if err := f.engine.Escalate(ctx, iv.ID, "again", staff); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("Expected ErrTerminalStatus, got %v", err)
	}
	if _, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("Expected ErrTerminalStatus, got %v", err)
	}
}

func TestCancel_RequiresReason(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	if err := f.engine.Cancel(ctx, iv.ID, "", staff); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("Expected ErrReasonRequired, got %v", err)
	}

	if err := f.engine.Cancel(ctx, iv.ID, "opened in error", staff); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got := f.reload(t, iv.ID)
	if got.Status != intervention.StatusCancelled {
		t.Errorf("Expected status cancelled, got %s", got.Status)
	}
	if err := f.engine.Cancel(ctx, iv.ID, "twice", staff); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("Expected ErrTerminalStatus, got %v", err)
	}
}

func TestCompleteStep_AuditFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	f.storage.failNext = true
	_, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff)
	if !errors.Is(err, audit.ErrAppendFailed) {
		t.Fatalf("Expected ErrAppendFailed, got %v", err)
	}

	// Step back to pending, intervention status untouched.
	in, err := f.store.GetInstance(ctx, iv.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	step, _ := in.Step(1)
	if step.Status != workflow.StepPending {
		t.Errorf("Expected step 1 restored to pending, got %s", step.Status)
	}
	if got := f.reload(t, iv.ID); got.Status != intervention.StatusInitiated {
		t.Errorf("Expected status restored to initiated, got %s", got.Status)
	}

	// A retry succeeds against the restored state.
	if _, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if verr := f.log.Verify(ctx); verr != nil {
		t.Errorf("Expected intact chain after recovery, got %v", verr)
	}
}

func TestEscalate_AuditFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	f.storage.failNext = true
	if err := f.engine.Escalate(ctx, iv.ID, "stalled", staff); !errors.Is(err, audit.ErrAppendFailed) {
		t.Fatalf("Expected ErrAppendFailed, got %v", err)
	}

	got := f.reload(t, iv.ID)
	if got.Status != intervention.StatusInitiated {
		t.Errorf("Expected status restored to initiated, got %s", got.Status)
	}
	in, err := f.store.GetInstance(ctx, iv.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if in.Frozen {
		t.Error("Expected instance to be unfrozen after rollback")
	}
}

func TestConcurrentUpdate_Conflict(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	// Simulate a concurrent writer bumping the version underneath.
	stale := iv.Clone()
	current := f.reload(t, iv.ID)
	current.ActionDescription = "updated elsewhere"
	if err := f.store.Update(ctx, current, current.Version); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stale.Status = intervention.StatusEscalated
	err := f.store.Update(ctx, stale, stale.Version)
	if !errors.Is(err, intervention.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification, got %v", err)
	}
}

func TestStepDuration(t *testing.T) {
	f := newFixture(t)
	iv := f.openCase(t)
	ctx := context.Background()

	f.now = f.now.Add(45 * time.Minute)
	in, err := f.engine.CompleteStep(ctx, iv.ID, 1, staff)
	if err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	step, _ := in.Step(1)
	if step.Duration != 45*time.Minute {
		t.Errorf("Expected duration 45m, got %v", step.Duration)
	}

	f.now = f.now.Add(30 * time.Minute)
	in, err = f.engine.CompleteStep(ctx, iv.ID, 2, staff)
	if err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	step, _ = in.Step(2)
	if step.Duration != 30*time.Minute {
		t.Errorf("Expected duration 30m, got %v", step.Duration)
	}
}
