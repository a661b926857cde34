package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meridian-hq/meridian/pkg/audit"
	auditstorage "meridian-hq/meridian/pkg/audit/storage"
	"meridian-hq/meridian/pkg/intervention"
	ivstorage "meridian-hq/meridian/pkg/intervention/storage"
	"meridian-hq/meridian/pkg/metric"
	"meridian-hq/meridian/pkg/rule"
	"meridian-hq/meridian/pkg/workflow"
	wfengine "meridian-hq/meridian/pkg/workflow/engine"
)

// flakyStorage wraps the in-memory audit storage and fails appends on
// demand to exercise rollback paths.
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
	engine    *Engine
	workflows *wfengine.Engine
	rules     *rule.Registry
	store     *ivstorage.MemoryStore
	log       *audit.Log
	storage   *flakyStorage
	now       time.Time
}

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
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	store := ivstorage.NewMemoryStore()
	workflows := wfengine.New(store, defs, log, nil)
	rules := rule.NewRegistry()

	f := &fixture{
		engine:    New(rules, store, workflows, log, nil),
		workflows: workflows,
		rules:     rules,
		store:     store,
		log:       log,
		storage:   storage,
		now:       time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.engine.SetClock(func() time.Time { return f.now })
	f.workflows.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) addRule(t *testing.T, r *rule.Rule) {
	t.Helper()
	if err := f.rules.Add(r); err != nil {
		t.Fatalf("Add rule failed: %v", err)
	}
}

func attendanceRule() *rule.Rule {
	return &rule.Rule{
		ID:                "low-attendance",
		Name:              "Low attendance",
		Condition:         rule.Condition{Metric: "attendance", Operator: rule.OperatorLessThan, Threshold: 80},
		InterventionType:  "attendance_support",
		Priority:          5,
		Active:            true,
		ActionDescription: "Weekly attendance check-in",
		ResponsibleActor:  "advisor-12",
	}
}

func snapshot(subjectID string, values map[string]float64) metric.SubjectMetrics {
	return metric.SubjectMetrics{SubjectID: subjectID, Values: values}
}

func TestEvaluate_FiringRuleOpensIntervention(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	created, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("Expected 1 intervention, got %d", len(created))
	}

	iv := created[0]
	if iv.Number != "INT-000001" {
		t.Errorf("Expected number INT-000001, got %s", iv.Number)
	}
	if iv.Status != intervention.StatusInitiated {
		t.Errorf("Expected status initiated, got %s", iv.Status)
	}
	if iv.TriggerSource != intervention.SourceRule {
		t.Errorf("Expected trigger source rule, got %s", iv.TriggerSource)
	}
	if iv.Metric != "attendance" || iv.BaselineValue != 70 || iv.TargetValue != 80 {
		t.Errorf("Expected pinned impact inputs attendance/70/80, got %s/%v/%v", iv.Metric, iv.BaselineValue, iv.TargetValue)
	}
	if iv.Version != 1 {
		t.Errorf("Expected version 1, got %d", iv.Version)
	}

	in, err := f.store.GetInstance(ctx, iv.ID)
	if err != nil {
		t.Fatalf("Expected workflow instance attached: %v", err)
	}
	if len(in.Steps) != 2 {
		t.Errorf("Expected 2 steps, got %d", len(in.Steps))
	}

	entries, err := f.log.Query(ctx, &audit.Query{EntityID: iv.ID, Action: audit.ActionCreated})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 created entry, got %d", len(entries))
	}
	if entries[0].ActorID != audit.System.ID {
		t.Errorf("Expected system actor, got %s", entries[0].ActorID)
	}

	r, err := f.rules.Get("low-attendance")
	if err != nil {
		t.Fatalf("Get rule failed: %v", err)
	}
	if r.TriggerCount != 1 {
		t.Errorf("Expected trigger count 1, got %d", r.TriggerCount)
	}
}

func TestEvaluate_ConditionNotMet(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())

	created, err := f.engine.Evaluate(context.Background(), snapshot("student-1", map[string]float64{"attendance": 95}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("Expected no interventions, got %d", len(created))
	}
}

func TestEvaluate_OpenCaseSuppressesRefire(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	first, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("Expected 1 intervention, got %d", len(first))
	}

	second, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 65}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("Expected suppressed firing, got %d interventions", len(second))
	}

	r, err := f.rules.Get("low-attendance")
	if err != nil {
		t.Fatalf("Get rule failed: %v", err)
	}
	if r.TriggerCount != 2 {
		t.Errorf("Expected trigger count 2 including suppressed firing, got %d", r.TriggerCount)
	}

	entries, err := f.log.Query(ctx, &audit.Query{Action: audit.ActionSuppressedDuplicate})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 suppressed_duplicate entry, got %d", len(entries))
	}
	if entries[0].EntityType != audit.EntityRule || entries[0].EntityID != "low-attendance" {
		t.Errorf("Expected entry on rule low-attendance, got %s/%s", entries[0].EntityType, entries[0].EntityID)
	}
}

func TestEvaluate_CooldownSuppressesRefire(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	created, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("Expected 1 intervention, got %d", len(created))
	}

	// Close the case so the open-case check no longer applies.
	actor := audit.Actor{ID: "advisor-12", Role: "advisor"}
	if _, err := f.workflows.CompleteStep(ctx, created[0].ID, 1, actor); err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	if _, err := f.workflows.CompleteStep(ctx, created[0].ID, 2, actor); err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}

	// One hour later: still inside the default 24h cooldown window.
	f.now = f.now.Add(time.Hour)
	suppressed, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 68}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(suppressed) != 0 {
		t.Fatalf("Expected cooldown suppression, got %d interventions", len(suppressed))
	}

	// Past the window the rule may fire again.
	f.now = f.now.Add(25 * time.Hour)
	refired, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 68}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(refired) != 1 {
		t.Fatalf("Expected new intervention after cooldown, got %d", len(refired))
	}
	if refired[0].Number != "INT-000002" {
		t.Errorf("Expected number INT-000002, got %s", refired[0].Number)
	}
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	f := newFixture(t)

	low := attendanceRule()
	low.ID = "low-priority"
	low.Priority = 1

	high := attendanceRule()
	high.ID = "high-priority"
	high.Priority = 10
	high.Condition = rule.Condition{Metric: "assessment_score", Operator: rule.OperatorLessThan, Threshold: 50}

	f.addRule(t, low)
	f.addRule(t, high)

	created, err := f.engine.Evaluate(context.Background(), snapshot("student-1", map[string]float64{
		"attendance":       70,
		"assessment_score": 40,
	}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("Expected 2 interventions, got %d", len(created))
	}
	if created[0].RuleID != "high-priority" {
		t.Errorf("Expected high-priority rule to fire first, got %s", created[0].RuleID)
	}
	if created[0].Number != "INT-000001" || created[1].Number != "INT-000002" {
		t.Errorf("Expected numbers in firing order, got %s then %s", created[0].Number, created[1].Number)
	}
}

func TestEvaluate_InactiveRuleSkipped(t *testing.T) {
	f := newFixture(t)
	r := attendanceRule()
	r.Active = false
	f.addRule(t, r)

	created, err := f.engine.Evaluate(context.Background(), snapshot("student-1", map[string]float64{"attendance": 70}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("Expected inactive rule to be skipped, got %d interventions", len(created))
	}
}

func TestEvaluate_MissingMetricLeavesRuleLive(t *testing.T) {
	f := newFixture(t)

	scores := attendanceRule()
	scores.ID = "low-score"
	scores.Condition = rule.Condition{Metric: "assessment_score", Operator: rule.OperatorLessThan, Threshold: 50}

	f.addRule(t, scores)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	// A partial snapshot reporting only attendance: the score rule is
	// skipped for this pass, not invalidated.
	created, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 1 || created[0].RuleID != "low-attendance" {
		t.Fatalf("Expected 1 intervention from the attendance rule, got %d", len(created))
	}

	r, err := f.rules.Get("low-score")
	if err != nil {
		t.Fatalf("Get rule failed: %v", err)
	}
	if r.Invalid {
		t.Error("Expected rule to stay valid on a partial snapshot")
	}

	entries, err := f.log.Query(ctx, &audit.Query{Action: audit.ActionRuleError})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no rule_error entries, got %d", len(entries))
	}

	// A subject that does report the metric still trips the rule.
	created, err = f.engine.Evaluate(ctx, snapshot("student-2", map[string]float64{"attendance": 95, "assessment_score": 40}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 1 || created[0].RuleID != "low-score" {
		t.Fatalf("Expected the score rule to fire for a reporting subject, got %d", len(created))
	}
}

func TestEvaluate_InvalidRuleSkipped(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	f.engine.invalidateRule(ctx, attendanceRule(), errors.New("unknown operator \"between\""))

	r, err := f.rules.Get("low-attendance")
	if err != nil {
		t.Fatalf("Get rule failed: %v", err)
	}
	if !r.Invalid {
		t.Error("Expected rule to be marked invalid")
	}

	created, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("Expected invalid rule to be skipped, got %d interventions", len(created))
	}

	// Re-invalidating writes no second rule_error entry.
	f.engine.invalidateRule(ctx, attendanceRule(), errors.New("unknown operator \"between\""))
	entries, err := f.log.Query(ctx, &audit.Query{Action: audit.ActionRuleError})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected exactly 1 rule_error entry, got %d", len(entries))
	}
}

func TestEvaluate_AuditFailureRollsBackCreation(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	f.storage.failNext = true
	created, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
	if err == nil {
		t.Fatal("Expected evaluation to surface the audit failure")
	}
	if !errors.Is(err, audit.ErrAppendFailed) {
		t.Errorf("Expected ErrAppendFailed, got %v", err)
	}
	if len(created) != 0 {
		t.Errorf("Expected no interventions, got %d", len(created))
	}

	// The half-created case must be gone.
	if _, ferr := f.store.FindOpen(ctx, "student-1", "low-attendance"); !errors.Is(ferr, intervention.ErrNotFound) {
		t.Errorf("Expected rolled-back case to be absent, got %v", ferr)
	}

	// The next append reuses the sequence left vacant by the failure.
	recovered, err := f.engine.Evaluate(ctx, snapshot("student-2", map[string]float64{"attendance": 60}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("Expected 1 intervention, got %d", len(recovered))
	}
	if verr := f.log.Verify(ctx); verr != nil {
		t.Errorf("Expected intact chain after recovery, got %v", verr)
	}
}

func TestEvaluate_AuditFailureDoesNotArmCooldown(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	f.storage.failNext = true
	if _, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70})); !errors.Is(err, audit.ErrAppendFailed) {
		t.Fatalf("Expected ErrAppendFailed, got %v", err)
	}

	// Minutes later, well inside the 24h window: the rolled-back firing
	// must not count against the cooldown for the same subject.
	f.now = f.now.Add(5 * time.Minute)
	created, err := f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("Expected the rule to fire after the rollback, got %d interventions", len(created))
	}
	if created[0].Number != "INT-000002" {
		t.Errorf("Expected number INT-000002, got %s", created[0].Number)
	}

	entries, err := f.log.Query(ctx, &audit.Query{Action: audit.ActionSuppressedDuplicate})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no suppressed_duplicate entries, got %d", len(entries))
	}
}

func TestEvaluate_ConcurrentPassesOpenOneCase(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, attendanceRule())
	ctx := context.Background()

	const passes = 8
	results := make([][]*intervention.Intervention, passes)
	errs := make([]error, passes)

	var wg sync.WaitGroup
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Evaluate(ctx, snapshot("student-1", map[string]float64{"attendance": 70}))
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < passes; i++ {
		if errs[i] != nil {
			t.Fatalf("Evaluate failed: %v", errs[i])
		}
		total += len(results[i])
	}
	if total != 1 {
		t.Fatalf("Expected exactly 1 intervention across concurrent passes, got %d", total)
	}

	open, err := f.store.FindOpen(ctx, "student-1", "low-attendance")
	if err != nil {
		t.Fatalf("FindOpen failed: %v", err)
	}
	if open.Number != "INT-000001" {
		t.Errorf("Expected number INT-000001, got %s", open.Number)
	}

	entries, err := f.log.Query(ctx, &audit.Query{Action: audit.ActionSuppressedDuplicate})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != passes-1 {
		t.Errorf("Expected %d suppressed_duplicate entries, got %d", passes-1, len(entries))
	}

	r, err := f.rules.Get("low-attendance")
	if err != nil {
		t.Fatalf("Get rule failed: %v", err)
	}
	if r.TriggerCount != passes {
		t.Errorf("Expected trigger count %d, got %d", passes, r.TriggerCount)
	}
}

func TestOpenManual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := audit.Actor{ID: "advisor-12", Role: "advisor"}

	iv, err := f.engine.OpenManual(ctx, &intervention.Intervention{
		SubjectID:         "student-1",
		Type:              "attendance_support",
		ActionDescription: "Parent meeting",
	}, actor)
	if err != nil {
		t.Fatalf("OpenManual failed: %v", err)
	}
	if iv.TriggerSource != intervention.SourceManual {
		t.Errorf("Expected trigger source manual, got %s", iv.TriggerSource)
	}
	if iv.Number != "INT-000001" {
		t.Errorf("Expected number INT-000001, got %s", iv.Number)
	}

	entries, err := f.log.Query(ctx, &audit.Query{EntityID: iv.ID, Action: audit.ActionCreated})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 created entry, got %d", len(entries))
	}
	if entries[0].ActorID != "advisor-12" {
		t.Errorf("Expected actor advisor-12, got %s", entries[0].ActorID)
	}
}

func TestOpenManual_DuplicateOpenRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := audit.Actor{ID: "advisor-12", Role: "advisor"}

	open := &intervention.Intervention{SubjectID: "student-1", Type: "attendance_support"}
	if _, err := f.engine.OpenManual(ctx, open, actor); err != nil {
		t.Fatalf("OpenManual failed: %v", err)
	}

	_, err := f.engine.OpenManual(ctx, &intervention.Intervention{SubjectID: "student-1", Type: "attendance_support"}, actor)
	if !errors.Is(err, intervention.ErrDuplicateOpen) {
		t.Errorf("Expected ErrDuplicateOpen, got %v", err)
	}
}

func TestOpenManual_RequiresActor(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.OpenManual(context.Background(), &intervention.Intervention{
		SubjectID: "student-1",
		Type:      "attendance_support",
	}, audit.Actor{})
	if !errors.Is(err, wfengine.ErrActorRequired) {
		t.Errorf("Expected ErrActorRequired, got %v", err)
	}
}

func TestEvaluate_RequiresSubjectID(t *testing.T) {
	f := newFixture(t)

	if _, err := f.engine.Evaluate(context.Background(), metric.SubjectMetrics{}); err == nil {
		t.Error("Expected error for missing subject id")
	}
}
