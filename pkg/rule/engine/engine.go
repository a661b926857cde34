// Package engine evaluates compliance rules against incoming metric
// snapshots and opens intervention cases for firing rules. Evaluation
// is deterministic: rules fire in priority order (descending, ties by
// rule id ascending), duplicates and cooldown re-fires are suppressed
// as logged no-ops, and every outcome writes its audit entry inside the
// same logical mutation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"meridian-hq/meridian/pkg/audit"
	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/metric"
	"meridian-hq/meridian/pkg/notify"
	"meridian-hq/meridian/pkg/rule"
	"meridian-hq/meridian/pkg/telemetry/metrics"
	wfengine "meridian-hq/meridian/pkg/workflow/engine"
)

// Engine owns intervention case creation, both rule-driven and manual.
//
// Evaluation may run concurrently across subjects; mutations for one
// subject serialize on a striped lock so the one-open-case invariant
// holds under concurrent passes for the same subject.
type Engine struct {
	rules     *rule.Registry
	store     intervention.Store
	workflows *wfengine.Engine
	log       *audit.Log
	notifier  notify.Dispatcher
	logger    *slog.Logger
	clock     func() time.Time
	locks     *subjectLocks
	collector *metrics.Collector
}

// New creates a rule engine.
func New(rules *rule.Registry, store intervention.Store, workflows *wfengine.Engine, log *audit.Log, notifier notify.Dispatcher) *Engine {
	if notifier == nil {
		notifier = notify.NopDispatcher{}
	}
	return &Engine{
		rules:     rules,
		store:     store,
		workflows: workflows,
		log:       log,
		notifier:  notifier,
		logger:    slog.Default().With("component", "rule.engine"),
		clock:     time.Now,
		locks:     newSubjectLocks(),
	}
}

// SetClock overrides the engine clock for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// SetCollector attaches the metrics collector. Without one the engine
// records nothing.
func (e *Engine) SetCollector(c *metrics.Collector) {
	e.collector = c
}

func (e *Engine) record(ruleID, outcome string) {
	if e.collector != nil {
		e.collector.RecordEvaluation(ruleID, outcome)
	}
}

// Evaluate runs every active rule against the subject's snapshot and
// returns the interventions created this pass. Suppressed firings and
// invalid rules produce audit entries but no interventions and no
// error; a rule failure never aborts evaluation of the remaining
// rules.
func (e *Engine) Evaluate(ctx context.Context, sm metric.SubjectMetrics) ([]*intervention.Intervention, error) {
	if sm.SubjectID == "" {
		return nil, errors.New("subject id is required")
	}

	// Serialize per subject: two concurrent passes over the same
	// subject must not both observe "no open case" for one rule.
	unlock := e.locks.lock(sm.SubjectID)
	defer unlock()

	now := e.clock()
	start := time.Now()
	defer func() {
		if e.collector != nil {
			e.collector.RecordEvaluationPass(time.Since(start))
		}
	}()

	var created []*intervention.Intervention

	for _, r := range e.rules.Snapshot() {
		if !r.Active || r.Invalid {
			continue
		}

		fired, err := r.Condition.Evaluate(sm.Values)
		if err != nil {
			// Snapshots may be partial; a subject that did not report
			// this metric in this pass is not-fired, not a rule defect.
			var missing *rule.MetricMissingError
			if errors.As(err, &missing) {
				e.record(r.ID, metrics.OutcomeNotFired)
				continue
			}
			e.record(r.ID, metrics.OutcomeError)
			e.invalidateRule(ctx, r, err)
			continue
		}
		if !fired {
			e.record(r.ID, metrics.OutcomeNotFired)
			continue
		}

		iv, err := e.fire(ctx, r, sm, now)
		if err != nil {
			e.logger.Error("rule firing failed",
				"rule_id", r.ID,
				"subject_id", sm.SubjectID,
				"error", err,
			)
			return created, err
		}
		if iv != nil {
			e.record(r.ID, metrics.OutcomeFired)
			created = append(created, iv)
		} else {
			e.record(r.ID, metrics.OutcomeSuppressed)
		}
	}

	return created, nil
}

// fire handles one firing rule: suppression checks, then atomic case
// creation. A nil intervention with nil error means the firing was
// suppressed.
func (e *Engine) fire(ctx context.Context, r *rule.Rule, sm metric.SubjectMetrics, now time.Time) (*intervention.Intervention, error) {
	count, err := e.rules.IncrementTrigger(r.ID)
	if err != nil {
		return nil, err
	}

	// Suppression: an open case for the pair, or a re-fire inside the
	// cooldown window, is a logged no-op rather than an error.
	if open, err := e.store.FindOpen(ctx, sm.SubjectID, r.ID); err == nil && open != nil {
		return nil, e.suppress(ctx, r, sm, count, "open intervention "+open.Number)
	} else if err != nil && !errors.Is(err, intervention.ErrNotFound) {
		return nil, err
	}

	if last, ok, err := e.store.LastFiring(ctx, sm.SubjectID, r.ID); err != nil {
		return nil, err
	} else if ok && now.Sub(last) < r.Cooldown() {
		return nil, e.suppress(ctx, r, sm, count, fmt.Sprintf("within cooldown window %s", r.Cooldown()))
	}

	baseline, _ := sm.Value(r.Condition.Metric)
	iv := &intervention.Intervention{
		ID:                uuid.NewString(),
		SubjectID:         sm.SubjectID,
		TriggerSource:     intervention.SourceRule,
		RuleID:            r.ID,
		Type:              r.InterventionType,
		Priority:          r.Priority,
		Status:            intervention.StatusInitiated,
		ActionDescription: r.ActionDescription,
		ResponsibleActor:  r.ResponsibleActor,
		CreatedAt:         now,
		RequiresFollowup:  r.RequiresFollowup,
		Metric:            r.Condition.Metric,
		BaselineValue:     baseline,
		TargetValue:       r.Condition.Threshold,
		Version:           1,
	}
	if r.RequiresFollowup && r.FollowupAfter > 0 {
		iv.FollowupDate = now.Add(r.FollowupAfter)
	}

	created, err := e.create(ctx, iv, audit.System)
	if err != nil {
		return nil, err
	}

	// The firing row arms the cooldown window. It is written only after
	// the creation committed; a rolled-back create must leave no trace
	// that could suppress later passes.
	if err := e.store.RecordFiring(ctx, sm.SubjectID, r.ID, now); err != nil {
		e.logger.Error("recording rule firing failed",
			"rule_id", r.ID,
			"subject_id", sm.SubjectID,
			"error", err,
		)
	}
	return created, nil
}

// OpenManual opens an intervention case by staff action rather than a
// rule firing. The same dedup invariant applies, keyed on the case
// type.
func (e *Engine) OpenManual(ctx context.Context, iv *intervention.Intervention, actor audit.Actor) (*intervention.Intervention, error) {
	if iv.SubjectID == "" {
		return nil, errors.New("subject id is required")
	}
	if iv.Type == "" {
		return nil, errors.New("intervention type is required")
	}
	if actor.ID == "" {
		return nil, wfengine.ErrActorRequired
	}

	unlock := e.locks.lock(iv.SubjectID)
	defer unlock()

	opened := iv.Clone()
	opened.ID = uuid.NewString()
	opened.TriggerSource = intervention.SourceManual
	opened.RuleID = ""
	opened.Status = intervention.StatusInitiated
	opened.CreatedAt = e.clock()
	opened.Version = 1

	return e.create(ctx, opened, actor)
}

// create persists the case, attaches its workflow, and writes the
// single creation audit entry. The three writes succeed or none do:
// a failed audit append unwinds the case and its instance.
func (e *Engine) create(ctx context.Context, iv *intervention.Intervention, actor audit.Actor) (*intervention.Intervention, error) {
	seq, err := e.store.NextNumber(ctx)
	if err != nil {
		return nil, err
	}
	iv.Number = intervention.FormatNumber(seq)

	if err := e.store.Create(ctx, iv); err != nil {
		return nil, err
	}

	if _, err := e.workflows.Instantiate(ctx, iv.ID, iv.Type); err != nil {
		e.unwindCreate(ctx, iv.ID)
		return nil, err
	}

	entry := &audit.Entry{
		EntityType:         audit.EntityIntervention,
		EntityID:           iv.ID,
		Action:             audit.ActionCreated,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		After:              audit.Snapshot(iv),
		ComplianceCategory: audit.CategoryInterventionManagement,
	}
	if _, err := e.log.Append(ctx, entry); err != nil {
		e.unwindCreate(ctx, iv.ID)
		return nil, err
	}

	e.notifier.Dispatch(notify.Event{
		Type:         notify.EventInterventionCreated,
		Intervention: iv.Clone(),
		OccurredAt:   e.clock(),
	})
	if e.collector != nil {
		e.collector.RecordInterventionOpened(iv.Type, iv.TriggerSource)
	}

	e.logger.Info("intervention opened",
		"intervention_id", iv.ID,
		"number", iv.Number,
		"subject_id", iv.SubjectID,
		"type", iv.Type,
		"trigger_source", iv.TriggerSource,
		"rule_id", iv.RuleID,
	)
	return iv, nil
}

func (e *Engine) unwindCreate(ctx context.Context, interventionID string) {
	if err := e.store.Delete(ctx, interventionID); err != nil {
		e.logger.Error("creation rollback did not apply",
			"intervention_id", interventionID, "error", err)
	}
}

// suppress records a deduplicated firing: trigger count already bumped,
// one audit entry tagged suppressed_duplicate, no new case.
func (e *Engine) suppress(ctx context.Context, r *rule.Rule, sm metric.SubjectMetrics, triggerCount int64, detail string) error {
	entry := &audit.Entry{
		EntityType:         audit.EntityRule,
		EntityID:           r.ID,
		Action:             audit.ActionSuppressedDuplicate,
		ActorID:            audit.System.ID,
		ActorRole:          audit.System.Role,
		After:              audit.Snapshot(map[string]interface{}{"subject_id": sm.SubjectID, "trigger_count": triggerCount, "detail": detail}),
		ComplianceCategory: audit.CategoryRuleManagement,
	}
	if _, err := e.log.Append(ctx, entry); err != nil {
		return err
	}

	e.logger.Debug("rule firing suppressed",
		"rule_id", r.ID,
		"subject_id", sm.SubjectID,
		"detail", detail,
	)
	return nil
}

// invalidateRule marks a malformed rule invalid so later passes skip
// it, with a rule_error audit entry. Already-invalid rules write no
// further entries.
func (e *Engine) invalidateRule(ctx context.Context, r *rule.Rule, cause error) {
	marked, err := e.rules.MarkInvalid(r.ID)
	if err != nil || !marked {
		return
	}

	entry := &audit.Entry{
		EntityType:         audit.EntityRule,
		EntityID:           r.ID,
		Action:             audit.ActionRuleError,
		ActorID:            audit.System.ID,
		ActorRole:          audit.System.Role,
		Before:             audit.Snapshot(map[string]interface{}{"invalid": false}),
		After:              audit.Snapshot(map[string]interface{}{"invalid": true, "error": cause.Error()}),
		ComplianceCategory: audit.CategoryRuleManagement,
	}
	if _, auditErr := e.log.Append(ctx, entry); auditErr != nil {
		e.logger.Error("audit append for rule error failed", "rule_id", r.ID, "error", auditErr)
	}

	e.logger.Warn("rule marked invalid",
		"rule_id", r.ID,
		"error", cause,
	)
}
