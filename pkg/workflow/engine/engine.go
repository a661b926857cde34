// Package engine drives workflow instances through their step
// sequence: step completion and skipping under strict ordering,
// escalation, cancellation, and closure. Every transition writes
// exactly one audit entry inside the same logical mutation; when the
// audit append fails the mutation is rolled back, so no state change
// ever exists without its trail.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"meridian-hq/meridian/pkg/audit"
	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/notify"
	"meridian-hq/meridian/pkg/telemetry/metrics"
	"meridian-hq/meridian/pkg/workflow"
)

// Engine enforces the workflow state machine for intervention cases.
//
// Writes are single-writer per intervention through the store's
// optimistic version check: a losing concurrent writer receives
// intervention.ErrConcurrentModification and must retry against
// refreshed state.
type Engine struct {
	store     intervention.Store
	registry  *workflow.Registry
	log       *audit.Log
	notifier  notify.Dispatcher
	logger    *slog.Logger
	clock     func() time.Time
	collector *metrics.Collector
}

// New creates a workflow engine.
func New(store intervention.Store, registry *workflow.Registry, log *audit.Log, notifier notify.Dispatcher) *Engine {
	if notifier == nil {
		notifier = notify.NopDispatcher{}
	}
	return &Engine{
		store:    store,
		registry: registry,
		log:      log,
		notifier: notifier,
		logger:   slog.Default().With("component", "workflow.engine"),
		clock:    time.Now,
	}
}

// SetClock overrides the engine clock. Tests use this to pin
// durations.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// SetCollector attaches the metrics collector. Without one the engine
// records nothing.
func (e *Engine) SetCollector(c *metrics.Collector) {
	e.collector = c
}

// Instantiate attaches a new workflow instance (latest definition for
// the type, all steps pending) to an intervention. Audit for the
// attachment is the creation entry written by whoever opens the case;
// Instantiate itself performs no audit write.
func (e *Engine) Instantiate(ctx context.Context, interventionID, interventionType string) (*workflow.Instance, error) {
	def, err := e.registry.Latest(interventionType)
	if err != nil {
		return nil, fmt.Errorf("no workflow definition for type %q: %w", interventionType, err)
	}

	in := workflow.NewInstance(interventionID, def, e.clock())
	if err := e.store.CreateInstance(ctx, in); err != nil {
		return nil, err
	}

	e.logger.Debug("workflow instance attached",
		"intervention_id", interventionID,
		"type", def.Type,
		"definition_version", def.Version,
		"steps", len(in.Steps),
	)
	return in, nil
}

// CompleteStep marks step stepNumber completed by the actor. It fails
// with StepOrderViolation unless every earlier step is completed or
// (optional and skipped). Completing the final outstanding work
// transitions the intervention to Completed; otherwise to InProgress.
func (e *Engine) CompleteStep(ctx context.Context, interventionID string, stepNumber int, actor audit.Actor) (*workflow.Instance, error) {
	return e.resolveStep(ctx, interventionID, stepNumber, actor, workflow.StepCompleted)
}

// SkipStep marks an optional step skipped. Required steps fail with
// CannotSkipRequiredStep. Ordering rules match CompleteStep: a step may
// only leave pending once every earlier step is resolved.
func (e *Engine) SkipStep(ctx context.Context, interventionID string, stepNumber int, actor audit.Actor) (*workflow.Instance, error) {
	return e.resolveStep(ctx, interventionID, stepNumber, actor, workflow.StepSkipped)
}

func (e *Engine) resolveStep(ctx context.Context, interventionID string, stepNumber int, actor audit.Actor, target workflow.StepStatus) (*workflow.Instance, error) {
	if actor.ID == "" {
		return nil, ErrActorRequired
	}

	iv, err := e.store.Get(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	if iv.Status.Terminal() {
		return nil, ErrTerminalStatus
	}
	if iv.Status == intervention.StatusEscalated {
		return nil, ErrWorkflowFrozen
	}

	in, err := e.store.GetInstance(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	if in.Frozen {
		return nil, ErrWorkflowFrozen
	}

	def, err := e.registry.Get(in.DefinitionType, in.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	step, ok := in.Step(stepNumber)
	if !ok {
		return nil, workflow.ErrStepNotFound
	}
	if step.Status != workflow.StepPending && step.Status != workflow.StepInProgress {
		return nil, &StepAlreadyResolved{Step: stepNumber, Status: string(step.Status)}
	}
	if target == workflow.StepSkipped {
		if defStep := definitionStep(def, stepNumber); defStep != nil && defStep.Required {
			return nil, &CannotSkipRequiredStep{Step: stepNumber}
		}
	}
	if blocking := firstUnresolvedBefore(def, in, stepNumber); blocking > 0 {
		return nil, &StepOrderViolation{Step: stepNumber, Blocking: blocking}
	}

	now := e.clock()
	statusBefore := iv.Status
	instanceVersion := in.Version
	interventionVersion := iv.Version

	step.Status = target
	step.CompletedBy = actor.ID
	step.CompletedAt = now
	step.Duration = now.Sub(in.LastResolvedAt())

	nextStatus := intervention.StatusInProgress
	if workflowResolved(def, in) {
		nextStatus = intervention.StatusCompleted
	}

	if err := e.store.UpdateInstance(ctx, in, instanceVersion); err != nil {
		return nil, err
	}

	if iv.Status != nextStatus {
		iv.Status = nextStatus
		if nextStatus == intervention.StatusCompleted {
			iv.ClosedAt = now
		}
		if err := e.store.Update(ctx, iv, interventionVersion); err != nil {
			// Unwind the instance write so intervention and instance
			// stay consistent.
			e.restoreStepState(ctx, in, stepNumber)
			return nil, err
		}
	}

	action := audit.ActionStepCompleted
	if target == workflow.StepSkipped {
		action = audit.ActionStepSkipped
	}
	entry := &audit.Entry{
		EntityType:         audit.EntityWorkflowInstance,
		EntityID:           interventionID,
		Action:             action,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		Before:             audit.Snapshot(audit.StatusChange{Status: string(statusBefore)}),
		After:              audit.Snapshot(audit.StatusChange{Status: string(iv.Status), Detail: fmt.Sprintf("step %d %s", stepNumber, target)}),
		ComplianceCategory: audit.CategoryWorkflowProgress,
	}
	if _, err := e.log.Append(ctx, entry); err != nil {
		e.rollbackStep(ctx, iv, in, statusBefore, stepNumber)
		return nil, err
	}

	if e.collector != nil {
		e.collector.RecordTransition(iv.Type, string(action))
		if iv.Status == intervention.StatusCompleted {
			e.collector.RecordInterventionResolved(iv.Type)
		}
	}

	e.logger.Info("workflow step resolved",
		"intervention_id", interventionID,
		"step", stepNumber,
		"result", string(target),
		"status", string(iv.Status),
		"actor", actor.ID,
	)
	return in, nil
}

// Escalate transitions a non-terminal intervention to Escalated and
// freezes its workflow. Used for manual escalation and for the SLA
// sweep when a followup date passes with the case still open.
func (e *Engine) Escalate(ctx context.Context, interventionID, reason string, actor audit.Actor) error {
	if actor.ID == "" {
		return ErrActorRequired
	}

	iv, err := e.store.Get(ctx, interventionID)
	if err != nil {
		return err
	}
	if iv.Status.Terminal() {
		return ErrTerminalStatus
	}
	if iv.Status == intervention.StatusEscalated {
		// Idempotent: already escalated.
		return nil
	}

	statusBefore := iv.Status
	interventionVersion := iv.Version

	in, err := e.store.GetInstance(ctx, interventionID)
	if err != nil {
		return err
	}
	instanceVersion := in.Version
	in.Frozen = true
	if err := e.store.UpdateInstance(ctx, in, instanceVersion); err != nil {
		return err
	}

	iv.Status = intervention.StatusEscalated
	iv.Outcome = reason
	if err := e.store.Update(ctx, iv, interventionVersion); err != nil {
		e.unfreezeInstance(ctx, interventionID)
		return err
	}

	entry := &audit.Entry{
		EntityType:         audit.EntityIntervention,
		EntityID:           interventionID,
		Action:             audit.ActionEscalated,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		Before:             audit.Snapshot(audit.StatusChange{Status: string(statusBefore)}),
		After:              audit.Snapshot(audit.StatusChange{Status: string(intervention.StatusEscalated), Detail: reason}),
		ComplianceCategory: audit.CategoryEscalation,
	}
	if _, err := e.log.Append(ctx, entry); err != nil {
		e.rollbackTransition(ctx, iv, statusBefore)
		return err
	}

	e.notifier.Dispatch(notify.Event{
		Type:         notify.EventInterventionEscalated,
		Intervention: iv.Clone(),
		Reason:       reason,
		OccurredAt:   e.clock(),
	})

	if e.collector != nil {
		origin := "manual"
		if actor == audit.System {
			origin = "sla_sweep"
		}
		e.collector.RecordEscalation(origin)
	}

	e.logger.Warn("intervention escalated",
		"intervention_id", interventionID,
		"number", iv.Number,
		"reason", reason,
		"actor", actor.ID,
	)
	return nil
}

// Cancel transitions a non-terminal intervention to Cancelled. The
// transition is terminal and irreversible and requires a reason.
func (e *Engine) Cancel(ctx context.Context, interventionID, reason string, actor audit.Actor) error {
	if reason == "" {
		return ErrReasonRequired
	}
	return e.terminate(ctx, interventionID, reason, actor, intervention.StatusCancelled, audit.ActionCancelled)
}

// Close resolves an intervention (typically an escalated one) to
// Closed with an outcome.
func (e *Engine) Close(ctx context.Context, interventionID, outcome string, actor audit.Actor) error {
	return e.terminate(ctx, interventionID, outcome, actor, intervention.StatusClosed, audit.ActionClosed)
}

func (e *Engine) terminate(ctx context.Context, interventionID, detail string, actor audit.Actor, status intervention.Status, action string) error {
	if actor.ID == "" {
		return ErrActorRequired
	}

	iv, err := e.store.Get(ctx, interventionID)
	if err != nil {
		return err
	}
	if iv.Status.Terminal() {
		return ErrTerminalStatus
	}

	statusBefore := iv.Status
	interventionVersion := iv.Version

	iv.Status = status
	iv.Outcome = detail
	iv.ClosedAt = e.clock()
	if err := e.store.Update(ctx, iv, interventionVersion); err != nil {
		return err
	}

	entry := &audit.Entry{
		EntityType:         audit.EntityIntervention,
		EntityID:           interventionID,
		Action:             action,
		ActorID:            actor.ID,
		ActorRole:          actor.Role,
		Before:             audit.Snapshot(audit.StatusChange{Status: string(statusBefore)}),
		After:              audit.Snapshot(audit.StatusChange{Status: string(status), Detail: detail}),
		ComplianceCategory: audit.CategoryInterventionManagement,
	}
	if _, err := e.log.Append(ctx, entry); err != nil {
		restored := iv.Clone()
		restored.Status = statusBefore
		restored.Outcome = ""
		restored.ClosedAt = time.Time{}
		if rbErr := e.store.Update(ctx, restored, iv.Version); rbErr != nil {
			e.logger.Error("rollback after audit failure did not apply",
				"intervention_id", interventionID, "error", rbErr)
		}
		return err
	}

	if e.collector != nil {
		e.collector.RecordInterventionResolved(iv.Type)
	}

	e.logger.Info("intervention resolved",
		"intervention_id", interventionID,
		"number", iv.Number,
		"status", string(status),
		"actor", actor.ID,
	)
	return nil
}

// rollbackStep restores a step to pending and the intervention to its
// prior status after a failed audit append.
func (e *Engine) rollbackStep(ctx context.Context, iv *intervention.Intervention, in *workflow.Instance, statusBefore intervention.Status, stepNumber int) {
	e.restoreStepState(ctx, in, stepNumber)
	if iv.Status != statusBefore {
		restored := iv.Clone()
		restored.Status = statusBefore
		restored.ClosedAt = time.Time{}
		if err := e.store.Update(ctx, restored, iv.Version); err != nil {
			e.logger.Error("status rollback did not apply", "intervention_id", iv.ID, "error", err)
		}
	}
}

// restoreStepState re-pends a step whose resolution could not be
// committed end to end.
func (e *Engine) restoreStepState(ctx context.Context, in *workflow.Instance, stepNumber int) {
	if step, ok := in.Step(stepNumber); ok {
		step.Status = workflow.StepPending
		step.CompletedBy = ""
		step.CompletedAt = time.Time{}
		step.Duration = 0
	}
	if err := e.store.UpdateInstance(ctx, in, in.Version); err != nil {
		e.logger.Error("step rollback did not apply", "intervention_id", in.InterventionID, "error", err)
	}
}

// rollbackTransition restores the intervention status and unfreezes the
// instance after a failed audit append on escalation.
func (e *Engine) rollbackTransition(ctx context.Context, iv *intervention.Intervention, statusBefore intervention.Status) {
	restored := iv.Clone()
	restored.Status = statusBefore
	restored.Outcome = ""
	if err := e.store.Update(ctx, restored, iv.Version); err != nil {
		e.logger.Error("status rollback did not apply", "intervention_id", iv.ID, "error", err)
	}
	e.unfreezeInstance(ctx, iv.ID)
}

func (e *Engine) unfreezeInstance(ctx context.Context, interventionID string) {
	in, err := e.store.GetInstance(ctx, interventionID)
	if err != nil {
		e.logger.Error("instance rollback load failed", "intervention_id", interventionID, "error", err)
		return
	}
	in.Frozen = false
	if err := e.store.UpdateInstance(ctx, in, in.Version); err != nil {
		e.logger.Error("instance rollback did not apply", "intervention_id", interventionID, "error", err)
	}
}

// definitionStep returns the definition step for a number, nil if
// absent.
func definitionStep(def *workflow.Definition, number int) *workflow.Step {
	for i := range def.Steps {
		if def.Steps[i].Number == number {
			return &def.Steps[i]
		}
	}
	return nil
}

// firstUnresolvedBefore returns the earliest step before stepNumber
// that is neither completed nor validly skipped, or 0 when the path is
// clear.
func firstUnresolvedBefore(def *workflow.Definition, in *workflow.Instance, stepNumber int) int {
	for _, defStep := range def.Steps {
		if defStep.Number >= stepNumber {
			break
		}
		state, ok := in.Step(defStep.Number)
		if !ok {
			return defStep.Number
		}
		switch state.Status {
		case workflow.StepCompleted:
			// resolved
		case workflow.StepSkipped:
			if defStep.Required {
				return defStep.Number
			}
		default:
			return defStep.Number
		}
	}
	return 0
}

// workflowResolved reports whether every required step is completed and
// every step has left pending state, which completes the intervention.
func workflowResolved(def *workflow.Definition, in *workflow.Instance) bool {
	for _, defStep := range def.Steps {
		state, ok := in.Step(defStep.Number)
		if !ok {
			return false
		}
		switch state.Status {
		case workflow.StepCompleted:
		case workflow.StepSkipped:
			if defStep.Required {
				return false
			}
		default:
			return false
		}
	}
	return true
}
