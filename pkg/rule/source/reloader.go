package source

import (
	"context"
	"log/slog"
	"reflect"

	"meridian-hq/meridian/pkg/audit"
	"meridian-hq/meridian/pkg/rule"
	"meridian-hq/meridian/pkg/workflow"
)

// Reloader applies a freshly loaded rule set to the live registries.
// Workflow definitions register a new version only when their step
// sequence actually changed, so reloads do not churn versions; rule
// replacement preserves trigger counters for surviving ids. Each rule
// added, changed, or removed writes a rule_updated audit entry.
type Reloader struct {
	source    *FileSource
	rules     *rule.Registry
	workflows *workflow.Registry
	log       *audit.Log
	logger    *slog.Logger
}

// NewReloader creates a reloader bound to the live registries.
func NewReloader(src *FileSource, rules *rule.Registry, workflows *workflow.Registry, log *audit.Log) *Reloader {
	return &Reloader{
		source:    src,
		rules:     rules,
		workflows: workflows,
		log:       log,
		logger:    slog.Default().With("component", "rule.reloader"),
	}
}

// Reload loads, validates, and applies the rule set. A load or
// validation error applies nothing.
func (r *Reloader) Reload(ctx context.Context) error {
	set, err := r.source.Load(ctx)
	if err != nil {
		return err
	}

	for _, def := range set.Workflows {
		current, err := r.workflows.Latest(def.Type)
		if err == nil && reflect.DeepEqual(current.Steps, def.Steps) {
			continue
		}
		version, err := r.workflows.Register(def)
		if err != nil {
			return err
		}
		r.logger.Info("registered workflow definition",
			"type", def.Type,
			"version", version,
			"step_count", len(def.Steps),
		)
	}

	before := r.rules.Snapshot()
	if err := r.rules.Replace(set.Rules); err != nil {
		return err
	}
	r.auditRuleChanges(ctx, before, set.Rules)

	return nil
}

// auditRuleChanges writes one rule_updated entry per rule whose
// definition differs between the old and new sets.
func (r *Reloader) auditRuleChanges(ctx context.Context, before []*rule.Rule, after []*rule.Rule) {
	old := make(map[string]*rule.Rule, len(before))
	for _, b := range before {
		old[b.ID] = b
	}
	next := make(map[string]*rule.Rule, len(after))
	for _, a := range after {
		next[a.ID] = a
	}

	for _, a := range after {
		b, existed := old[a.ID]
		if existed && sameDefinition(b, a) {
			continue
		}
		var beforeJSON string
		if existed {
			beforeJSON = audit.Snapshot(b)
		}
		r.appendRuleUpdated(ctx, a.ID, beforeJSON, audit.Snapshot(a))
	}
	for _, b := range before {
		if _, kept := next[b.ID]; !kept {
			r.appendRuleUpdated(ctx, b.ID, audit.Snapshot(b), "")
		}
	}
}

func (r *Reloader) appendRuleUpdated(ctx context.Context, ruleID, before, after string) {
	entry := &audit.Entry{
		EntityType:         audit.EntityRule,
		EntityID:           ruleID,
		Action:             audit.ActionRuleUpdated,
		ActorID:            audit.System.ID,
		ActorRole:          audit.System.Role,
		Before:             before,
		After:              after,
		ComplianceCategory: audit.CategoryRuleManagement,
	}
	if _, err := r.log.Append(ctx, entry); err != nil {
		r.logger.Error("audit append for rule update failed",
			"rule_id", ruleID, "error", err)
	}
}

// sameDefinition compares the author-controlled fields, ignoring
// runtime counters and invalid marks.
func sameDefinition(a, b *rule.Rule) bool {
	ac, bc := *a, *b
	ac.TriggerCount, bc.TriggerCount = 0, 0
	ac.Invalid, bc.Invalid = false, false
	return ac == bc
}
