package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meridian-hq/meridian/pkg/audit"
	auditstorage "meridian-hq/meridian/pkg/audit/storage"
	"meridian-hq/meridian/pkg/rule"
	"meridian-hq/meridian/pkg/workflow"
)

const validRuleFile = `
rules:
  - id: low-attendance
    name: Low attendance
    condition:
      metric: attendance
      operator: "<"
      threshold: 80
    intervention_type: attendance_support
    priority: 5
    active: true
    cooldown_window: 24h
    action_description: Weekly attendance check-in
    responsible_actor: advisor-12
    requires_followup: true
    followup_after: 336h

workflows:
  - type: attendance_support
    steps:
      - number: 1
        name: Contact student
        required: true
      - number: 2
        name: Schedule tutoring
        required: false
`

func writeRuleFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestFileSource_Load(t *testing.T) {
	path := writeRuleFile(t, "rules.yaml", validRuleFile)

	set, err := NewFileSource(path, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(set.Rules) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(set.Rules))
	}
	r := set.Rules[0]
	if r.ID != "low-attendance" || !r.Active {
		t.Errorf("Unexpected rule: %+v", r)
	}
	if r.Condition.Metric != "attendance" || r.Condition.Operator != rule.OperatorLessThan || r.Condition.Threshold != 80 {
		t.Errorf("Unexpected condition: %+v", r.Condition)
	}
	if r.CooldownWindow != 24*time.Hour {
		t.Errorf("Expected cooldown 24h, got %v", r.CooldownWindow)
	}
	if r.FollowupAfter != 336*time.Hour {
		t.Errorf("Expected followup after 336h, got %v", r.FollowupAfter)
	}

	if len(set.Workflows) != 1 {
		t.Fatalf("Expected 1 workflow definition, got %d", len(set.Workflows))
	}
	if len(set.Workflows[0].Steps) != 2 || !set.Workflows[0].Steps[0].Required {
		t.Errorf("Unexpected workflow: %+v", set.Workflows[0])
	}
}

func TestFileSource_LoadDirectory(t *testing.T) {
	dir := t.TempDir()

	workflows := `
workflows:
  - type: attendance_support
    steps:
      - number: 1
        name: Contact student
        required: true
`
	rules := `
rules:
  - id: low-attendance
    name: Low attendance
    condition:
      metric: attendance
      operator: "<"
      threshold: 80
    intervention_type: attendance_support
    active: true
`
	if err := os.WriteFile(filepath.Join(dir, "workflows.yaml"), []byte(workflows), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rules.yml"), []byte(rules), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	// Non-YAML files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	set, err := NewFileSource(dir, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(set.Rules) != 1 || len(set.Workflows) != 1 {
		t.Errorf("Expected 1 rule and 1 workflow, got %d/%d", len(set.Rules), len(set.Workflows))
	}
}

func TestFileSource_Load_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			"duplicate rule id",
			`
rules:
  - id: dup
    name: One
    condition: {metric: attendance, operator: "<", threshold: 80}
    intervention_type: attendance_support
    active: true
  - id: dup
    name: Two
    condition: {metric: attendance, operator: "<", threshold: 70}
    intervention_type: attendance_support
    active: true
workflows:
  - type: attendance_support
    steps:
      - {number: 1, name: Contact, required: true}
`,
		},
		{
			"missing workflow for intervention type",
			`
rules:
  - id: orphan
    name: Orphan
    condition: {metric: attendance, operator: "<", threshold: 80}
    intervention_type: unknown_type
    active: true
`,
		},
		{
			"invalid rule condition",
			`
rules:
  - id: bad-op
    name: Bad operator
    condition: {metric: attendance, operator: between, threshold: 80}
    intervention_type: attendance_support
    active: true
workflows:
  - type: attendance_support
    steps:
      - {number: 1, name: Contact, required: true}
`,
		},
		{
			"non-contiguous workflow steps",
			`
workflows:
  - type: attendance_support
    steps:
      - {number: 1, name: Contact, required: true}
      - {number: 3, name: Review, required: true}
`,
		},
		{
			"unknown field",
			`
rules:
  - id: typo
    name: Typo
    condition: {metric: attendance, operator: "<", threshold: 80}
    intervention_type: attendance_support
    actve: true
workflows:
  - type: attendance_support
    steps:
      - {number: 1, name: Contact, required: true}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRuleFile(t, "rules.yaml", tt.content)
			if _, err := NewFileSource(path, nil).Load(context.Background()); err == nil {
				t.Error("Expected load to fail")
			}
		})
	}
}

func TestFileSource_Load_MissingPath(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if _, err := src.Load(context.Background()); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestReloader_AppliesChanges(t *testing.T) {
	ctx := context.Background()
	path := writeRuleFile(t, "rules.yaml", validRuleFile)

	log, err := audit.NewLog(ctx, auditstorage.NewMemoryStorage())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	rules := rule.NewRegistry()
	workflows := workflow.NewRegistry()
	reloader := NewReloader(NewFileSource(path, nil), rules, workflows, log)

	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if rules.Len() != 1 {
		t.Fatalf("Expected 1 rule, got %d", rules.Len())
	}
	def, err := workflows.Latest("attendance_support")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if def.Version != 1 {
		t.Errorf("Expected definition version 1, got %d", def.Version)
	}

	// Initial load writes one rule_updated entry per new rule.
	entries, err := log.Query(ctx, &audit.Query{Action: audit.ActionRuleUpdated})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 rule_updated entry, got %d", len(entries))
	}
}

func TestReloader_UnchangedSetIsQuiet(t *testing.T) {
	ctx := context.Background()
	path := writeRuleFile(t, "rules.yaml", validRuleFile)

	log, err := audit.NewLog(ctx, auditstorage.NewMemoryStorage())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	rules := rule.NewRegistry()
	workflows := workflow.NewRegistry()
	reloader := NewReloader(NewFileSource(path, nil), rules, workflows, log)

	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	// Unchanged definitions register no new version, unchanged rules
	// write no further entries.
	def, err := workflows.Latest("attendance_support")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if def.Version != 1 {
		t.Errorf("Expected definition version 1 after no-op reload, got %d", def.Version)
	}
	entries, err := log.Query(ctx, &audit.Query{Action: audit.ActionRuleUpdated})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 rule_updated entry, got %d", len(entries))
	}
}

func TestReloader_PreservesTriggerCounts(t *testing.T) {
	ctx := context.Background()
	path := writeRuleFile(t, "rules.yaml", validRuleFile)

	log, err := audit.NewLog(ctx, auditstorage.NewMemoryStorage())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	rules := rule.NewRegistry()
	workflows := workflow.NewRegistry()
	reloader := NewReloader(NewFileSource(path, nil), rules, workflows, log)

	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, err := rules.IncrementTrigger("low-attendance"); err != nil {
		t.Fatalf("IncrementTrigger failed: %v", err)
	}

	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	r, err := rules.Get("low-attendance")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.TriggerCount != 1 {
		t.Errorf("Expected trigger count to survive reload, got %d", r.TriggerCount)
	}
}

func TestReloader_RemovedRuleAudited(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(validRuleFile), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	log, err := audit.NewLog(ctx, auditstorage.NewMemoryStorage())
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	rules := rule.NewRegistry()
	workflows := workflow.NewRegistry()
	reloader := NewReloader(NewFileSource(path, nil), rules, workflows, log)

	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	// Rewrite the file without the rule.
	trimmed := `
workflows:
  - type: attendance_support
    steps:
      - {number: 1, name: Contact student, required: true}
      - {number: 2, name: Schedule tutoring, required: false}
`
	if err := os.WriteFile(path, []byte(trimmed), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if rules.Len() != 0 {
		t.Errorf("Expected empty rule set, got %d", rules.Len())
	}

	entries, err := log.Query(ctx, &audit.Query{EntityID: "low-attendance", Action: audit.ActionRuleUpdated})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected add and remove entries, got %d", len(entries))
	}
	removal := entries[1]
	if removal.Before == "" || removal.After != "" {
		t.Errorf("Expected removal entry with before only, got before=%q after=%q", removal.Before, removal.After)
	}
}
