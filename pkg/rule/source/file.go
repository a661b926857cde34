package source

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"meridian-hq/meridian/pkg/rule"
	"meridian-hq/meridian/pkg/workflow"
)

// RuleSet is the parsed content of one or more rule files.
type RuleSet struct {
	Rules     []*rule.Rule
	Workflows []*workflow.Definition
}

// ruleFile is the on-disk YAML document shape.
type ruleFile struct {
	Rules     []*rule.Rule           `yaml:"rules"`
	Workflows []*workflow.Definition `yaml:"workflows"`
}

// FileSource loads rules and workflow definitions from YAML files on
// disk. The path can be either a single file or a directory; for a
// directory, all .yaml and .yml files are loaded.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a file-based rule source.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:   path,
		logger: logger.With("component", "rule.source"),
	}
}

// Load reads and validates the full rule set from the configured path.
// Validation is all-or-nothing: one bad definition rejects the whole
// load, so a partial set never replaces a good one.
func (s *FileSource) Load(ctx context.Context) (*RuleSet, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path %q: %w", s.path, err)
	}

	set := &RuleSet{}
	if info.IsDir() {
		if err := s.loadDirectory(ctx, set); err != nil {
			return nil, err
		}
	} else {
		if err := s.loadFile(ctx, s.path, set); err != nil {
			return nil, err
		}
	}

	if err := validateSet(set); err != nil {
		return nil, err
	}

	s.logger.Info("loaded rule set",
		"path", s.path,
		"rule_count", len(set.Rules),
		"workflow_count", len(set.Workflows),
	)

	return set, nil
}

func (s *FileSource) loadDirectory(ctx context.Context, set *RuleSet) error {
	err := filepath.Walk(s.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		return s.loadFile(ctx, path, set)
	})
	if err != nil {
		return fmt.Errorf("failed to walk directory %q: %w", s.path, err)
	}
	return nil
}

func (s *FileSource) loadFile(ctx context.Context, path string, set *RuleSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %q: %w", path, err)
	}

	var doc ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to parse rule file %q: %w", path, err)
	}

	set.Rules = append(set.Rules, doc.Rules...)
	set.Workflows = append(set.Workflows, doc.Workflows...)

	s.logger.Debug("loaded rule file",
		"path", path,
		"rule_count", len(doc.Rules),
		"workflow_count", len(doc.Workflows),
	)
	return nil
}

// validateSet rejects duplicate rule ids, invalid rules, malformed
// workflow definitions, and rules whose intervention type has no
// workflow definition anywhere in the set.
func validateSet(set *RuleSet) error {
	types := make(map[string]bool, len(set.Workflows))
	for _, def := range set.Workflows {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("workflow definition %q: %w", def.Type, err)
		}
		types[def.Type] = true
	}

	seen := make(map[string]bool, len(set.Rules))
	for _, r := range set.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %q: duplicate rule id", r.ID)
		}
		seen[r.ID] = true
		if !types[r.InterventionType] {
			return fmt.Errorf("rule %q: no workflow definition for intervention type %q", r.ID, r.InterventionType)
		}
	}
	return nil
}
