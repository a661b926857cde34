package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"meridian-hq/meridian/pkg/cli"
	"meridian-hq/meridian/pkg/rule/source"
)

var rulesFlags struct {
	path string
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate rule and workflow definition files",
	Long: `Validate rule and workflow definition files without starting the
service. Checks rule conditions, duplicate ids, workflow step
sequences, and that every rule's intervention type has a workflow
definition.

Examples:
  meridian rules validate --rules rules.yaml
  meridian rules validate --rules /etc/meridian/rules.d/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		src := source.NewFileSource(rulesFlags.path, nil)
		set, err := src.Load(cmd.Context())
		if err != nil {
			return cli.NewCommandError("rules validate", err)
		}
		fmt.Printf("✓ %d rules, %d workflow definitions valid\n", len(set.Rules), len(set.Workflows))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)

	rulesCmd.PersistentFlags().StringVar(&rulesFlags.path, "rules", "rules.yaml", "rule file or directory")
}
