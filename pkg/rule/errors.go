package rule

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrRuleNotFound indicates a rule id is not present in the registry.
var ErrRuleNotFound = errors.New("rule not found")

// ValidationError indicates a rule or condition failed construction-time
// validation. No mutation happens on a validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule validation failed on %s: %s", e.Field, e.Message)
}

// MetricMissingError indicates a condition references a metric that the
// incoming snapshot does not carry. The evaluating engine marks the rule
// invalid and continues with the remaining rules.
type MetricMissingError struct {
	Metric string
}

// Error returns the error message.
func (e *MetricMissingError) Error() string {
	return fmt.Sprintf("metric %q not present in snapshot", e.Metric)
}

func formatThreshold(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
