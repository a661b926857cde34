package rule

// Operator represents a comparison operator in a rule condition.
type Operator string

const (
	OperatorLessThan     Operator = "<"
	OperatorLessEqual    Operator = "<="
	OperatorGreaterThan  Operator = ">"
	OperatorGreaterEqual Operator = ">="
	OperatorEqual        Operator = "=="
)

// Valid reports whether the operator is one of the supported comparisons.
func (op Operator) Valid() bool {
	switch op {
	case OperatorLessThan, OperatorLessEqual, OperatorGreaterThan, OperatorGreaterEqual, OperatorEqual:
		return true
	default:
		return false
	}
}

// Condition is a single-metric threshold comparison. The zero value is
// invalid; construct through NewCondition so an unknown operator or
// empty metric name is rejected before the condition can be stored.
type Condition struct {
	// Metric is the metric name the condition reads from a snapshot.
	Metric string `json:"metric" yaml:"metric"`

	// Operator is the comparison applied between the observed value and
	// the threshold.
	Operator Operator `json:"operator" yaml:"operator"`

	// Threshold is the comparison value.
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// NewCondition builds a validated condition.
func NewCondition(metricName string, op Operator, threshold float64) (Condition, error) {
	if metricName == "" {
		return Condition{}, &ValidationError{Field: "metric", Message: "metric name is required"}
	}
	if !op.Valid() {
		return Condition{}, &ValidationError{Field: "operator", Message: "unknown operator " + string(op)}
	}
	return Condition{Metric: metricName, Operator: op, Threshold: threshold}, nil
}

// Evaluate applies the condition to a snapshot value set. It returns a
// MetricMissingError when the snapshot does not contain the condition's
// metric; snapshots may be partial, so that is a per-pass outcome, not
// a rule defect.
func (c Condition) Evaluate(values map[string]float64) (bool, error) {
	actual, ok := values[c.Metric]
	if !ok {
		return false, &MetricMissingError{Metric: c.Metric}
	}

	switch c.Operator {
	case OperatorLessThan:
		return actual < c.Threshold, nil
	case OperatorLessEqual:
		return actual <= c.Threshold, nil
	case OperatorGreaterThan:
		return actual > c.Threshold, nil
	case OperatorGreaterEqual:
		return actual >= c.Threshold, nil
	case OperatorEqual:
		return actual == c.Threshold, nil
	default:
		return false, &ValidationError{Field: "operator", Message: "unknown operator " + string(c.Operator)}
	}
}

// String renders the condition in "metric op threshold" form for logs
// and audit snapshots.
func (c Condition) String() string {
	return c.Metric + " " + string(c.Operator) + " " + formatThreshold(c.Threshold)
}
