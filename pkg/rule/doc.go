// Package rule defines compliance rules: a condition over a single
// metric that, when met, opens an intervention case. Conditions are a
// tagged variant {metric, operator, threshold} validated at
// construction, so a malformed condition can never reach evaluation.
package rule
