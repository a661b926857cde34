// Package metric defines the metric snapshot types consumed by the rule
// engine and impact analyzer. Metric computation itself happens outside
// this system; snapshots arrive already computed, at any cadence, via
// the Source interface.
package metric
