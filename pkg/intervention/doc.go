// Package intervention defines the intervention case entity and the
// store interface that persists cases, their workflow instances, and
// rule firing history. At most one open case may exist per
// (subject, trigger) pair at any time; the store upholds this together
// with the evaluating engine's per-subject serialization.
package intervention
