// Package workflow defines the ordered step sequences attached to
// intervention cases. Definitions are immutable and versioned: a new
// definition for a type versions forward, never mutating the sequence
// out from under in-flight instances, which reference a definition by
// (type, version).
package workflow
