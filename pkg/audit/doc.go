// Package audit provides the append-only audit log: one entry per
// state-changing operation on rules, interventions, and workflow
// instances. Entries carry a strictly increasing sequence number and a
// SHA-256 hash chain, so an exported window can be re-verified for
// tampering. Nothing ever updates or removes a written entry.
package audit
