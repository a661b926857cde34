// Package export writes audit log windows to JSON and CSV for
// compliance reports. Output is deterministic: entries are emitted in
// seq order with a fixed field layout, so exporting the same window
// twice yields identical bytes and an identical hash chain.
package export
