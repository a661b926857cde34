// Package storage provides intervention store backends: an in-memory
// implementation for tests and single-run tools, and a SQLite
// implementation for durable single-instance deployments.
package storage
