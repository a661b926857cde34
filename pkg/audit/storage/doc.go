// Package storage provides audit log backends. Both backends are
// append-only by construction: neither exposes an update or delete
// path for written entries.
package storage
