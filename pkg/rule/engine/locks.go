package engine

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// subjectLocks serializes evaluation per subject. Striping bounds the
// lock table regardless of subject cardinality; two subjects sharing a
// stripe serialize harmlessly.
type subjectLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{}
}

func (l *subjectLocks) lock(subjectID string) func() {
	h := fnv.New32a()
	h.Write([]byte(subjectID))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
