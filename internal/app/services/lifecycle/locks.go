package lifecycle

import "sync"

// jobLocks serializes transitions per job id. The map only grows; job ids
// are bounded by the working set of a node and entries are tiny.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newJobLocks() jobLocks {
	return jobLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *jobLocks) lock(jobID string) func() {
	l.mu.Lock()
	m, ok := l.locks[jobID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[jobID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
