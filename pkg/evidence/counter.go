package evidence

import (
	"sync"
)

// Counter is the Publisher-owned, in-memory expected-evidence-count map.
// It mirrors the teacher's mutex-guarded session registry: a plain map
// behind an RWMutex, not an external cache, since this state is scoped to
// one publisher process and must survive only as long as that process does.
type Counter struct {
	mu       sync.RWMutex
	expected map[string]int
	current  map[string]int
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{
		expected: make(map[string]int),
		current:  make(map[string]int),
	}
}

// SetExpected adds n to the number of evidence votes a relationship-hash
// must accumulate before it is ready for reconciliation; repeated calls for
// one hash add up. Called by the Publisher for each
// relationship-analysis-finding event that carries an expected vote count.
func (c *Counter) SetExpected(hash string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expected[hash] += n
}

// Increment records one more evidence vote for hash and reports whether the
// relationship has now reached (or exceeded) its expected count — the
// signal to enqueue a reconcile-relationship job. A hash with no recorded
// expectation is never ready (degraded mode handles that case separately,
// see Publisher.handleRelationshipAnalysisFinding).
func (c *Counter) Increment(hash string) (ready bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[hash]++
	expected, known := c.expected[hash]
	if !known {
		return false, false
	}
	return c.current[hash] >= expected, true
}

// Forget drops bookkeeping for a hash once it has been reconciled, so the
// maps don't grow unbounded over a long-running run.
func (c *Counter) Forget(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expected, hash)
	delete(c.current, hash)
}
