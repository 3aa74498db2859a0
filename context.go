package blockqueue

// Context is a per-producer cursor into a Queue (spec.md §3, "Context"):
// a reference to one queue and a monotonically increasing section
// integer. Multiple contexts share a queue. A Context is a lightweight
// value; its only mutable state is its section, and that section is never
// decreased by any queue operation (invariant 5) — it is only ever raised
// to satisfy a dependency (§4.1.3) or advanced past a merged barrier
// (§4.1.2).
//
// A Context is not safe for concurrent use by multiple goroutines, matching
// the queue it belongs to (spec.md §5).
type Context struct {
	queue   *Queue
	section uint64
}

// NewContext returns a Context bound to q, initialized at section 0. This
// is the idiomatic-Go spelling of spec.md's init_context(Context, Queue).
func (q *Queue) NewContext() *Context {
	return &Context{queue: q, section: 0}
}

// Reset re-arms the context at section 0, as if freshly created. Intended
// for producer sessions that are restarted from scratch, not for ordinary
// operation.
func (c *Context) Reset() {
	c.section = 0
}

// Section reports the context's current section, mostly useful for tests
// asserting the dependency-tightening behavior of Scenario D.
func (c *Context) Section() uint64 {
	return c.section
}

func (c *Context) raiseSection(s uint64) {
	if s > c.section {
		c.section = s
	}
}
