package feed

import "sync"

// ScrollTrigger fires a callback when the top-of-history sentinel becomes
// visible and the bound condition allows a load. It replaces a viewport
// intersection observer: the view reports visibility after every render or
// scroll, and the trigger turns that level signal into edges.
type ScrollTrigger struct {
	mu      sync.Mutex
	cond    func() bool
	fire    func()
	visible bool
	armed   bool
}

// Observe binds cond and fire, replacing any previous binding. The first
// visible notification after a bind counts as an edge.
func (t *ScrollTrigger) Observe(cond func() bool, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cond = cond
	t.fire = fire
	t.visible = false
	t.armed = true
}

// Notify reports the sentinel's current visibility. It returns true when the
// bound callback ran.
func (t *ScrollTrigger) Notify(visible bool) bool {
	t.mu.Lock()
	wasVisible := t.visible
	t.visible = visible
	cond, fire := t.cond, t.fire
	armed := t.armed
	t.mu.Unlock()

	if !armed || !visible || wasVisible || fire == nil {
		return false
	}
	if cond != nil && !cond() {
		// Stay eligible: a later notification while still visible may
		// succeed once the condition holds.
		t.mu.Lock()
		t.visible = false
		t.mu.Unlock()
		return false
	}
	fire()
	return true
}

// Disconnect drops the binding. Later notifications do nothing until the
// next Observe.
func (t *ScrollTrigger) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cond = nil
	t.fire = nil
	t.visible = false
	t.armed = false
}
