package registry

import "sync"

// Composite is a set of subscriptions disposed together.
// Once disposed it stays disposed; further Adds are ignored.
type Composite struct {
	mu       sync.Mutex
	subs     []Subscription
	disposed bool
}

// Add tracks sub. It reports false, and does nothing, if the composite has
// already been disposed.
func (c *Composite) Add(sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return false
	}
	c.subs = append(c.subs, sub)
	return true
}

// Remove stops tracking sub without disposing it.
func (c *Composite) Remove(sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of tracked subscriptions.
func (c *Composite) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Dispose disposes every tracked subscription. Idempotent.
func (c *Composite) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Dispose()
	}
}
