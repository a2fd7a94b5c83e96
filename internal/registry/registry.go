// Package registry tracks in-flight operations per owner tag so an owner can
// cancel everything it started in one call.
//
// A Registry keeps two independently keyed maps: tag to the ordered list of
// call handles, and tag to a Composite of streaming subscriptions. Every
// operation runs under one mutex. Cancel and Dispose are invoked only after
// the entries have been detached and the lock released, so a handle whose
// cancellation calls back into the registry cannot deadlock it.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/MahdiBaghbani/reqscope/internal/platform/logutil"
)

// Call is a cancellable single network exchange.
// Implementations are compared by identity and must be comparable
// (pointer types in practice).
type Call interface {
	// Cancel aborts the exchange. Idempotent.
	Cancel()
	// Canceled reports whether Cancel has been called.
	Canceled() bool
}

// Subscription is a cancellable streaming operation.
// Like Call, implementations must be comparable.
type Subscription interface {
	// Dispose stops the operation. Idempotent.
	Dispose()
}

// Registry maps owner tags to their tracked operations.
// The zero value is not usable; construct with New.
type Registry struct {
	mu    sync.Mutex
	calls map[string][]Call
	subs  map[string]*Composite
	log   *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		calls: make(map[string][]Call),
		subs:  make(map[string]*Composite),
		log:   logutil.NoopIfNil(logger),
	}
}

// IsLive reports whether tag has at least one tracked call.
func (r *Registry) IsLive(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[tag]) > 0
}

// Register appends call to tag's collection, creating it if absent.
func (r *Registry) Register(tag string, call Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[tag] = append(r.calls[tag], call)
}

// Unregister removes call from tag's collection and reports whether it was
// present. The tag entry is pruned once its collection is empty.
func (r *Registry) Unregister(tag string, call Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.calls[tag]
	if !ok {
		return false
	}

	removed := false
	for i, c := range list {
		if c == call {
			list = append(list[:i], list[i+1:]...)
			removed = true
			break
		}
	}

	if len(list) == 0 {
		delete(r.calls, tag)
	} else {
		r.calls[tag] = list
	}
	return removed
}

// CancelAll cancels every call under tag that is not already cancelled,
// disposes the tag's subscriptions and removes both entries.
// Cancelling an unknown or already cancelled tag is a no-op.
func (r *Registry) CancelAll(tag string) {
	r.mu.Lock()
	calls := r.calls[tag]
	delete(r.calls, tag)
	comp := r.subs[tag]
	delete(r.subs, tag)
	r.mu.Unlock()

	if len(calls) == 0 && comp == nil {
		return
	}

	cancelled := 0
	for _, c := range calls {
		if !c.Canceled() {
			c.Cancel()
			cancelled++
		}
	}
	if comp != nil {
		comp.Dispose()
	}

	r.log.Debug("cancelled tag", "tag", tag, "calls", len(calls), "cancelled", cancelled, "subscriptions", comp != nil)
}

// AddSubscription adds sub to tag's composite, creating it if absent.
func (r *Registry) AddSubscription(tag string, sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	comp, ok := r.subs[tag]
	if !ok {
		comp = &Composite{}
		r.subs[tag] = comp
	}
	comp.Add(sub)
}

// RemoveSubscription removes sub from tag's composite without disposing it.
// The composite is pruned once empty.
func (r *Registry) RemoveSubscription(tag string, sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	comp, ok := r.subs[tag]
	if !ok {
		return
	}
	comp.Remove(sub)
	if comp.Len() == 0 {
		delete(r.subs, tag)
	}
}

// Len returns the number of calls tracked under tag.
func (r *Registry) Len(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[tag])
}

// Subscriptions returns the number of subscriptions tracked under tag.
func (r *Registry) Subscriptions(tag string) int {
	r.mu.Lock()
	comp := r.subs[tag]
	r.mu.Unlock()

	if comp == nil {
		return 0
	}
	return comp.Len()
}

// Tags returns the sorted tags that currently track calls or subscriptions.
func (r *Registry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.calls)+len(r.subs))
	for tag := range r.calls {
		seen[tag] = struct{}{}
	}
	for tag := range r.subs {
		seen[tag] = struct{}{}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
