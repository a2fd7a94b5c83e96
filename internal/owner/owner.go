// Package owner ties a group of requests to the lifetime of one UI
// component, screen or job. Closing the owner cancels everything it started.
package owner

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/MahdiBaghbani/reqscope/internal/dispatch"
)

// Owner issues requests under its own tag and context.
type Owner struct {
	d      *dispatch.Dispatcher
	tag    string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates an owner with a fresh, time-ordered tag. Its context is
// derived from parent.
func New(parent context.Context, d *dispatch.Dispatcher) *Owner {
	ctx, cancel := context.WithCancel(parent)
	return &Owner{
		d:      d,
		tag:    uuid.Must(uuid.NewV7()).String(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Tag returns the registry tag.
func (o *Owner) Tag() string { return o.tag }

// Context is cancelled when the owner is closed.
func (o *Owner) Context() context.Context { return o.ctx }

// Closed reports whether Close has been called, or the parent context ended.
func (o *Owner) Closed() bool { return o.ctx.Err() != nil }

// Close cancels every operation started by the owner. Safe to call more
// than once and from any goroutine.
func (o *Owner) Close() {
	o.once.Do(func() {
		o.cancel()
		o.d.CancelAll(o.tag)
	})
}

// Download streams req into destDir/fileName under the owner's tag.
func (o *Owner) Download(req *http.Request, destDir, fileName string, l dispatch.DownloadListener) {
	o.d.Download(o.ctx, o.tag, req, destDir, fileName, l)
}

// Send issues req under the owner's tag.
func Send[T any](o *Owner, req *http.Request, l dispatch.Listener[T]) {
	dispatch.Send(o.ctx, o.d, o.tag, req, l)
}
