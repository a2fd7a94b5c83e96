// Package dispatch issues HTTP requests on behalf of an owner tag and
// delivers classified outcomes to listeners, unless the tag was cancelled
// in the meantime.
//
// Every exchange runs on its own goroutine under a call handle registered
// in the tag registry. Delivery is posted to a Poster; the posted step
// drops the result if the handle was cancelled and removes the handle from
// the registry once the callbacks have returned. Until then CancelAll can
// reach it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/MahdiBaghbani/reqscope/internal/classify"
	"github.com/MahdiBaghbani/reqscope/internal/netprobe"
	"github.com/MahdiBaghbani/reqscope/internal/platform/config"
	"github.com/MahdiBaghbani/reqscope/internal/platform/http/client"
	"github.com/MahdiBaghbani/reqscope/internal/platform/logutil"
	"github.com/MahdiBaghbani/reqscope/internal/registry"
)

var (
	ErrNoClient         = errors.New("dispatch: no http client")
	ErrResponseTooLarge = errors.New("response body exceeds limit")
)

const (
	defaultMaxResponseBytes = 4 << 20
	defaultBufferSize       = 2048
)

// Options configures a Dispatcher. Client is required; every other field
// has a default.
type Options struct {
	Client   client.HTTPClient
	Registry *registry.Registry // default: a fresh registry
	Probe    netprobe.Probe     // default: always available
	Poster   Poster             // default: Inline
	Codes    *classify.Codes    // default: classify.DefaultCodes()

	MaxResponseBytes int64            // default: 4 MiB
	FS               billy.Filesystem // download target; default: the OS filesystem rooted at "/"
	BufferSize       int              // download chunk size; default: 2048
	Now              func() time.Time // default: time.Now

	Logger *slog.Logger
}

// OptionsFromConfig fills the config-driven fields of Options.
func OptionsFromConfig(cfg *config.Config) Options {
	codes := classify.CodesFromConfig(cfg.Envelope)
	return Options{
		Codes:            &codes,
		MaxResponseBytes: cfg.OutboundHTTP.MaxResponseBytes,
		BufferSize:       cfg.Download.BufferSize,
	}
}

// Dispatcher sends requests and downloads files under owner tags.
type Dispatcher struct {
	registry *registry.Registry
	client   client.HTTPClient
	probe    netprobe.Probe
	poster   Poster
	codes    classify.Codes

	maxResponseBytes int64
	fs               billy.Filesystem
	bufferSize       int
	now              func() time.Time

	authMu      sync.RWMutex
	authHandler AuthInvalidHandler

	log *slog.Logger
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	logger := logutil.NoopIfNil(opts.Logger)

	if opts.Client == nil {
		return nil, ErrNoClient
	}

	d := &Dispatcher{
		registry:         opts.Registry,
		client:           opts.Client,
		probe:            opts.Probe,
		poster:           opts.Poster,
		codes:            classify.DefaultCodes(),
		maxResponseBytes: opts.MaxResponseBytes,
		fs:               opts.FS,
		bufferSize:       opts.BufferSize,
		now:              opts.Now,
		log:              logger,
	}
	if d.registry == nil {
		d.registry = registry.New(logger)
	}
	if d.probe == nil {
		d.probe = netprobe.Static(true)
	}
	if d.poster == nil {
		d.poster = Inline{}
	}
	if opts.Codes != nil {
		d.codes = *opts.Codes
	}
	if d.maxResponseBytes <= 0 {
		d.maxResponseBytes = defaultMaxResponseBytes
	}
	if d.fs == nil {
		d.fs = osfs.New("/")
	}
	if d.bufferSize <= 0 {
		d.bufferSize = defaultBufferSize
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Registry exposes the tag registry.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// CancelAll cancels every request and download started under tag.
// No callback for them runs after CancelAll returns.
func (d *Dispatcher) CancelAll(tag string) {
	d.registry.CancelAll(tag)
}

// SetAuthInvalidHandler installs the process-wide auth-invalid handler.
// A nil handler disables auth-invalid delivery.
func (d *Dispatcher) SetAuthInvalidHandler(h AuthInvalidHandler) {
	d.authMu.Lock()
	defer d.authMu.Unlock()
	d.authHandler = h
}

func (d *Dispatcher) authInvalidHandler() AuthInvalidHandler {
	d.authMu.RLock()
	defer d.authMu.RUnlock()
	return d.authHandler
}

// call is the registry handle for one exchange. Its context is derived
// from the caller's, so cancelling the caller's context cancels the call.
type call struct {
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
}

func newCall(parent context.Context) *call {
	ctx, cancel := context.WithCancel(parent)
	return &call{parent: parent, ctx: ctx, cancel: cancel}
}

func (c *call) Cancel() {
	c.canceled.Store(true)
	c.cancel()
}

func (c *call) Canceled() bool {
	return c.canceled.Load() || c.parent.Err() != nil
}

// release frees the context once the exchange is over without marking the
// call cancelled.
func (c *call) release() {
	c.cancel()
}

// Send issues req under tag and delivers the decoded envelope data, or the
// classified failure, to l. Send does not block on the exchange.
//
// If the network is unavailable, l.OnError is called before Send returns
// and nothing is registered. Send panics if tag is empty.
func Send[T any](ctx context.Context, d *Dispatcher, tag string, req *http.Request, l Listener[T]) {
	if tag == "" {
		panic("dispatch: empty tag")
	}

	if !d.probe.Available(ctx) {
		res := classify.Classify(d.codes, false, classify.Response{})
		l.OnError(nil, res.Kind, res.Message, res.Code)
		return
	}

	c := newCall(ctx)
	d.registry.Register(tag, c)

	go func() {
		resp := d.exchange(c.ctx, req)
		c.release()
		if resp.Err != nil && !c.Canceled() {
			d.transportFailed(resp.Err)
		}
		res := classify.Classify(d.codes, true, resp)
		accepted := d.poster.Post(func() {
			deliver(d, tag, c, res, l)
		})
		if !accepted {
			d.registry.Unregister(tag, c)
			d.log.Debug("poster closed, dropping result", "tag", tag, "kind", res.Kind.String())
		}
	}()
}

// deliver runs on the poster. The handle stays registered until the
// callbacks have returned, so a CancelAll issued while decoding data or from
// a listener callback still reaches it and marks it cancelled.
func deliver[T any](d *Dispatcher, tag string, c *call, res classify.Result, l Listener[T]) {
	defer d.registry.Unregister(tag, c)

	dropped := func() bool {
		if c.Canceled() {
			d.log.Debug("dropping result for cancelled call", "tag", tag, "kind", res.Kind.String())
			return true
		}
		return false
	}
	if dropped() {
		return
	}

	switch res.Kind {
	case classify.ApplicationSuccess:
		var data T
		if len(res.Envelope.Data) > 0 {
			if err := json.Unmarshal(res.Envelope.Data, &data); err != nil {
				d.log.Debug("envelope data does not match listener type", "tag", tag, "error", err)
				if dropped() {
					return
				}
				l.OnError(res.Envelope, classify.EnvelopeContractViolation, classify.MsgEnvelopeViolation, d.codes.Failure)
				return
			}
		}
		if dropped() {
			return
		}
		l.OnSuccess(data)

	case classify.ApplicationAuthInvalid:
		h := d.authInvalidHandler()
		if h == nil || l.IsAuthExempt(res.Code, res.Message) {
			d.log.Debug("auth-invalid result suppressed", "tag", tag, "code", res.Code)
			return
		}
		if dropped() {
			return
		}
		l.OnError(res.Envelope, res.Kind, res.Message, res.Code)
		if dropped() {
			return
		}
		h(res.Code, res.Message)

	default:
		l.OnError(res.Envelope, res.Kind, res.Message, res.Code)
	}
}

// transportFailed drops a cached network verdict so the next dispatch probes
// again.
func (d *Dispatcher) transportFailed(err error) {
	if errors.Is(err, ErrResponseTooLarge) {
		return
	}
	if inv, ok := d.probe.(netprobe.Invalidator); ok {
		inv.Invalidate(context.Background())
	}
}

// exchange performs req and reads the whole body, bounded by
// maxResponseBytes.
func (d *Dispatcher) exchange(ctx context.Context, req *http.Request) classify.Response {
	resp, err := d.client.Do(ctx, req)
	if err != nil {
		d.log.Debug("request failed", "url", req.URL.String(), "error", err)
		return classify.Response{Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.log.Warn("failed to close response body", "url", req.URL.String(), "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseBytes+1))
	if err != nil {
		d.log.Debug("failed to read response body", "url", req.URL.String(), "error", err)
		return classify.Response{Err: err}
	}
	if int64(len(body)) > d.maxResponseBytes {
		return classify.Response{Err: fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, d.maxResponseBytes)}
	}
	return classify.Response{Status: resp.StatusCode, Body: body}
}
