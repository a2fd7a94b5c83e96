// Package netprobe answers "is the network reachable right now?" before a
// request is dispatched.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MahdiBaghbani/reqscope/internal/platform/cache"
	"github.com/MahdiBaghbani/reqscope/internal/platform/config"
	"github.com/MahdiBaghbani/reqscope/internal/platform/logutil"
)

// ErrInvalidMode is returned by FromConfig for an unknown probe mode.
var ErrInvalidMode = errors.New("invalid probe mode")

// Probe reports network availability. Implementations must be safe for
// concurrent use and must not block for long: they are queried synchronously
// before every dispatch.
type Probe interface {
	Available(ctx context.Context) bool
}

// Static is a Probe with a fixed answer.
type Static bool

// Available returns the fixed answer.
func (s Static) Available(context.Context) bool { return bool(s) }

// Invalidator is implemented by probes that cache their answer. The
// dispatcher calls Invalidate after a transport failure so the next request
// probes again.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Func adapts a function to Probe.
type Func func(ctx context.Context) bool

// Available calls f(ctx).
func (f Func) Available(ctx context.Context) bool { return f(ctx) }

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer probes by opening a TCP connection to a known address.
// Results are cached for TTL and concurrent probes share one dial.
type Dialer struct {
	addr    string
	timeout time.Duration
	ttl     time.Duration
	cache   cache.Cache
	dial    DialFunc
	group   singleflight.Group
	log     *slog.Logger
}

// NewDialer creates a dialing probe. A nil dial uses net.Dialer.
func NewDialer(addr string, timeout, ttl time.Duration, c cache.Cache, dial DialFunc, logger *slog.Logger) *Dialer {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	return &Dialer{
		addr:    addr,
		timeout: timeout,
		ttl:     ttl,
		cache:   c,
		dial:    dial,
		log:     logutil.NoopIfNil(logger),
	}
}

func (d *Dialer) cacheKey() string {
	return "netprobe:" + d.addr
}

// Available reports whether addr accepted a connection within the timeout.
func (d *Dialer) Available(ctx context.Context) bool {
	key := d.cacheKey()

	if d.cache != nil {
		if v, err := d.cache.Get(ctx, key); err == nil && len(v) == 1 {
			return v[0] == 1
		}
	}

	// The shared dial outlives any one caller: a caller that is shutting down
	// must not turn its cancellation into a cached "unavailable".
	dialCtx := context.WithoutCancel(ctx)
	v, _, _ := d.group.Do(key, func() (any, error) {
		return d.probe(dialCtx), nil
	})
	up := v.(bool)

	if d.cache != nil && d.ttl > 0 {
		b := byte(0)
		if up {
			b = 1
		}
		if err := d.cache.Set(ctx, key, []byte{b}, d.ttl); err != nil {
			d.log.Warn("failed to cache probe result", "addr", d.addr, "error", err)
		}
	}
	return up
}

// Invalidate drops the cached result.
func (d *Dialer) Invalidate(ctx context.Context) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, d.cacheKey()); err != nil {
		d.log.Warn("failed to drop cached probe result", "addr", d.addr, "error", err)
	}
}

var _ Invalidator = (*Dialer)(nil)

func (d *Dialer) probe(ctx context.Context) bool {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	conn, err := d.dial(ctx, "tcp", d.addr)
	if err != nil {
		d.log.Debug("network probe failed", "addr", d.addr, "error", err)
		return false
	}
	conn.Close()
	return true
}

// FromConfig builds the probe selected by the [probe] section.
// The cache is used only by the dial mode and may be nil.
func FromConfig(cfg config.ProbeConfig, c cache.Cache, logger *slog.Logger) (Probe, error) {
	switch cfg.Mode {
	case "always":
		return Static(true), nil
	case "never":
		return Static(false), nil
	case "dial":
		return NewDialer(
			cfg.Address,
			time.Duration(cfg.TimeoutMS)*time.Millisecond,
			time.Duration(cfg.CacheTTLSeconds)*time.Second,
			c,
			nil,
			logger,
		), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}
}
