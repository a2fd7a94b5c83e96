// Package memory is the in-process cache driver. Entries expire lazily on
// read and, when a sweep interval is set, in the background.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/MahdiBaghbani/reqscope/internal/platform/cache"
	"github.com/MahdiBaghbani/reqscope/internal/platform/config"
)

func init() {
	cache.RegisterDriver("memory", func(m map[string]any) (cache.Cache, error) {
		var c Config
		if err := config.Decode(m, &c); err != nil {
			return nil, err
		}
		return New(
			time.Duration(c.DefaultTTLSeconds)*time.Second,
			time.Duration(c.CleanupIntervalSeconds)*time.Second,
		), nil
	})
}

// Config holds the memory driver settings from [cache.drivers.memory].
type Config struct {
	DefaultTTLSeconds      int `mapstructure:"default_ttl_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

// ApplyDefaults implements config.Setter.
func (c *Config) ApplyDefaults() {
	if c.DefaultTTLSeconds <= 0 {
		c.DefaultTTLSeconds = 60
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = 300
	}
}

type entry struct {
	data     []byte
	deadline time.Time
}

func (e entry) liveAt(t time.Time) bool {
	return t.Before(e.deadline)
}

// Cache is a mutex-guarded map of byte slices. Values are copied on the way
// in and on the way out.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration

	stop     chan struct{}
	swept    chan struct{}
	stopOnce sync.Once
}

// New creates a cache whose zero-TTL writes live for ttl. A positive sweep
// starts a goroutine that drops expired entries at that interval.
func New(ttl, sweep time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
		swept:   make(chan struct{}),
	}
	if sweep > 0 {
		go c.sweepEvery(sweep)
	} else {
		close(c.swept)
	}
	return c
}

func (c *Cache) sweepEvery(interval time.Duration) {
	defer close(c.swept)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.liveAt(now) {
			delete(c.entries, k)
		}
	}
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (entry, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	switch {
	case !ok:
		return entry{}, cache.ErrNotFound
	case !e.liveAt(time.Now()):
		return entry{}, cache.ErrExpired
	}
	return e, nil
}

// Get returns a copy of the value stored under key.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	e, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.data...), nil
}

// Set stores a copy of value. A zero ttl uses the cache default.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	e := entry{data: append([]byte(nil), value...), deadline: time.Now().Add(ttl)}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete drops key. Missing keys are not an error.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Exists reports whether key holds an unexpired value.
func (c *Cache) Exists(_ context.Context, key string) (bool, error) {
	_, err := c.lookup(key)
	return err == nil, nil
}

// Close stops the sweeper and waits for it to exit. Idempotent.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.swept
	return nil
}

var _ cache.Cache = (*Cache)(nil)
