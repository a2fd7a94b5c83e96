package dispatch

import "sync"

// Poster runs listener callbacks on the owner's execution context.
// Post must not block on the callback finishing. It reports false when fn
// was rejected and will never run.
type Poster interface {
	Post(fn func()) bool
}

// Inline runs callbacks immediately on the posting goroutine.
type Inline struct{}

// Post runs fn.
func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// Loop is a serial executor: callbacks run one at a time, in the order they
// were posted, on a single goroutine. The queue is unbounded so posting from
// a worker never waits on a slow listener.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop starts a Loop. Call Close to stop it.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. Posts after Close are rejected.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// Flush blocks until every callback posted before it has run.
// Must not be called from a callback.
func (l *Loop) Flush() {
	done := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.queue = append(l.queue, func() { close(done) })
	l.mu.Unlock()
	l.signal()
	<-done
}

// Close runs what is already queued, then stops the loop.
// Must not be called from a callback.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
	<-l.done
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}
