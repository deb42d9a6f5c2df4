// Package pool hands out exclusive access to a fixed set of resources.
//
// Callers that find every slot in use park on a FIFO wait queue and are
// handed a slot directly by the releasing caller, so a released slot never
// goes back to the free set while someone is waiting for it.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPoolExhausted is returned when no slot frees up within the
	// configured acquire timeout.
	ErrPoolExhausted = errors.New("pool exhausted: no slot available")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// Slot is one exclusive-use handle. It is only valid between Acquire and
// Release.
type Slot[T any] struct {
	index int
	conn  T
	inUse bool
}

// Conn returns the resource held by the slot.
func (s *Slot[T]) Conn() T { return s.conn }

// Index returns the position of the slot in the pool.
func (s *Slot[T]) Index() int { return s.index }

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Size      int
	InUse     int
	Waiting   int
	Exhausted uint64
}

// Pool is a bounded broker over a fixed set of resources.
type Pool[T any] struct {
	mu             sync.Mutex
	slots          []*Slot[T]
	free           []*Slot[T]
	waiters        []chan *Slot[T]
	acquireTimeout time.Duration
	exhausted      uint64
	closed         bool
	logger         *slog.Logger
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// WithAcquireTimeout bounds how long Acquire waits for a slot. Zero means
// wait until the context ends.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// WithLogger sets the logger used to report misuse such as double release.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a pool owning conns. The pool size is len(conns).
func New[T any](conns []T, opts ...Option) *Pool[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[T]{
		slots:          make([]*Slot[T], len(conns)),
		free:           make([]*Slot[T], 0, len(conns)),
		acquireTimeout: o.acquireTimeout,
		logger:         o.logger.With("component", "pool"),
	}
	for i, c := range conns {
		s := &Slot[T]{index: i, conn: c}
		p.slots[i] = s
		p.free = append(p.free, s)
	}
	return p
}

// Acquire returns exclusive use of one slot, blocking while all slots are
// in use. The caller must Release the slot on every exit path; prefer Do.
func (p *Pool[T]) Acquire(ctx context.Context) (*Slot[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		s.inUse = true
		p.mu.Unlock()
		return s, nil
	}

	// Buffered so Release never blocks on a waiter that has given up.
	ch := make(chan *Slot[T], 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	var timeout <-chan time.Time
	if p.acquireTimeout > 0 {
		t := time.NewTimer(p.acquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case s, ok := <-ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return s, nil
	case <-ctx.Done():
		p.abandon(ch)
		return nil, ctx.Err()
	case <-timeout:
		p.abandon(ch)
		p.mu.Lock()
		p.exhausted++
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
}

// abandon removes ch from the wait queue. If a slot was handed over in the
// meantime it is released again so capacity is not lost.
func (p *Pool[T]) abandon(ch chan *Slot[T]) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not queued any more: Release already sent us a slot (or Close closed ch).
	if s, ok := <-ch; ok && s != nil {
		p.Release(s)
	}
}

// Release returns a slot. If callers are waiting, the oldest one receives
// the slot directly.
func (p *Pool[T]) Release(s *Slot[T]) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !s.inUse {
		p.logger.Warn("release of a slot that is not in use", "slot", s.index)
		return
	}
	if p.closed {
		s.inUse = false
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- s
		return
	}
	s.inUse = false
	p.free = append(p.free, s)
}

// Do runs fn with exclusive use of one resource and always releases it,
// including when fn panics.
func (p *Pool[T]) Do(ctx context.Context, fn func(T) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s.conn)
}

// Stats reports current usage.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      len(p.slots),
		InUse:     len(p.slots) - len(p.free),
		Waiting:   len(p.waiters),
		Exhausted: p.exhausted,
	}
}

// Close fails pending and future acquires and passes every resource to
// closeFn. Slots still held are closed too; their holders must not use
// them afterwards.
func (p *Pool[T]) Close(closeFn func(T) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
	slots := p.slots
	p.mu.Unlock()

	var errs []error
	if closeFn != nil {
		for _, s := range slots {
			if err := closeFn(s.conn); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
