package util

import (
	"sync/atomic"
)

// node is a single element of the mailbox list
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Mailbox is an unbounded, lock-free multi-producer single-consumer queue.
//
// Producers append to a linked list with CAS and never block, so a commit or a
// gossip callback can hand work to a slow consumer without waiting for it. A
// single goroutine owned by the mailbox moves the items to the channel returned
// by Recv. Items pushed by one producer are received in push order; items of
// different producers are ordered by the completion of their Push.
type Mailbox[T any] struct {
	head    atomic.Pointer[node[T]] // sentinel, head.next is the oldest item
	tail    atomic.Pointer[node[T]]
	out     chan T
	wake    chan struct{}
	pending atomic.Int64
	closed  atomic.Bool
}

// NewMailbox creates a mailbox and starts its forwarding goroutine. The
// goroutine ends after Close, once every pushed item was received.
func NewMailbox[T any]() *Mailbox[T] {
	sentinel := &node[T]{}
	m := &Mailbox[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
	}
	m.head.Store(sentinel)
	m.tail.Store(sentinel)
	go m.forward()
	return m
}

// Push appends v. It returns false if the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	if m.closed.Load() {
		return false
	}
	n := &node[T]{value: v}
	for {
		tail := m.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer appended but did not move the tail yet
			m.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			m.tail.CompareAndSwap(tail, n)
			m.pending.Add(1)
			m.signal()
			return true
		}
	}
}

// signal wakes the forwarder. The buffered channel keeps one pending wakeup,
// so a signal sent while the forwarder is busy is not lost.
func (m *Mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) forward() {
	defer close(m.out)
	for {
		for {
			head := m.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			v := next.value
			var zero T
			next.value = zero
			m.head.Store(next)
			m.out <- v
			m.pending.Add(-1)
		}
		if m.closed.Load() && m.head.Load().next.Load() == nil {
			return
		}
		<-m.wake
	}
}

// Recv returns the channel the items are delivered on. It is closed after Close
// once the mailbox is drained.
func (m *Mailbox[T]) Recv() <-chan T {
	return m.out
}

// Close rejects further pushes. Items already pushed are still delivered.
func (m *Mailbox[T]) Close() {
	if !m.closed.Swap(true) {
		m.signal()
	}
}

// Closed reports whether Close was called.
func (m *Mailbox[T]) Closed() bool {
	return m.closed.Load()
}

// Len returns the number of pushed items not yet received.
func (m *Mailbox[T]) Len() int {
	return int(m.pending.Load())
}
