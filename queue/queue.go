/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package queue implements the admission queue (C5, spec.md §4.1): a
// bounded FIFO of connection handles shared between the admitter goroutine
// and every worker's main goroutine (see SPEC_FULL.md §2 for why "process"
// became "goroutine tier" in this rendering).
//
// The synchronization protocol is exactly the one spec.md §4.1 describes:
// a counting semaphore `empty` initialized to capacity, a counting
// semaphore `filled` initialized to 0, and a mutex serializing the O(1)
// circular-buffer index manipulation. Both semaphores are backed by
// golang.org/x/sync/semaphore.Weighted with weight 1 per slot, the same
// library nabbar-golib/semaphore/sem wraps for its own worker-management
// semaphore (golib uses it for a single general-purpose weighted gate;
// here it's specialized into the two-semaphore admission protocol spec.md
// requires).
package queue

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nabbar/staticd/errs"
)

const (
	ErrorFull errs.CodeError = iota + errs.MinPkgQueue
	ErrorShuttingDown
)

func init() {
	errs.RegisterMessages(errs.MinPkgQueue, 4, message)
}

func message(code errs.CodeError) string {
	switch code {
	case ErrorFull:
		return "admission queue is at capacity"
	case ErrorShuttingDown:
		return "admission queue is shutting down"
	}
	return ""
}

// Handle is the connection handle carried through the queue: an accepted
// socket plus the metadata spec.md §3 says travels with it.
type Handle struct {
	Conn       net.Conn
	RemoteAddr string
	Arrived    int64 // UnixNano
}

// Queue is the bounded, multi-producer multi-consumer FIFO described in
// spec.md §4.1.
type Queue struct {
	capacity int64

	empty  *semaphore.Weighted // counts free slots
	filled *semaphore.Weighted // counts occupied slots

	mu   sync.Mutex
	buf  []Handle
	head int
	tail int
	size int

	shutMu sync.Mutex
	shut   bool
	cnl    context.CancelFunc
	ctx    context.Context
}

// New returns an empty Queue with room for capacity handles.
func New(capacity int) *Queue {
	ctx, cnl := context.WithCancel(context.Background())

	filled := semaphore.NewWeighted(int64(capacity))
	// semaphore.NewWeighted starts with every token available (held-count
	// 0, i.e. "capacity free"). filled must instead start with 0 tokens
	// available (held-count capacity: no slot filled yet), so drain it
	// immediately: this TryAcquire cannot fail since nothing else
	// can touch filled before New returns. Without this, the first
	// Release in TryEnqueue/Enqueue pushes filled's held-count negative
	// and semaphore.Weighted.Release panics, and value(empty)+value(filled)
	// would start at 2*capacity instead of the spec.md §8 invariant's
	// capacity.
	if capacity > 0 && !filled.TryAcquire(int64(capacity)) {
		panic("queue: failed to drain initial filled semaphore")
	}

	return &Queue{
		capacity: int64(capacity),
		empty:    semaphore.NewWeighted(int64(capacity)),
		filled:   filled,
		buf:      make([]Handle, capacity),
		ctx:      ctx,
		cnl:      cnl,
	}
}

// Cap returns the queue's fixed capacity N.
func (q *Queue) Cap() int { return int(q.capacity) }

// TryEnqueue attempts a non-blocking insert. Returns ErrorFull if the
// queue is at capacity, ErrorShuttingDown if shutdown has been initiated.
// On failure, no semaphore token is consumed (spec.md §4.1 failure
// semantics).
func (q *Queue) TryEnqueue(h Handle) errs.Coded {
	if q.isShutdown() {
		return ErrorShuttingDown.Error(nil)
	}

	if !q.empty.TryAcquire(1) {
		return ErrorFull.Error(nil)
	}

	if q.isShutdown() {
		q.empty.Release(1)
		return ErrorShuttingDown.Error(nil)
	}

	q.mu.Lock()
	q.buf[q.tail] = h
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
	q.mu.Unlock()

	q.filled.Release(1)
	return nil
}

// Enqueue blocks until a slot is free or the queue shuts down.
func (q *Queue) Enqueue(h Handle) errs.Coded {
	if err := q.empty.Acquire(q.ctx, 1); err != nil {
		return ErrorShuttingDown.Error(nil)
	}

	if q.isShutdown() {
		q.empty.Release(1)
		return ErrorShuttingDown.Error(nil)
	}

	q.mu.Lock()
	q.buf[q.tail] = h
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
	q.mu.Unlock()

	q.filled.Release(1)
	return nil
}

// Dequeue blocks until a handle is available or the queue shuts down, in
// which case it returns ErrorShuttingDown and no handle.
func (q *Queue) Dequeue() (Handle, errs.Coded) {
	if err := q.filled.Acquire(q.ctx, 1); err != nil {
		return Handle{}, ErrorShuttingDown.Error(nil)
	}

	if q.isShutdown() {
		// Restore the token we took: failed dequeue leaves no partial state.
		q.filled.Release(1)
		return Handle{}, ErrorShuttingDown.Error(nil)
	}

	q.mu.Lock()
	h := q.buf[q.head]
	q.buf[q.head] = Handle{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	q.mu.Unlock()

	q.empty.Release(1)
	return h, nil
}

// Shutdown is irreversible. It wakes every waiter, which will then fail
// with ErrorShuttingDown. Safe to call more than once.
func (q *Queue) Shutdown() {
	q.shutMu.Lock()
	defer q.shutMu.Unlock()

	if q.shut {
		return
	}
	q.shut = true
	q.cnl()
}

func (q *Queue) isShutdown() bool {
	q.shutMu.Lock()
	defer q.shutMu.Unlock()
	return q.shut
}

// Len returns the current number of occupied slots. Intended for tests and
// monitoring only - it is stale the instant it's read under concurrent use.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
