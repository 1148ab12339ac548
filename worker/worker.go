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

// Package worker implements one worker's goroutine tier (C6, spec.md
// §4.2): a main goroutine that shuttles handles from the admission queue
// into a bounded internal task queue, and a fixed-size pool of handler
// goroutines draining that task queue.
//
// The internal task queue is a mutex-plus-condition-variable FIFO, exactly
// as spec.md §3 describes for the "Task queue (per worker)" data model -
// chosen over a buffered channel here specifically because the contract
// needs a non-blocking Submit that fails with ErrorFull when saturated
// (see spec.md §4.2), which a channel's send either blocks or silently
// drops depending on select shape; sync.Cond makes the "signal pending
// whenever non-empty and a thread is waiting" invariant explicit instead
// of implicit in channel internals.
package worker

import (
	"sync"

	"github.com/nabbar/staticd/errs"
	"github.com/nabbar/staticd/queue"
)

const (
	ErrorFull errs.CodeError = iota + errs.MinPkgWorker
)

func init() {
	errs.RegisterMessages(errs.MinPkgWorker, 2, message)
}

func message(code errs.CodeError) string {
	switch code {
	case ErrorFull:
		return "worker task queue is at capacity"
	}
	return ""
}

// Handler is called by every pool thread for each dequeued handle. It
// owns the handle's lifetime: it must close the connection before
// returning. Implemented by the handler package's state machine.
type Handler func(h queue.Handle)

// TaskQueue is the per-worker internal FIFO described in spec.md §4.2. The
// backing store is a fixed-size circular buffer addressed by head/tail
// indices, the same shape queue.Queue uses for the admission queue: a
// capacity that never changes, so Submit's "is it full" test stays correct
// for the queue's entire lifetime instead of drifting as entries are
// popped.
type TaskQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	buf  []queue.Handle
	head int
	tail int
	size int

	shutdown bool
}

func newTaskQueue(capacity int) *TaskQueue {
	tq := &TaskQueue{buf: make([]queue.Handle, capacity)}
	tq.notEmpty = sync.NewCond(&tq.mu)
	return tq
}

// Submit attempts to place h on the queue, failing with ErrorFull if the
// queue is already at its budget.
func (tq *TaskQueue) Submit(h queue.Handle) errs.Coded {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if tq.size >= len(tq.buf) {
		return ErrorFull.Error(nil)
	}

	tq.buf[tq.tail] = h
	tq.tail = (tq.tail + 1) % len(tq.buf)
	tq.size++
	tq.notEmpty.Signal()
	return nil
}

// pop blocks until a handle is available or the queue is shut down, in
// which case it returns ok=false. Threads check the shutdown flag each
// time they reacquire the mutex, per spec.md §4.2 cancellation policy:
// shutdown does not interrupt an in-flight request, only the wait.
func (tq *TaskQueue) pop() (queue.Handle, bool) {
	tq.mu.Lock()
	defer tq.mu.Unlock()

	for tq.size == 0 && !tq.shutdown {
		tq.notEmpty.Wait()
	}

	if tq.size == 0 && tq.shutdown {
		return queue.Handle{}, false
	}

	h := tq.buf[tq.head]
	tq.buf[tq.head] = queue.Handle{}
	tq.head = (tq.head + 1) % len(tq.buf)
	tq.size--
	return h, true
}

// closeQueue marks the queue as shutting down and wakes every waiter.
func (tq *TaskQueue) closeQueue() {
	tq.mu.Lock()
	tq.shutdown = true
	tq.mu.Unlock()
	tq.notEmpty.Broadcast()
}

// Pool is one worker's thread pool plus its internal task queue. Its main
// goroutine (run by Run) dequeues from the admission queue and submits to
// the task queue; its Threads goroutines drain the task queue and call
// Handler for each handle.
type Pool struct {
	tq      *TaskQueue
	handler Handler
	threads int

	wg sync.WaitGroup

	onReject func(h queue.Handle) // called when Submit fails (§4.2)
}

// NewPool builds a worker thread pool with the given number of threads and
// an internal task queue budget of queueCapacity.
func NewPool(threads, queueCapacity int, handler Handler, onReject func(queue.Handle)) *Pool {
	return &Pool{
		tq:       newTaskQueue(queueCapacity),
		handler:  handler,
		threads:  threads,
		onReject: onReject,
	}
}

// Submit places h directly on the pool's internal task queue, bypassing
// the admission queue. Run uses the same path internally; exposed for
// callers (and tests) that already hold a dequeued handle.
func (p *Pool) Submit(h queue.Handle) errs.Coded {
	return p.tq.Submit(h)
}

// Start launches the pool's handler goroutines. Call Run (usually in its
// own goroutine) to start shuttling from the admission queue, and Shutdown
// to stop both.
func (p *Pool) Start() {
	for i := 0; i < p.threads; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()

	for {
		h, ok := p.tq.pop()
		if !ok {
			return
		}
		p.handler(h)
	}
}

// Run is the worker's main goroutine: it dequeues from adm until shutdown,
// submitting each handle to the internal task queue. When Submit fails
// (queue full), onReject is invoked instead - the handler package writes a
// 503 and closes the connection there, matching spec.md §4.2's "If submit
// fails, the handler writes a 503 response directly and closes the
// handle."
func (p *Pool) Run(adm *queue.Queue) {
	for {
		h, err := adm.Dequeue()
		if err != nil {
			return
		}

		if e := p.tq.Submit(h); e != nil {
			if p.onReject != nil {
				p.onReject(h)
			}
		}
	}
}

// Shutdown closes the internal task queue (letting in-flight handler
// goroutines drain naturally) and waits for every pool thread to exit.
func (p *Pool) Shutdown() {
	p.tq.closeQueue()
	p.wg.Wait()
}

// QueueLen reports the current number of handles waiting in the internal
// task queue. For tests and monitoring only.
func (p *Pool) QueueLen() int {
	p.tq.mu.Lock()
	defer p.tq.mu.Unlock()
	return p.tq.size
}
