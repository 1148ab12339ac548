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

package queue_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/staticd/errs"
	"github.com/nabbar/staticd/queue"
)

var _ = Describe("Queue", func() {
	Context("basic FIFO behavior", func() {
		It("dequeues in the order handles were enqueued", func() {
			q := queue.New(4)

			for i := 0; i < 3; i++ {
				Expect(q.TryEnqueue(queue.Handle{RemoteAddr: string(rune('a' + i))})).To(BeNil())
			}

			for i := 0; i < 3; i++ {
				h, err := q.Dequeue()
				Expect(err).To(BeNil())
				Expect(h.RemoteAddr).To(Equal(string(rune('a' + i))))
			}
		})

		It("reports Len accurately between enqueue and dequeue", func() {
			q := queue.New(2)
			Expect(q.Len()).To(Equal(0))

			Expect(q.TryEnqueue(queue.Handle{})).To(BeNil())
			Expect(q.Len()).To(Equal(1))

			_, err := q.Dequeue()
			Expect(err).To(BeNil())
			Expect(q.Len()).To(Equal(0))
		})
	})

	Context("at capacity", func() {
		It("TryEnqueue fails with ErrorFull and leaves no partial state", func() {
			q := queue.New(1)
			Expect(q.TryEnqueue(queue.Handle{})).To(BeNil())

			err := q.TryEnqueue(queue.Handle{})
			Expect(err).ToNot(BeNil())
			Expect(err.Code()).To(Equal(queue.ErrorFull))
			Expect(q.Len()).To(Equal(1))
		})
	})

	Context("shutdown", func() {
		It("wakes blocked dequeuers with ErrorShuttingDown", func() {
			q := queue.New(1)

			var wg sync.WaitGroup
			var derr errs.Coded
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, derr = q.Dequeue()
			}()

			time.Sleep(20 * time.Millisecond)
			q.Shutdown()
			wg.Wait()

			Expect(derr).ToNot(BeNil())
			Expect(derr.Code()).To(Equal(queue.ErrorShuttingDown))
		})

		It("fails subsequent enqueue attempts", func() {
			q := queue.New(2)
			q.Shutdown()

			err := q.TryEnqueue(queue.Handle{})
			Expect(err).ToNot(BeNil())
			Expect(err.Code()).To(Equal(queue.ErrorShuttingDown))
		})

		It("is safe to call more than once", func() {
			q := queue.New(1)
			Expect(func() {
				q.Shutdown()
				q.Shutdown()
			}).ToNot(Panic())
		})
	})

	Context("semaphore invariant", func() {
		It("never exceeds capacity concurrently occupied slots", func() {
			const capacity = 8
			q := queue.New(capacity)

			var wg sync.WaitGroup
			accepted := make(chan struct{}, capacity*2)

			for i := 0; i < capacity*2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if q.TryEnqueue(queue.Handle{}) == nil {
						accepted <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(accepted)

			count := 0
			for range accepted {
				count++
			}
			Expect(count).To(BeNumerically("<=", capacity))
			Expect(q.Len()).To(Equal(count))
		})
	})
})
