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

package worker_test

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/staticd/queue"
	"github.com/nabbar/staticd/worker"
)

var _ = Describe("Pool", func() {
	It("dispatches every submitted handle to the handler exactly once", func() {
		var processed int64
		var wg sync.WaitGroup
		wg.Add(20)

		p := worker.NewPool(4, 32, func(h queue.Handle) {
			atomic.AddInt64(&processed, 1)
			wg.Done()
		}, nil)
		p.Start()

		for i := 0; i < 20; i++ {
			Expect(p.Submit(queue.Handle{})).To(BeNil())
		}
		wg.Wait()
		p.Shutdown()

		Expect(atomic.LoadInt64(&processed)).To(Equal(int64(20)))
	})

	It("rejects submissions once the internal queue is saturated", func() {
		block := make(chan struct{})
		p := worker.NewPool(1, 1, func(h queue.Handle) {
			<-block
		}, nil)
		p.Start()

		Expect(p.Submit(queue.Handle{})).To(BeNil()) // taken by the single thread, blocks on <-block
		Eventually(func() int { return p.QueueLen() }).Should(Equal(0))

		Expect(p.Submit(queue.Handle{})).To(BeNil()) // fills the one-slot queue

		err := p.Submit(queue.Handle{})
		Expect(err).ToNot(BeNil())
		Expect(err.Code()).To(Equal(worker.ErrorFull))

		close(block)
		p.Shutdown()
	})

	It("invokes onReject and never the handler when the admission-side Run hand-off is rejected", func() {
		adm := queue.New(4)
		var rejected int64

		block := make(chan struct{})
		p := worker.NewPool(1, 1, func(h queue.Handle) {
			<-block
		}, func(h queue.Handle) {
			atomic.AddInt64(&rejected, 1)
		})
		p.Start()
		go p.Run(adm)

		for i := 0; i < 3; i++ {
			Expect(adm.TryEnqueue(queue.Handle{})).To(BeNil())
		}

		Eventually(func() int64 { return atomic.LoadInt64(&rejected) }, time.Second).Should(BeNumerically(">=", int64(1)))

		close(block)
		adm.Shutdown()
		p.Shutdown()
	})
})
