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

package stats_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/staticd/stats"
)

var _ = Describe("Aggregate", func() {
	It("buckets status codes into 2xx/4xx/5xx", func() {
		a := stats.New()
		a.Completed(200, 100, 1000)
		a.Completed(404, 0, 500)
		a.Completed(500, 0, 200)

		s := a.Snapshot()
		Expect(s.Status2xx).To(Equal(int64(1)))
		Expect(s.Status4xx).To(Equal(int64(1)))
		Expect(s.Status5xx).To(Equal(int64(1)))
		Expect(s.TotalRequests).To(Equal(int64(3)))
		Expect(s.Bytes).To(Equal(int64(100)))
	})

	It("counts a Rejected connection toward total requests and 5xx", func() {
		a := stats.New()
		a.Rejected(51)

		s := a.Snapshot()
		Expect(s.TotalRequests).To(Equal(int64(1)))
		Expect(s.Status5xx).To(Equal(int64(1)))
		Expect(s.Bytes).To(Equal(int64(51)))
	})

	It("tracks peak concurrency across overlapping admissions", func() {
		a := stats.New()
		a.Admitted()
		a.Admitted()
		a.Admitted()
		a.Completed(200, 0, 0)

		s := a.Snapshot()
		Expect(s.PeakInFlight).To(Equal(int64(3)))
	})

	It("computes cache hit ratio as a derived percentage", func() {
		a := stats.New()
		Expect(a.CacheHitRatio()).To(Equal(0.0))

		a.CacheHit()
		a.CacheHit()
		a.CacheHit()
		a.CacheMiss()

		Expect(a.CacheHitRatio()).To(BeNumerically("~", 75.0, 0.001))
	})

	It("is monotonic: TotalRequests never decreases under concurrent updates", func() {
		a := stats.New()

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.Completed(200, 1, 1)
			}()
		}
		wg.Wait()

		Expect(a.Snapshot().TotalRequests).To(Equal(int64(100)))
	})
})
